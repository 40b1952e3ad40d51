package pagemanager

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Page frame layout (little endian):
//
//	[0]       kind
//	[1:5]     body length
//	[5:5+n]   body
//	[5+n:9+n] crc32 (IEEE) over kind, length and body
//
// The storage engine zero-pads the frame to PageSize.
const (
	frameHeaderSize = 1 + 4
	checksumSize    = 4
	frameOverhead   = frameHeaderSize + checksumSize
)

var (
	ErrPageTooLarge = errors.New("page encoding exceeds page size")
	ErrCorruptPage  = errors.New("corrupt page")
)

// Encode serializes p into a frame of at most PageSize bytes.
func Encode(p Page) ([]byte, error) {
	if p == nil {
		return nil, errors.New("cannot encode nil page")
	}
	w := &bodyWriter{buf: make([]byte, 0, 256)}
	if err := p.encodeBody(w); err != nil {
		return nil, err
	}
	frameLen := frameOverhead + len(w.buf)
	if frameLen > PageSize {
		return nil, fmt.Errorf("%w: %s page needs %d bytes, limit is %d", ErrPageTooLarge, p.Kind(), frameLen, PageSize)
	}

	frame := make([]byte, frameHeaderSize, frameLen)
	frame[0] = byte(p.Kind())
	binary.LittleEndian.PutUint32(frame[1:frameHeaderSize], uint32(len(w.buf)))
	frame = append(frame, w.buf...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	return frame, nil
}

// EncodedSize returns the frame length Encode would produce for p, which may
// be larger than PageSize.
func EncodedSize(p Page) int {
	w := &bodyWriter{}
	if err := p.encodeBody(w); err != nil {
		return math.MaxInt32
	}
	return frameOverhead + len(w.buf)
}

// Decode is the inverse of Encode. Zero padding after the frame is ignored and
// a slot that is entirely zero decodes to an empty record page.
func Decode(data []byte) (Page, error) {
	if len(data) > PageSize {
		return nil, fmt.Errorf("%w: buffer of %d bytes exceeds page size %d", ErrCorruptPage, len(data), PageSize)
	}
	if len(data) < frameOverhead {
		return nil, fmt.Errorf("%w: buffer of %d bytes is shorter than a frame", ErrCorruptPage, len(data))
	}
	if isZero(data) {
		return NewRecordPage(), nil
	}

	kind := Kind(data[0])
	bodyLen := int(binary.LittleEndian.Uint32(data[1:frameHeaderSize]))
	end := frameHeaderSize + bodyLen
	if bodyLen > PageSize || end+checksumSize > len(data) {
		return nil, fmt.Errorf("%w: body length %d does not fit in %d bytes", ErrCorruptPage, bodyLen, len(data))
	}
	stored := binary.LittleEndian.Uint32(data[end : end+checksumSize])
	if calculated := crc32.ChecksumIEEE(data[:end]); stored != calculated {
		return nil, fmt.Errorf("%w: checksum mismatch stored=0x%x calculated=0x%x", ErrCorruptPage, stored, calculated)
	}

	r := &bodyReader{buf: data[frameHeaderSize:end]}
	var p Page
	switch kind {
	case KindRecords:
		p = decodeRecordPage(r)
	case KindLeaf:
		p = decodeLeaf(r)
	case KindInternal:
		p = decodeInternal(r)
	case KindMeta:
		p = decodeMeta(r)
	default:
		return nil, fmt.Errorf("%w: unknown page kind %d", ErrCorruptPage, kind)
	}
	if r.err != nil {
		return nil, fmt.Errorf("%w: decoding %s page: %v", ErrCorruptPage, kind, r.err)
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in %s page", ErrCorruptPage, len(r.buf), kind)
	}
	return p, nil
}

func isZero(data []byte) bool {
	for _, b := range data {
		if b != 0 {
			return false
		}
	}
	return true
}

// --- body encoders ---

func (p *RecordPage) encodeBody(w *bodyWriter) error {
	if len(p.Records) > math.MaxUint16 {
		return fmt.Errorf("%w: %d records", ErrPageTooLarge, len(p.Records))
	}
	w.u16(uint16(len(p.Records)))
	for i := range p.Records {
		rec := &p.Records[i]
		if len(rec.Fields) > math.MaxUint16 {
			return fmt.Errorf("%w: record %d has %d fields", ErrPageTooLarge, rec.ID, len(rec.Fields))
		}
		w.u32(rec.ID)
		w.u16(uint16(len(rec.Fields)))
		for _, f := range rec.Fields {
			if err := w.str(f.Name); err != nil {
				return err
			}
			if err := w.str(f.Value); err != nil {
				return err
			}
		}
	}
	return nil
}

func (n *LeafNode) encodeBody(w *bodyWriter) error {
	if len(n.Keys) != len(n.Values) {
		return fmt.Errorf("leaf has %d keys but %d values", len(n.Keys), len(n.Values))
	}
	if len(n.Keys) > math.MaxUint16 {
		return fmt.Errorf("%w: %d keys", ErrPageTooLarge, len(n.Keys))
	}
	w.u16(uint16(len(n.Keys)))
	for _, k := range n.Keys {
		w.u32(k)
	}
	for _, v := range n.Values {
		w.u64(v)
	}
	w.u64(uint64(n.Next))
	return nil
}

func (n *InternalNode) encodeBody(w *bodyWriter) error {
	if len(n.Children) != len(n.Keys)+1 {
		return fmt.Errorf("internal node has %d keys but %d children", len(n.Keys), len(n.Children))
	}
	if len(n.Keys) > math.MaxUint16 {
		return fmt.Errorf("%w: %d keys", ErrPageTooLarge, len(n.Keys))
	}
	w.u16(uint16(len(n.Keys)))
	for _, k := range n.Keys {
		w.u32(k)
	}
	for _, c := range n.Children {
		w.u64(uint64(c))
	}
	return nil
}

func (m *MetaPage) encodeBody(w *bodyWriter) error {
	w.u32(m.Magic)
	w.u16(m.Version)
	w.u32(m.PageSize)
	w.u16(m.Order)
	w.u64(uint64(m.RootPageID))
	w.buf = append(w.buf, m.FileID[:]...)
	return nil
}

// --- body decoders ---

func decodeRecordPage(r *bodyReader) *RecordPage {
	n := int(r.u16())
	p := &RecordPage{Records: make([]Record, 0, n)}
	for i := 0; i < n && r.err == nil; i++ {
		rec := Record{ID: r.u32()}
		numFields := int(r.u16())
		rec.Fields = make([]Field, 0, numFields)
		for j := 0; j < numFields && r.err == nil; j++ {
			name := r.str()
			value := r.str()
			rec.Fields = append(rec.Fields, Field{Name: name, Value: value})
		}
		p.Records = append(p.Records, rec)
	}
	return p
}

func decodeLeaf(r *bodyReader) *LeafNode {
	n := int(r.u16())
	leaf := &LeafNode{Keys: make([]uint32, n), Values: make([]uint64, n)}
	for i := 0; i < n; i++ {
		leaf.Keys[i] = r.u32()
	}
	for i := 0; i < n; i++ {
		leaf.Values[i] = r.u64()
	}
	leaf.Next = PageID(r.u64())
	return leaf
}

func decodeInternal(r *bodyReader) *InternalNode {
	n := int(r.u16())
	node := &InternalNode{Keys: make([]uint32, n), Children: make([]PageID, n+1)}
	for i := 0; i < n; i++ {
		node.Keys[i] = r.u32()
	}
	for i := 0; i <= n; i++ {
		node.Children[i] = PageID(r.u64())
	}
	return node
}

func decodeMeta(r *bodyReader) *MetaPage {
	m := &MetaPage{
		Magic:      r.u32(),
		Version:    r.u16(),
		PageSize:   r.u32(),
		Order:      r.u16(),
		RootPageID: PageID(r.u64()),
	}
	copy(m.FileID[:], r.bytes(len(m.FileID)))
	return m
}

// --- primitives ---

type bodyWriter struct {
	buf []byte
}

func (w *bodyWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *bodyWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *bodyWriter) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }

func (w *bodyWriter) str(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("%w: string of %d bytes", ErrPageTooLarge, len(s))
	}
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
	return nil
}

// bodyReader consumes buf front to back. The first short read sets err and
// every later read returns zero values.
type bodyReader struct {
	buf []byte
	err error
}

func (r *bodyReader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n > len(r.buf) {
		r.err = fmt.Errorf("need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *bodyReader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *bodyReader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *bodyReader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *bodyReader) str() string {
	n := int(r.u16())
	return string(r.bytes(n))
}
