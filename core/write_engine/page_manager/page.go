package pagemanager

import (
	"math"
)

// --- Page Management ---

const (
	// PageSize is the size of every slot in the data file.
	PageSize = 4096

	// MetaPageID is the slot holding the file header.
	MetaPageID PageID = 0

	InvalidPageID PageID = math.MaxUint64
)

// PageID represents a unique identifier for a page on disk.
// Slot n lives at byte offset n*PageSize.
type PageID uint64

func (p PageID) Offset() int64 { return int64(p) * PageSize }

// Kind is the discriminant persisted as the first byte of every page frame.
type Kind uint8

const (
	KindFree Kind = iota // never written; an all-zero slot
	KindRecords
	KindLeaf
	KindInternal
	KindMeta
)

func (k Kind) String() string {
	switch k {
	case KindFree:
		return "free"
	case KindRecords:
		return "records"
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	case KindMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Page is the decoded content of one slot. The concrete type is one of
// *RecordPage, *LeafNode, *InternalNode or *MetaPage.
type Page interface {
	Kind() Kind
	encodeBody(w *bodyWriter) error
}

// RecordPage is a flat list of records.
type RecordPage struct {
	Records []Record
}

// NewRecordPage returns the empty page used for never-written slots.
func NewRecordPage() *RecordPage {
	return &RecordPage{Records: make([]Record, 0)}
}

func (p *RecordPage) Kind() Kind { return KindRecords }

func (p *RecordPage) Insert(r Record) {
	p.Records = append(p.Records, r)
}

// FindRecord returns the record with the given id.
func (p *RecordPage) FindRecord(id uint32) (*Record, bool) {
	for i := range p.Records {
		if p.Records[i].ID == id {
			return &p.Records[i], true
		}
	}
	return nil, false
}

// DeleteRecord removes the record with the given id and reports whether it existed.
func (p *RecordPage) DeleteRecord(id uint32) bool {
	for i := range p.Records {
		if p.Records[i].ID == id {
			p.Records = append(p.Records[:i], p.Records[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceRecord overwrites the record sharing r's id. It returns false when
// the page holds no such record.
func (p *RecordPage) ReplaceRecord(r Record) bool {
	for i := range p.Records {
		if p.Records[i].ID == r.ID {
			p.Records[i] = r
			return true
		}
	}
	return false
}

// HasSpace reports whether r can be appended without the page overflowing.
func (p *RecordPage) HasSpace(r Record) bool {
	return EncodedSize(p)+r.encodedSize() <= PageSize
}

// LeafNode is a B+Tree leaf. Values[i] belongs to Keys[i]. Next links to the
// right sibling leaf, or InvalidPageID for the rightmost leaf.
type LeafNode struct {
	Keys   []uint32
	Values []uint64
	Next   PageID
}

func NewLeafNode() *LeafNode {
	return &LeafNode{
		Keys:   make([]uint32, 0),
		Values: make([]uint64, 0),
		Next:   InvalidPageID,
	}
}

func (n *LeafNode) Kind() Kind { return KindLeaf }

// InternalNode is a B+Tree navigation node with len(Children) == len(Keys)+1.
type InternalNode struct {
	Keys     []uint32
	Children []PageID
}

func (n *InternalNode) Kind() Kind { return KindInternal }

// MetaPage is the file header stored in slot 0.
type MetaPage struct {
	Magic      uint32
	Version    uint16
	PageSize   uint32
	Order      uint16
	RootPageID PageID
	FileID     [16]byte
}

func (m *MetaPage) Kind() Kind { return KindMeta }
