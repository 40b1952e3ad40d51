package pagemanager

// Field is one named string value of a record.
type Field struct {
	Name  string
	Value string
}

// Record is the opaque payload stored in record pages.
type Record struct {
	ID     uint32
	Fields []Field
}

func NewRecord(id uint32, fields ...Field) Record {
	return Record{ID: id, Fields: fields}
}

// GetField returns the value of the first field called name.
func (r *Record) GetField(name string) (string, bool) {
	for _, f := range r.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// PutField updates the first field called name, or appends it.
func (r *Record) PutField(name, value string) {
	for i := range r.Fields {
		if r.Fields[i].Name == name {
			r.Fields[i].Value = value
			return
		}
	}
	r.Fields = append(r.Fields, Field{Name: name, Value: value})
}

// Clone returns a deep copy so callers never alias a resident page.
func (r Record) Clone() Record {
	fields := make([]Field, len(r.Fields))
	copy(fields, r.Fields)
	return Record{ID: r.ID, Fields: fields}
}

// encodedSize mirrors writeRecord: id, field count, length-prefixed strings.
func (r *Record) encodedSize() int {
	size := 4 + 2
	for _, f := range r.Fields {
		size += 2 + len(f.Name) + 2 + len(f.Value)
	}
	return size
}
