package pagemanager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecord_GetAndPutField(t *testing.T) {
	r := NewRecord(7, Field{Name: "name", Value: "Alice"}, Field{Name: "name", Value: "shadowed"})

	v, ok := r.GetField("name")
	require.True(t, ok)
	require.Equal(t, "Alice", v, "first match wins")

	_, ok = r.GetField("age")
	require.False(t, ok)

	r.PutField("name", "Carol")
	r.PutField("age", "41")
	require.Equal(t, []Field{{"name", "Carol"}, {"name", "shadowed"}, {"age", "41"}}, r.Fields)
}

func TestRecord_CloneDoesNotAlias(t *testing.T) {
	r := NewRecord(1, Field{Name: "k", Value: "v"})
	c := r.Clone()
	c.PutField("k", "changed")

	v, _ := r.GetField("k")
	require.Equal(t, "v", v)
}

func TestRecordPage_FindReplaceDelete(t *testing.T) {
	p := NewRecordPage()
	p.Insert(NewRecord(1, Field{Name: "name", Value: "Alice"}))
	p.Insert(NewRecord(2, Field{Name: "name", Value: "Bob"}))

	rec, ok := p.FindRecord(2)
	require.True(t, ok)
	require.Equal(t, uint32(2), rec.ID)

	require.True(t, p.ReplaceRecord(NewRecord(2, Field{Name: "name", Value: "Robert"})))
	rec, _ = p.FindRecord(2)
	v, _ := rec.GetField("name")
	require.Equal(t, "Robert", v)
	require.False(t, p.ReplaceRecord(NewRecord(9)))

	require.True(t, p.DeleteRecord(1))
	require.False(t, p.DeleteRecord(1))
	_, ok = p.FindRecord(1)
	require.False(t, ok)
	require.Len(t, p.Records, 1)
}

func TestRecordPage_HasSpaceMatchesEncoder(t *testing.T) {
	p := NewRecordPage()
	rec := NewRecord(0, Field{Name: "payload", Value: strings.Repeat("a", 100)})

	var id uint32
	for p.HasSpace(rec) {
		rec.ID = id
		p.Insert(rec.Clone())
		id++
	}
	require.NotZero(t, id)

	_, err := Encode(p)
	require.NoError(t, err, "a page that reported space must still encode")

	p.Insert(rec)
	_, err = Encode(p)
	require.ErrorIs(t, err, ErrPageTooLarge)
}
