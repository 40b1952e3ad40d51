package memtable

import (
	"path/filepath"
	"strings"
	"testing"

	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func setupPool(t *testing.T, capacity int) (*BufferPoolManager, *flushmanager.DiskManager) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	dm, err := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "pool.db"), logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })

	bpm, err := NewBufferPoolManager(capacity, dm, logger, nil)
	require.NoError(t, err)
	return bpm, dm
}

func access(t *testing.T, bpm *BufferPoolManager, ids ...pagemanager.PageID) {
	t.Helper()
	for _, id := range ids {
		_, err := bpm.GetPage(id)
		require.NoError(t, err)
	}
}

// --- Test Cases ---

func TestBufferPool_EvictsLeastRecentlyUsed(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	access(t, bpm, 1, 2, 3)
	require.Equal(t, []pagemanager.PageID{2, 3}, bpm.ResidentPageIDs())
	require.False(t, bpm.Contains(1))
}

func TestBufferPool_OverflowByOneEvictsExactlyOne(t *testing.T) {
	bpm, _ := setupPool(t, 3)

	access(t, bpm, 10, 11, 12, 13)
	require.Equal(t, 3, bpm.Len())
	require.Equal(t, []pagemanager.PageID{11, 12, 13}, bpm.ResidentPageIDs())
}

func TestBufferPool_HitProtectsFromNextEviction(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	access(t, bpm, 1, 2, 1, 3)
	require.Equal(t, []pagemanager.PageID{1, 3}, bpm.ResidentPageIDs())
}

func TestBufferPool_PinnedPageIsNeverEvicted(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	access(t, bpm, 1)
	require.NoError(t, bpm.PinPage(1))
	access(t, bpm, 2, 3, 4)

	require.True(t, bpm.Contains(1))
	require.Equal(t, []pagemanager.PageID{1, 4}, bpm.ResidentPageIDs())

	require.NoError(t, bpm.UnpinPage(1))
	access(t, bpm, 5)
	require.False(t, bpm.Contains(1))
}

func TestBufferPool_AllPinnedReturnsNoEvictablePage(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	access(t, bpm, 1, 2)
	require.NoError(t, bpm.PinPage(1))
	require.NoError(t, bpm.PinPage(2))

	require.ErrorIs(t, bpm.Evict(), flushmanager.ErrNoEvictablePage)
	_, err := bpm.GetPage(3)
	require.ErrorIs(t, err, flushmanager.ErrNoEvictablePage)
	_, err = bpm.NewPage(pagemanager.NewLeafNode())
	require.ErrorIs(t, err, flushmanager.ErrNoEvictablePage)

	require.Equal(t, Stats{Capacity: 2, Resident: 2, Pinned: 2}, bpm.Stats())
}

func TestBufferPool_PinCountsNest(t *testing.T) {
	bpm, _ := setupPool(t, 1)

	bp, err := bpm.GetPage(1)
	require.NoError(t, err)
	require.NoError(t, bpm.PinPage(1))
	require.NoError(t, bpm.PinPage(1))
	require.NoError(t, bpm.UnpinPage(1))
	require.True(t, bp.IsPinned())
	require.ErrorIs(t, bpm.Evict(), flushmanager.ErrNoEvictablePage)

	require.NoError(t, bpm.UnpinPage(1))
	require.False(t, bp.IsPinned())
	require.Error(t, bpm.UnpinPage(1))
}

func TestBufferPool_DirtyPageIsFlushedOnEviction(t *testing.T) {
	bpm, dm := setupPool(t, 1)

	bp, err := bpm.GetPage(1)
	require.NoError(t, err)
	leaf := &pagemanager.LeafNode{Keys: []uint32{4, 8}, Values: []uint64{40, 80}, Next: pagemanager.InvalidPageID}
	bp.SetPage(leaf)
	require.NoError(t, bpm.MarkDirty(1))

	access(t, bpm, 2)
	require.False(t, bpm.Contains(1))

	onDisk, err := dm.ReadPage(1)
	require.NoError(t, err)
	require.Equal(t, leaf, onDisk)
}

func TestBufferPool_CleanPageIsNotRewritten(t *testing.T) {
	bpm, dm := setupPool(t, 1)

	bp, err := bpm.GetPage(1)
	require.NoError(t, err)
	// Mutated without MarkDirty: eviction drops the change.
	bp.Page().(*pagemanager.RecordPage).Insert(pagemanager.NewRecord(1))
	access(t, bpm, 2)

	onDisk, err := dm.ReadPage(1)
	require.NoError(t, err)
	require.Equal(t, pagemanager.NewRecordPage(), onDisk)
}

func TestBufferPool_HandlesShareOneInstance(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	a, err := bpm.GetPage(1)
	require.NoError(t, err)
	b, err := bpm.GetPage(1)
	require.NoError(t, err)
	require.Same(t, a, b)

	a.Page().(*pagemanager.RecordPage).Insert(pagemanager.NewRecord(9, pagemanager.Field{Name: "k", Value: "v"}))
	_, ok := b.Page().(*pagemanager.RecordPage).FindRecord(9)
	require.True(t, ok)
	require.NoError(t, bpm.MarkDirty(1))
	require.True(t, b.IsDirty())

	// After eviction the next GetPage is a new entry read back from disk.
	access(t, bpm, 2, 3)
	c, err := bpm.GetPage(1)
	require.NoError(t, err)
	require.NotSame(t, a, c)
	_, ok = c.Page().(*pagemanager.RecordPage).FindRecord(9)
	require.True(t, ok)
	require.False(t, c.IsDirty())
}

func TestBufferPool_MissOnUnwrittenPagePersistsEmptyPage(t *testing.T) {
	bpm, dm := setupPool(t, 4)

	bp, err := bpm.GetPage(7)
	require.NoError(t, err)
	require.Equal(t, pagemanager.NewRecordPage(), bp.Page())
	require.False(t, bp.IsDirty())

	onDisk, err := dm.ReadPage(7)
	require.NoError(t, err)
	require.Equal(t, pagemanager.NewRecordPage(), onDisk)
	require.Equal(t, pagemanager.PageID(8), dm.AllocatePage())
}

func TestBufferPool_NewPageIsDirtyUntilFlushed(t *testing.T) {
	bpm, dm := setupPool(t, 4)

	leaf := &pagemanager.LeafNode{Keys: []uint32{1}, Values: []uint64{2}, Next: pagemanager.InvalidPageID}
	bp, err := bpm.NewPage(leaf)
	require.NoError(t, err)
	require.True(t, bp.IsDirty())

	_, err = dm.ReadPage(bp.ID())
	require.ErrorIs(t, err, flushmanager.ErrPageNotWritten)

	require.NoError(t, bpm.FlushPage(bp.ID()))
	require.False(t, bp.IsDirty())
	onDisk, err := dm.ReadPage(bp.ID())
	require.NoError(t, err)
	require.Equal(t, leaf, onDisk)
}

func TestBufferPool_FlushAllPages(t *testing.T) {
	bpm, dm := setupPool(t, 4)

	var ids []pagemanager.PageID
	for i := 0; i < 3; i++ {
		bp, err := bpm.NewPage(&pagemanager.InternalNode{Keys: []uint32{uint32(i)}, Children: []pagemanager.PageID{1, 2}})
		require.NoError(t, err)
		ids = append(ids, bp.ID())
	}
	require.Equal(t, 3, bpm.Stats().Dirty)

	require.NoError(t, bpm.FlushAllPages())
	require.Zero(t, bpm.Stats().Dirty)
	for i, id := range ids {
		p, err := dm.ReadPage(id)
		require.NoError(t, err)
		require.Equal(t, []uint32{uint32(i)}, p.(*pagemanager.InternalNode).Keys)
	}
}

func TestBufferPool_FailedVictimFlushKeepsPageResident(t *testing.T) {
	bpm, _ := setupPool(t, 1)

	bp, err := bpm.GetPage(1)
	require.NoError(t, err)
	huge := pagemanager.NewRecordPage()
	huge.Insert(pagemanager.NewRecord(1, pagemanager.Field{Name: "blob", Value: strings.Repeat("q", pagemanager.PageSize)}))
	bp.SetPage(huge)
	require.NoError(t, bpm.MarkDirty(1))

	_, err = bpm.GetPage(2)
	require.ErrorIs(t, err, flushmanager.ErrPageSizeExceeded)
	require.True(t, bpm.Contains(1))
	require.True(t, bp.IsDirty())
}

func TestBufferPool_StateChangesRequireResidency(t *testing.T) {
	bpm, _ := setupPool(t, 2)

	require.ErrorIs(t, bpm.MarkDirty(42), flushmanager.ErrPageNotResident)
	require.ErrorIs(t, bpm.PinPage(42), flushmanager.ErrPageNotResident)
	require.ErrorIs(t, bpm.UnpinPage(42), flushmanager.ErrPageNotResident)
	require.ErrorIs(t, bpm.FlushPage(42), flushmanager.ErrPageNotResident)
}

func TestBufferPool_RejectsBadConfiguration(t *testing.T) {
	_, dm := setupPool(t, 1)

	_, err := NewBufferPoolManager(0, dm, nil, nil)
	require.Error(t, err)
	_, err = NewBufferPoolManager(4, nil, nil, nil)
	require.Error(t, err)
}
