package memtable

import (
	"container/list" // For LRU
	"context"
	"errors"
	"fmt"
	"sync"

	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	internaltelemetry "github.com/artdb/artdb/internal/telemetry"
	"go.uber.org/zap"
)

// BufferPage is a resident, decoded page. The pool holds the only instance
// for a page id; every GetPage caller receives the same pointer until the
// entry is evicted, after which the handle is stale and must not be used.
type BufferPage struct {
	id         pagemanager.PageID
	page       pagemanager.Page
	isDirty    bool
	pinCount   uint32
	lruElement *list.Element

	// latch protects the page content for callers that share a handle
	// across goroutines. The pool itself never takes it.
	latch sync.RWMutex
}

func (p *BufferPage) ID() pagemanager.PageID      { return p.id }
func (p *BufferPage) Page() pagemanager.Page      { return p.page }
func (p *BufferPage) SetPage(pg pagemanager.Page) { p.page = pg }
func (p *BufferPage) IsDirty() bool               { return p.isDirty }
func (p *BufferPage) IsPinned() bool              { return p.pinCount > 0 }
func (p *BufferPage) PinCount() uint32            { return p.pinCount }

func (p *BufferPage) RLock()   { p.latch.RLock() }
func (p *BufferPage) RUnlock() { p.latch.RUnlock() }
func (p *BufferPage) Lock()    { p.latch.Lock() }
func (p *BufferPage) Unlock()  { p.latch.Unlock() }

// BufferPoolManager caches up to capacity decoded pages and evicts the least
// recently used unpinned page when it needs room, writing it back first if
// it is dirty.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	capacity    int
	pageTable   map[pagemanager.PageID]*BufferPage
	lruList     *list.List // front is most recently used, stores *BufferPage
	mu          sync.Mutex
	logger      *zap.Logger
	metrics     *internaltelemetry.StorageMetrics
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Capacity int
	Resident int
	Pinned   int
	Dirty    int
}

// NewBufferPoolManager creates a pool of the given capacity over diskManager.
func NewBufferPoolManager(capacity int, diskManager *flushmanager.DiskManager, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, errors.New("buffer pool requires a disk manager")
	}
	if capacity < 1 {
		return nil, fmt.Errorf("buffer pool capacity must be positive, got %d", capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		capacity:    capacity,
		pageTable:   make(map[pagemanager.PageID]*BufferPage, capacity),
		lruList:     list.New(),
		logger:      logger,
		metrics:     metrics,
	}
	logger.Info("buffer pool initialized", zap.Int("capacity", capacity))
	return bpm, nil
}

func (bpm *BufferPoolManager) Capacity() int                   { return bpm.capacity }
func (bpm *BufferPoolManager) Disk() *flushmanager.DiskManager { return bpm.diskManager }

// GetPage returns the resident page for pageID, loading it from disk on a
// miss. A page that was never written is replaced by an empty record page,
// which is persisted before it is returned.
func (bpm *BufferPoolManager) GetPage(pageID pagemanager.PageID) (*BufferPage, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.getLocked(pageID)
}

// FetchPage is GetPage plus PinPage in one step, so the page cannot be
// evicted between the two. The caller must UnpinPage it.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*BufferPage, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, err := bpm.getLocked(pageID)
	if err != nil {
		return nil, err
	}
	bp.pinCount++
	return bp, nil
}

// getLocked MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) getLocked(pageID pagemanager.PageID) (*BufferPage, error) {
	ctx := context.Background()
	if bp, ok := bpm.pageTable[pageID]; ok {
		bpm.lruList.MoveToFront(bp.lruElement)
		bpm.metrics.PoolHits.Add(ctx, 1)
		return bp, nil
	}
	bpm.metrics.PoolMisses.Add(ctx, 1)

	if len(bpm.pageTable) >= bpm.capacity {
		if err := bpm.evictLocked(); err != nil {
			return nil, fmt.Errorf("loading page %d: %w", pageID, err)
		}
	}

	page, err := bpm.diskManager.ReadPage(pageID)
	if errors.Is(err, flushmanager.ErrPageNotWritten) {
		bpm.logger.Debug("page not on disk, creating empty page", zap.Uint64("page_id", uint64(pageID)))
		page = pagemanager.NewRecordPage()
		if err := bpm.diskManager.WritePage(pageID, page); err != nil {
			return nil, fmt.Errorf("persisting empty page %d: %w", pageID, err)
		}
	} else if err != nil {
		return nil, err
	}

	return bpm.installLocked(pageID, page, false), nil
}

// NewPage allocates a page id and installs page under it as a dirty, pinned
// resident entry without touching the disk. The caller must UnpinPage it.
func (bpm *BufferPoolManager) NewPage(page pagemanager.Page) (*BufferPage, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	if len(bpm.pageTable) >= bpm.capacity {
		if err := bpm.evictLocked(); err != nil {
			return nil, fmt.Errorf("making room for new page: %w", err)
		}
	}
	pageID := bpm.diskManager.AllocatePage()
	bpm.logger.Debug("allocated new page", zap.Uint64("page_id", uint64(pageID)), zap.Stringer("kind", page.Kind()))
	bp := bpm.installLocked(pageID, page, true)
	bp.pinCount = 1
	return bp, nil
}

// installLocked MUST be called with bpm.mu held and a free slot available.
func (bpm *BufferPoolManager) installLocked(pageID pagemanager.PageID, page pagemanager.Page, dirty bool) *BufferPage {
	bp := &BufferPage{id: pageID, page: page, isDirty: dirty}
	bp.lruElement = bpm.lruList.PushFront(bp)
	bpm.pageTable[pageID] = bp
	bpm.metrics.ResidentPages.Add(context.Background(), 1)
	return bp
}

// Evict drops the least recently used unpinned page, flushing it first if
// it is dirty. It fails with ErrNoEvictablePage when every page is pinned.
func (bpm *BufferPoolManager) Evict() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.evictLocked()
}

// evictLocked MUST be called with bpm.mu held.
func (bpm *BufferPoolManager) evictLocked() error {
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		victim := e.Value.(*BufferPage)
		if victim.pinCount > 0 {
			continue
		}
		if victim.isDirty {
			bpm.logger.Debug("flushing dirty victim", zap.Uint64("page_id", uint64(victim.id)))
			if err := bpm.diskManager.WritePage(victim.id, victim.page); err != nil {
				// The victim stays resident and dirty so nothing is lost.
				return fmt.Errorf("flushing victim page %d: %w", victim.id, err)
			}
			victim.isDirty = false
			bpm.metrics.PoolFlushes.Add(context.Background(), 1)
		}
		bpm.lruList.Remove(e)
		delete(bpm.pageTable, victim.id)
		victim.lruElement = nil
		bpm.metrics.PoolEvictions.Add(context.Background(), 1)
		bpm.metrics.ResidentPages.Add(context.Background(), -1)
		bpm.logger.Debug("evicted page", zap.Uint64("page_id", uint64(victim.id)))
		return nil
	}
	bpm.logger.Warn("buffer pool exhausted, all pages pinned", zap.Int("resident", len(bpm.pageTable)))
	return flushmanager.ErrNoEvictablePage
}

// MarkDirty records that the resident copy of pageID differs from disk.
func (bpm *BufferPoolManager) MarkDirty(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to mark dirty", flushmanager.ErrPageNotResident, pageID)
	}
	bp.isDirty = true
	return nil
}

// PinPage protects pageID from eviction until a matching UnpinPage.
func (bpm *BufferPoolManager) PinPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to pin", flushmanager.ErrPageNotResident, pageID)
	}
	bp.pinCount++
	return nil
}

// UnpinPage releases one pin on pageID.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotResident, pageID)
	}
	if bp.pinCount == 0 {
		bpm.logger.Warn("unpin of unpinned page", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	bp.pinCount--
	return nil
}

// FlushPage writes pageID to disk if it is dirty, keeping it resident.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	bp, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotResident, pageID)
	}
	return bpm.flushLocked(bp)
}

func (bpm *BufferPoolManager) flushLocked(bp *BufferPage) error {
	if !bp.isDirty {
		return nil
	}
	if err := bpm.diskManager.WritePage(bp.id, bp.page); err != nil {
		bpm.logger.Error("failed to flush page", zap.Uint64("page_id", uint64(bp.id)), zap.Error(err))
		return err
	}
	bp.isDirty = false
	bpm.metrics.PoolFlushes.Add(context.Background(), 1)
	return nil
}

// FlushAllPages writes every dirty resident page to disk. It keeps going
// after a failure and returns the first error.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	var firstErr error
	flushed := 0
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		bp := e.Value.(*BufferPage)
		if !bp.isDirty {
			continue
		}
		if err := bpm.flushLocked(bp); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		flushed++
	}
	bpm.logger.Debug("flushed all pages", zap.Int("flushed", flushed))
	return firstErr
}

// Contains reports whether pageID is resident without touching recency.
func (bpm *BufferPoolManager) Contains(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

// ResidentPageIDs lists resident pages from least to most recently used.
func (bpm *BufferPoolManager) ResidentPageIDs() []pagemanager.PageID {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	ids := make([]pagemanager.PageID, 0, len(bpm.pageTable))
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		ids = append(ids, e.Value.(*BufferPage).id)
	}
	return ids
}

func (bpm *BufferPoolManager) Len() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return len(bpm.pageTable)
}

func (bpm *BufferPoolManager) Stats() Stats {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	s := Stats{Capacity: bpm.capacity, Resident: len(bpm.pageTable)}
	for _, bp := range bpm.pageTable {
		if bp.pinCount > 0 {
			s.Pinned++
		}
		if bp.isDirty {
			s.Dirty++
		}
	}
	return s
}
