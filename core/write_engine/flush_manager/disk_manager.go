package flushmanager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	internaltelemetry "github.com/artdb/artdb/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// --- DiskManager ---

// DiskManager owns the data file: a flat array of PageSize slots where slot n
// starts at byte n*PageSize. It hands out page ids and moves whole pages
// between memory and disk.
type DiskManager struct {
	filePath   string
	file       *os.File
	nextPageID pagemanager.PageID // fileSize / PageSize at open, then monotonically increasing
	mu         sync.Mutex
	logger     *zap.Logger
	metrics    *internaltelemetry.StorageMetrics
}

// NewDiskManager opens filePath, creating it if needed. Allocation resumes
// after the last slot present in the file.
func NewDiskManager(filePath string, logger *zap.Logger, metrics *internaltelemetry.StorageMetrics) (*DiskManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = internaltelemetry.NoopStorageMetrics()
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
	}

	dm := &DiskManager{
		filePath:   filePath,
		file:       file,
		nextPageID: pagemanager.PageID(fi.Size() / pagemanager.PageSize),
		logger:     logger,
		metrics:    metrics,
	}
	logger.Info("data file opened",
		zap.String("path", filePath),
		zap.Int64("size", fi.Size()),
		zap.Uint64("next_page_id", uint64(dm.nextPageID)))
	return dm, nil
}

func (dm *DiskManager) Path() string { return dm.filePath }

// NumPages returns the number of page ids handed out or written so far.
func (dm *DiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return uint64(dm.nextPageID)
}

// AllocatePage consumes and returns the next page id. Ids are never reused.
func (dm *DiskManager) AllocatePage() pagemanager.PageID {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	id := dm.nextPageID
	dm.nextPageID++
	return id
}

// WritePage encodes page, zero-pads it to PageSize and writes it durably at
// pageID's slot. Nothing is written when the encoding does not fit.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, page pagemanager.Page) error {
	if pageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: write to invalid page id", ErrIO)
	}
	data, err := pagemanager.Encode(page)
	if err != nil {
		if errors.Is(err, pagemanager.ErrPageTooLarge) {
			return fmt.Errorf("%w: page %d: %w", ErrPageSizeExceeded, pageID, err)
		}
		return fmt.Errorf("encoding page %d: %w", pageID, err)
	}
	slot := make([]byte, pagemanager.PageSize)
	copy(slot, data)

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if err := dm.writeAtLocked(pageID.Offset(), slot); err != nil {
		return fmt.Errorf("writing page %d: %w", pageID, err)
	}
	if pageID >= dm.nextPageID {
		dm.nextPageID = pageID + 1
	}

	ctx := context.Background()
	dm.metrics.PageWrites.Add(ctx, 1, metric.WithAttributes(kindAttr(page.Kind())))
	dm.metrics.BytesWritten.Add(ctx, pagemanager.PageSize)
	return nil
}

// ReadPage reads and decodes the slot of pageID. A slot past the end of the
// file fails with ErrPageNotWritten (wrapped in ErrIO).
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID) (pagemanager.Page, error) {
	if pageID == pagemanager.InvalidPageID {
		return nil, fmt.Errorf("%w: read of invalid page id", ErrIO)
	}
	dm.mu.Lock()
	data, err := dm.readAtLocked(pageID.Offset(), pagemanager.PageSize)
	dm.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("reading page %d: %w", pageID, err)
	}

	page, err := pagemanager.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("page %d: %w", pageID, err)
	}
	dm.metrics.PageReads.Add(context.Background(), 1, metric.WithAttributes(kindAttr(page.Kind())))
	return page, nil
}

// WriteAt writes raw bytes at offset and syncs the file.
func (dm *DiskManager) WriteAt(offset int64, data []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.writeAtLocked(offset, data)
}

// ReadAt reads exactly size raw bytes at offset.
func (dm *DiskManager) ReadAt(offset int64, size int) ([]byte, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readAtLocked(offset, size)
}

// writeAtLocked MUST be called with dm.mu held.
func (dm *DiskManager) writeAtLocked(offset int64, data []byte) error {
	if dm.file == nil {
		return fmt.Errorf("%w: %w", ErrIO, ErrFileClosed)
	}
	if _, err := dm.file.WriteAt(data, offset); err != nil {
		return fmt.Errorf("%w: writing %d bytes at offset %d: %v", ErrIO, len(data), offset, err)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing after write at offset %d: %v", ErrIO, offset, err)
	}
	return nil
}

// readAtLocked MUST be called with dm.mu held.
func (dm *DiskManager) readAtLocked(offset int64, size int) ([]byte, error) {
	if dm.file == nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, ErrFileClosed)
	}
	buf := make([]byte, size)
	n, err := dm.file.ReadAt(buf, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			if n == 0 {
				return nil, fmt.Errorf("%w: %w: offset %d is past end of file", ErrIO, ErrPageNotWritten, offset)
			}
			return nil, fmt.Errorf("%w: short read at offset %d, expected %d, got %d", ErrIO, offset, size, n)
		}
		return nil, fmt.Errorf("%w: reading at offset %d: %v", ErrIO, offset, err)
	}
	return buf, nil
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return fmt.Errorf("%w: %w", ErrIO, ErrFileClosed)
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: sync: %v", ErrIO, err)
	}
	return nil
}

// Close closes the underlying file handle.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("sync on close failed", zap.String("path", dm.filePath), zap.Error(err))
	}
	err := dm.file.Close()
	dm.file = nil
	dm.logger.Info("data file closed", zap.String("path", dm.filePath))
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIO, dm.filePath, err)
	}
	return nil
}

func kindAttr(k pagemanager.Kind) attribute.KeyValue {
	return attribute.String("page_kind", k.String())
}
