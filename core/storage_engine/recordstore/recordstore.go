// Package recordstore keeps field records in record pages and indexes them by
// record id with the B+Tree: the tree maps an id to the page holding it.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/artdb/artdb/core/indexing/btree"
	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	"github.com/artdb/artdb/core/write_engine/memtable"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	internaltelemetry "github.com/artdb/artdb/internal/telemetry"
	"github.com/artdb/artdb/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Store appends new records to a tail record page and relocates a record to
// the tail when an update no longer fits in its current page.
type Store struct {
	mu      sync.RWMutex // writers: Put, Delete
	tree    *btree.BTree
	bpm     *memtable.BufferPoolManager
	tail    pagemanager.PageID
	logger  *zap.Logger
	tracer  trace.Tracer
	metrics *internaltelemetry.RecordStoreMetrics
}

// New builds a store over tree and bpm, which must share one data file. The
// tail page is the highest page the index points at.
func New(tree *btree.BTree, bpm *memtable.BufferPoolManager, logger *zap.Logger, tel *telemetry.Telemetry) (*Store, error) {
	if tree == nil || bpm == nil {
		return nil, errors.New("recordstore: tree and buffer pool manager are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}
	metrics, err := internaltelemetry.NewRecordStoreMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("creating record store metrics: %w", err)
	}

	s := &Store{
		tree:    tree,
		bpm:     bpm,
		tail:    pagemanager.InvalidPageID,
		logger:  logger.Named("recordstore"),
		tracer:  tel.Tracer,
		metrics: metrics,
	}
	err = tree.Ascend(0, func(_ uint32, v uint64) bool {
		if p := pagemanager.PageID(v); s.tail == pagemanager.InvalidPageID || p > s.tail {
			s.tail = p
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("locating tail page: %w", err)
	}
	s.logger.Debug("record store ready", zap.Uint64("tail_page_id", uint64(s.tail)))
	return s, nil
}

// --- Operations ---

// Put inserts rec or replaces the stored record with the same id.
func (s *Store) Put(ctx context.Context, rec pagemanager.Record) (err error) {
	ctx, span, start := s.startOp(ctx, "Put", rec.ID)
	defer func() { s.endOp(ctx, span, start, "Put", err) }()

	if !pagemanager.NewRecordPage().HasSpace(rec) {
		return fmt.Errorf("%w: record %d", flushmanager.ErrRecordTooLarge, rec.ID)
	}
	rec = rec.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.tree.Search(rec.ID)
	switch {
	case errors.Is(err, flushmanager.ErrKeyNotFound):
		return s.insertNew(rec)
	case err != nil:
		return err
	}
	pageID := pagemanager.PageID(v)

	var (
		old      pagemanager.Record
		replaced bool
	)
	_, err = s.withRecordPage(pageID, true, func(rp *pagemanager.RecordPage) (bool, error) {
		found, ok := rp.FindRecord(rec.ID)
		if !ok {
			return false, fmt.Errorf("%w: index points record %d at page %d which does not hold it", flushmanager.ErrCorruptPage, rec.ID, pageID)
		}
		old = found.Clone()
		rp.DeleteRecord(rec.ID)
		if rp.HasSpace(rec) {
			rp.Insert(rec)
			replaced = true
		}
		return true, nil
	})
	if err != nil || replaced {
		return err
	}

	newPage, err := s.appendToTail(rec)
	if err == nil {
		if err = s.tree.Insert(rec.ID, uint64(newPage)); err != nil {
			s.removeFromPage(newPage, rec.ID)
		}
	}
	if err != nil {
		// Put the old version back so the index stays valid.
		_, restoreErr := s.withRecordPage(pageID, true, func(rp *pagemanager.RecordPage) (bool, error) {
			rp.Insert(old)
			return true, nil
		})
		if restoreErr != nil {
			s.logger.Error("failed to restore record after failed relocation",
				zap.Uint32("record_id", rec.ID), zap.Uint64("page_id", uint64(pageID)), zap.Error(restoreErr))
		}
		return err
	}
	s.logger.Debug("record relocated",
		zap.Uint32("record_id", rec.ID),
		zap.Uint64("from_page", uint64(pageID)),
		zap.Uint64("to_page", uint64(newPage)))
	return nil
}

func (s *Store) insertNew(rec pagemanager.Record) error {
	pageID, err := s.appendToTail(rec)
	if err != nil {
		return err
	}
	if err := s.tree.Insert(rec.ID, uint64(pageID)); err != nil {
		s.removeFromPage(pageID, rec.ID)
		return err
	}
	return nil
}

// removeFromPage drops a record that was appended to pageID but never made
// it into the index.
func (s *Store) removeFromPage(pageID pagemanager.PageID, id uint32) {
	_, err := s.withRecordPage(pageID, true, func(rp *pagemanager.RecordPage) (bool, error) {
		return rp.DeleteRecord(id), nil
	})
	if err != nil {
		s.logger.Error("failed to remove unindexed record",
			zap.Uint32("record_id", id), zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
	}
}

// appendToTail stores rec in the tail page, starting a new tail page when it
// is full.
func (s *Store) appendToTail(rec pagemanager.Record) (pagemanager.PageID, error) {
	if s.tail != pagemanager.InvalidPageID {
		stored, err := s.withRecordPage(s.tail, true, func(rp *pagemanager.RecordPage) (bool, error) {
			if !rp.HasSpace(rec) {
				return false, nil
			}
			rp.Insert(rec)
			return true, nil
		})
		if err != nil {
			return pagemanager.InvalidPageID, err
		}
		if stored {
			return s.tail, nil
		}
	}

	page := pagemanager.NewRecordPage()
	page.Insert(rec)
	bp, err := s.bpm.NewPage(page)
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("starting record page: %w", err)
	}
	if err := s.bpm.UnpinPage(bp.ID()); err != nil {
		return pagemanager.InvalidPageID, err
	}
	s.logger.Debug("new tail page", zap.Uint64("page_id", uint64(bp.ID())))
	s.tail = bp.ID()
	return bp.ID(), nil
}

// withRecordPage pins pageID for the duration of fn and holds its content
// latch. When write is set and fn reports a change the page is marked dirty.
// The returned bool is the one fn returned.
func (s *Store) withRecordPage(pageID pagemanager.PageID, write bool, fn func(*pagemanager.RecordPage) (bool, error)) (bool, error) {
	bp, err := s.bpm.FetchPage(pageID)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := s.bpm.UnpinPage(pageID); err != nil {
			s.logger.Error("failed to unpin record page", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		}
	}()

	if write {
		bp.Lock()
		defer bp.Unlock()
	} else {
		bp.RLock()
		defer bp.RUnlock()
	}
	rp, ok := bp.Page().(*pagemanager.RecordPage)
	if !ok {
		return false, fmt.Errorf("%w: page %d is a %s page, expected records", flushmanager.ErrCorruptPage, pageID, bp.Page().Kind())
	}
	changed, err := fn(rp)
	if err != nil {
		return false, err
	}
	if write && changed {
		if err := s.bpm.MarkDirty(pageID); err != nil {
			return false, err
		}
	}
	return changed, nil
}

// Get returns a copy of the record stored under id, or ErrKeyNotFound.
func (s *Store) Get(ctx context.Context, id uint32) (rec pagemanager.Record, err error) {
	ctx, span, start := s.startOp(ctx, "Get", id)
	defer func() { s.endOp(ctx, span, start, "Get", err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(id)
}

func (s *Store) get(id uint32) (pagemanager.Record, error) {
	v, err := s.tree.Search(id)
	if err != nil {
		return pagemanager.Record{}, err
	}
	pageID := pagemanager.PageID(v)
	var out pagemanager.Record
	_, err = s.withRecordPage(pageID, false, func(rp *pagemanager.RecordPage) (bool, error) {
		r, ok := rp.FindRecord(id)
		if !ok {
			return false, fmt.Errorf("%w: index points record %d at page %d which does not hold it", flushmanager.ErrCorruptPage, id, pageID)
		}
		out = r.Clone()
		return false, nil
	})
	return out, err
}

// Delete removes the record stored under id, or returns ErrKeyNotFound.
func (s *Store) Delete(ctx context.Context, id uint32) (err error) {
	ctx, span, start := s.startOp(ctx, "Delete", id)
	defer func() { s.endOp(ctx, span, start, "Delete", err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.tree.Search(id)
	if err != nil {
		return err
	}
	_, err = s.withRecordPage(pagemanager.PageID(v), true, func(rp *pagemanager.RecordPage) (bool, error) {
		return rp.DeleteRecord(id), nil
	})
	if err != nil {
		return err
	}
	return s.tree.Delete(id)
}

// Scan calls fn for every record in ascending id order until fn returns
// false or ctx is done.
func (s *Store) Scan(ctx context.Context, fn func(pagemanager.Record) bool) (err error) {
	ctx, span, start := s.startOp(ctx, "Scan", 0)
	defer func() { s.endOp(ctx, span, start, "Scan", err) }()

	var ids []uint32
	err = s.tree.Ascend(0, func(k uint32, _ uint64) bool {
		ids = append(ids, k)
		return true
	})
	if err != nil {
		return err
	}

	// Each record is looked up again so fn may call back into the store.
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.RLock()
		rec, err := s.get(id)
		s.mu.RUnlock()
		if errors.Is(err, flushmanager.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

// Exclusive runs fn while Put and Delete are blocked.
func (s *Store) Exclusive(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn()
}

// --- Telemetry ---

func (s *Store) startOp(ctx context.Context, op string, id uint32) (context.Context, trace.Span, time.Time) {
	s.metrics.ActiveOperations.Add(ctx, 1, metric.WithAttributes(attribute.String("artdb.op", op)))
	ctx, span := s.tracer.Start(ctx, "recordstore."+op, trace.WithAttributes(
		attribute.String("artdb.op", op),
		attribute.Int64("artdb.record_id", int64(id)),
	))
	return ctx, span, time.Now()
}

func (s *Store) endOp(ctx context.Context, span trace.Span, start time.Time, op string, err error) {
	status := "ok"
	switch {
	case errors.Is(err, flushmanager.ErrKeyNotFound):
		status = "not_found"
		span.SetStatus(otelcodes.Ok, status)
	case err != nil:
		status = "error"
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	default:
		span.SetStatus(otelcodes.Ok, "")
	}
	span.End()

	s.metrics.ActiveOperations.Add(ctx, -1, metric.WithAttributes(attribute.String("artdb.op", op)))
	attrs := attribute.NewSet(attribute.String("artdb.op", op), attribute.String("artdb.status", status))
	s.metrics.OpLatency.Record(ctx, time.Since(start).Microseconds(), metric.WithAttributeSet(attrs))
	s.metrics.OpsCounter.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
