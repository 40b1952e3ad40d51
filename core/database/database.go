// Package database wires the storage layers of one data file together:
// disk manager, buffer pool, B+Tree index and record store.
package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/artdb/artdb/config"
	"github.com/artdb/artdb/core/indexing/btree"
	"github.com/artdb/artdb/core/storage_engine/common"
	"github.com/artdb/artdb/core/storage_engine/recordstore"
	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	"github.com/artdb/artdb/core/write_engine/memtable"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	internaltelemetry "github.com/artdb/artdb/internal/telemetry"
	"github.com/artdb/artdb/pkg/telemetry"
	"go.uber.org/zap"
)

// Database is an open data file with all of its layers.
type Database struct {
	closeOnce sync.Once
	closeErr  error

	disk   *flushmanager.DiskManager
	pool   *memtable.BufferPoolManager
	tree   *btree.BTree
	store  *recordstore.Store
	logger *zap.Logger
}

// Stats is a point-in-time summary of a database.
type Stats struct {
	Path       string
	Pages      uint64
	Pool       memtable.Stats
	RootPageID pagemanager.PageID
	Order      int
	Height     int
	Records    int
	FileID     string
}

// Open opens (or creates) the data file named by cfg and builds the layers on
// top of it. logger and tel may be nil.
func Open(cfg config.StorageConfig, logger *zap.Logger, tel *telemetry.Telemetry) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tel == nil {
		tel = telemetry.Noop()
	}

	if dir := filepath.Dir(cfg.DataFile); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", dir, err)
		}
	}

	metrics, err := internaltelemetry.NewStorageMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage metrics: %w", err)
	}

	disk, err := flushmanager.NewDiskManager(cfg.DataFile, logger.Named("disk"), metrics)
	if err != nil {
		return nil, err
	}
	pool, err := memtable.NewBufferPoolManager(cfg.BufferPoolSize, disk, logger.Named("bufferpool"), metrics)
	if err != nil {
		disk.Close()
		return nil, err
	}
	tree, err := btree.Open(pool, cfg.BTreeOrder, logger)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("failed to open index: %w", err)
	}
	store, err := recordstore.New(tree, pool, logger, tel)
	if err != nil {
		disk.Close()
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}

	logger.Info("database opened",
		zap.String("path", cfg.DataFile),
		zap.Int("buffer_pool_size", cfg.BufferPoolSize),
		zap.Int("btree_order", tree.Order()))
	return &Database{
		disk:   disk,
		pool:   pool,
		tree:   tree,
		store:  store,
		logger: logger,
	}, nil
}

func (db *Database) Store() *recordstore.Store         { return db.store }
func (db *Database) Tree() *btree.BTree                { return db.tree }
func (db *Database) Pool() *memtable.BufferPoolManager { return db.pool }
func (db *Database) Disk() *flushmanager.DiskManager   { return db.disk }

// Flush writes every dirty page to disk with record writes held off.
func (db *Database) Flush() error {
	return db.store.Exclusive(db.tree.Flush)
}

// Stats walks the index to count records, so it costs a full leaf scan.
func (db *Database) Stats() (Stats, error) {
	height, err := db.tree.Height()
	if err != nil {
		return Stats{}, err
	}
	records, err := db.tree.Len()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Path:       db.disk.Path(),
		Pages:      db.disk.NumPages(),
		Pool:       db.pool.Stats(),
		RootPageID: db.tree.RootPageID(),
		Order:      db.tree.Order(),
		Height:     height,
		Records:    records,
		FileID:     db.tree.FileID().String(),
	}, nil
}

// Backup writes a consistent copy of the data file to dst, throttled to
// rateBytesPerSec (zero is unlimited). Record writes block until it finishes.
func (db *Database) Backup(ctx context.Context, dst string, rateBytesPerSec int64) (common.CopyResult, error) {
	var res common.CopyResult
	err := db.store.Exclusive(func() error {
		if err := db.tree.Flush(); err != nil {
			return fmt.Errorf("flushing before backup: %w", err)
		}
		var err error
		res, err = common.CopyThrottled(ctx, db.disk.Path(), dst, rateBytesPerSec, true)
		return err
	})
	if err != nil {
		return common.CopyResult{}, fmt.Errorf("backup to %s: %w", dst, err)
	}
	db.logger.Info("backup written",
		zap.String("dst", dst),
		zap.Int64("bytes", res.Bytes),
		zap.String("sha256", res.SHA256))
	return res, nil
}

// Close flushes all dirty pages and closes the data file. The file is closed
// even when the flush fails; both errors are returned.
func (db *Database) Close() error {
	db.closeOnce.Do(func() {
		flushErr := db.pool.FlushAllPages()
		if flushErr != nil {
			db.logger.Error("flush on close failed", zap.Error(flushErr))
		}
		db.closeErr = errors.Join(flushErr, db.disk.Close())
		db.logger.Info("database closed", zap.String("path", db.disk.Path()))
	})
	return db.closeErr
}
