package flushmanager

import (
	"errors"

	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
)

// --- Error Definitions ---

var (
	ErrIO               = errors.New("i/o error")
	ErrPageNotWritten   = errors.New("page was never written")
	ErrPageSizeExceeded = errors.New("page size exceeded")
	ErrNoEvictablePage  = errors.New("buffer pool is full and every page is pinned")
	ErrPageNotResident  = errors.New("page not found in buffer pool")
	ErrKeyNotFound      = errors.New("key not found")
	ErrInvalidOrder     = errors.New("btree order must be at least 3")
	ErrBadMagic         = errors.New("invalid database file magic number")
	ErrRecordTooLarge   = errors.New("record does not fit in an empty page")
	ErrFileClosed       = errors.New("data file is closed")

	// Codec errors, re-exported so callers need a single import for errors.Is.
	ErrCorruptPage  = pagemanager.ErrCorruptPage
	ErrPageTooLarge = pagemanager.ErrPageTooLarge
)
