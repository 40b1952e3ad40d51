package common

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/time/rate"
)

// chunkSize is the unit of each throttled read/write: 256 pages.
const chunkSize = 1 << 20

var bufPool = sync.Pool{
	New: func() any { return make([]byte, chunkSize) },
}

// CopyResult describes a finished copy.
type CopyResult struct {
	Bytes  int64
	SHA256 string
}

// CopyThrottled copies srcPath to dstPath at no more than rateBytesPerSec
// (zero means unlimited). The copy is written to a temporary file next to
// dstPath and renamed into place once synced, so dstPath never holds a
// partial copy. With verify set the written file is read back and its
// checksum compared with the source's.
func CopyThrottled(ctx context.Context, srcPath, dstPath string, rateBytesPerSec int64, verify bool) (CopyResult, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return CopyResult{}, fmt.Errorf("open src: %w", err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dstPath), filepath.Base(dstPath)+".tmp-*")
	if err != nil {
		return CopyResult{}, fmt.Errorf("create dst: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	var limiter *rate.Limiter
	if rateBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(rateBytesPerSec), chunkSize)
	}

	sum := sha256.New()
	buf := bufPool.Get().([]byte)
	defer bufPool.Put(buf)

	var off int64
	for {
		n, rerr := src.ReadAt(buf[:chunkSize], off)
		if n > 0 {
			if limiter != nil {
				if err := limiter.WaitN(ctx, n); err != nil {
					return CopyResult{}, fmt.Errorf("rate limiter: %w", err)
				}
			} else if err := ctx.Err(); err != nil {
				return CopyResult{}, err
			}
			if _, err := tmp.Write(buf[:n]); err != nil {
				return CopyResult{}, fmt.Errorf("write error: %w", err)
			}
			sum.Write(buf[:n])
			off += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return CopyResult{}, fmt.Errorf("read error: %w", rerr)
		}
	}

	if err := tmp.Sync(); err != nil {
		return CopyResult{}, fmt.Errorf("sync error: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return CopyResult{}, fmt.Errorf("close error: %w", err)
	}
	result := CopyResult{Bytes: off, SHA256: hex.EncodeToString(sum.Sum(nil))}

	if verify {
		got, err := FileSHA256(tmpPath)
		if err != nil {
			return CopyResult{}, err
		}
		if got != result.SHA256 {
			return CopyResult{}, fmt.Errorf("verify %s: checksum %s, expected %s", dstPath, got, result.SHA256)
		}
	}

	if err := os.Rename(tmpPath, dstPath); err != nil {
		return CopyResult{}, fmt.Errorf("rename into place: %w", err)
	}
	committed = true
	return result, nil
}

// FileSHA256 returns the hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
