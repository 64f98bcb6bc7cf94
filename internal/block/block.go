// Package block implements the block-mapped storage engine: one Engine
// per session, bound to an export, translating byte-range READ/WRITE/
// FLUSH into block-aligned objectstore operations with a session-local
// dirty buffer.
package block

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nbdstore/nbdstore/internal/logger"
	"github.com/nbdstore/nbdstore/internal/objectstore"
)

// Size is the fixed block size, 128 KiB, per spec.md §3.
const Size = 131072

// DefaultFlushParallelism bounds the number of in-flight PUTs during Flush
// when Config.FlushParallelism is not positive.
const DefaultFlushParallelism = 10

// RangeError indicates a request falls outside [0, exportSize).
type RangeError struct {
	Offset, Length, ExportSize uint64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("block: range [%d,%d) outside export size %d", e.Offset, e.Offset+e.Length, e.ExportSize)
}

// ErrStorageUnavailable wraps an objectstore failure that survived the
// retry budget.
var ErrStorageUnavailable = errors.New("block: storage unavailable")

// Store is the subset of objectstore.Store the engine depends on, kept as
// an interface so tests can substitute an in-memory fake.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte) (string, error)
	Delete(ctx context.Context, key string) error
}

// Engine is the per-session block storage handle described in spec.md
// §4.3. It must be constructed fresh for each session bound to its
// negotiated export; never shared across sessions.
type Engine struct {
	store              Store
	exportName         string
	exportSize         uint64
	flushParallelism   int

	mu    sync.RWMutex // guards dirty and known
	dirty map[uint64][]byte
	// known tracks which blocks are known to have an S3 object, so the
	// sparse optimization can skip a PUT for an all-zero block that never
	// existed.
	known map[uint64]bool
}

// Config carries the per-session parameters needed to construct an
// Engine.
type Config struct {
	Store            Store
	ExportName       string
	ExportSize       uint64
	FlushParallelism int
}

// New constructs a fresh Engine bound to one export for one session.
func New(cfg Config) *Engine {
	parallelism := cfg.FlushParallelism
	if parallelism <= 0 {
		parallelism = DefaultFlushParallelism
	}
	return &Engine{
		store:            cfg.Store,
		exportName:       cfg.ExportName,
		exportSize:       cfg.ExportSize,
		flushParallelism: parallelism,
		dirty:            make(map[uint64][]byte),
		known:            make(map[uint64]bool),
	}
}

func blockKey(exportName string, blockOffset uint64) string {
	return fmt.Sprintf("blocks/%s/%016x", exportName, blockOffset)
}

// blockSpan returns the inclusive [first, last] block indices a byte
// range touches, per spec.md §4.3's block algebra.
func blockSpan(offset uint64, length uint32) (first, last uint64) {
	first = offset / Size
	last = (offset + uint64(length) - 1) / Size
	return
}

// subRange returns the [lo, hi) sub-range within block i that a request
// for [offset, offset+length) touches.
func subRange(i, offset uint64, length uint32) (lo, hi uint64) {
	blockStart := i * Size
	blockEnd := blockStart + Size
	reqEnd := offset + uint64(length)
	lo = maxU64(offset, blockStart) - blockStart
	hi = minU64(reqEnd, blockEnd) - blockStart
	return
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (e *Engine) checkRange(offset uint64, length uint32) error {
	if length == 0 {
		return nil
	}
	if offset > e.exportSize || uint64(length) > e.exportSize-offset {
		return &RangeError{Offset: offset, Length: uint64(length), ExportSize: e.exportSize}
	}
	return nil
}

// fetchBlockLocked returns the authoritative B-byte content of block i,
// consulting the dirty buffer first, then S3, materializing zeros on
// NotFound. Caller must hold at least the read lock.
func (e *Engine) fetchBlockLocked(ctx context.Context, i uint64) ([]byte, error) {
	if buf, ok := e.dirty[i]; ok {
		return buf, nil
	}
	data, err := e.store.Get(ctx, blockKey(e.exportName, i*Size))
	if err != nil {
		if errors.Is(err, objectstore.ErrNotFound) {
			return make([]byte, Size), nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return data, nil
}

// Read implements spec.md §4.3's read algorithm: per-block fetches under
// the read lock, dirty-buffer-first, zero-fill on NotFound.
func (e *Engine) Read(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
	if err := e.checkRange(offset, length); err != nil {
		return nil, err
	}
	if length == 0 {
		return []byte{}, nil
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	first, last := blockSpan(offset, length)
	out := make([]byte, length)

	type result struct {
		i    uint64
		data []byte
		err  error
	}
	numBlocks := int(last - first + 1)
	results := make([]result, numBlocks)
	var wg sync.WaitGroup
	for idx := 0; idx < numBlocks; idx++ {
		i := first + uint64(idx)
		wg.Add(1)
		go func(idx int, i uint64) {
			defer wg.Done()
			data, err := e.fetchBlockLocked(ctx, i)
			results[idx] = result{i: i, data: data, err: err}
		}(idx, i)
	}
	wg.Wait()

	for idx := 0; idx < numBlocks; idx++ {
		r := results[idx]
		if r.err != nil {
			return nil, r.err
		}
		lo, hi := subRange(r.i, offset, length)
		dstStart := r.i*Size + lo - offset
		copy(out[dstStart:dstStart+(hi-lo)], r.data[lo:hi])
	}
	return out, nil
}

// Write implements spec.md §4.3's write algorithm: buffered only, full
// block overwrite skips the read-modify-write path.
func (e *Engine) Write(ctx context.Context, offset uint64, data []byte) error {
	length := uint32(len(data))
	if err := e.checkRange(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	first, last := blockSpan(offset, length)
	for i := first; i <= last; i++ {
		lo, hi := subRange(i, offset, length)
		srcStart := i*Size + lo - offset

		if lo == 0 && hi == Size {
			buf := make([]byte, Size)
			copy(buf, data[srcStart:srcStart+(hi-lo)])
			e.dirty[i] = buf
			continue
		}

		buf, ok := e.dirty[i]
		if !ok {
			fetched, err := e.fetchBlockLocked(ctx, i)
			if err != nil {
				return err
			}
			buf = make([]byte, Size)
			copy(buf, fetched)
		}
		copy(buf[lo:hi], data[srcStart:srcStart+(hi-lo)])
		e.dirty[i] = buf
	}
	return nil
}

// Flush implements spec.md §4.3's flush algorithm: snapshot the dirty
// buffer under the write lock, release the lock, then upload
// concurrently with bounded fan-out. Failed blocks are re-merged into
// the live dirty buffer, with writes that arrived during the flush
// taking precedence on collision.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	snapshot := e.dirty
	e.dirty = make(map[uint64][]byte)
	e.mu.Unlock()

	if len(snapshot) == 0 {
		return nil
	}

	type job struct {
		index uint64
		data  []byte
	}
	jobs := make([]job, 0, len(snapshot))
	for i, data := range snapshot {
		jobs = append(jobs, job{index: i, data: data})
	}

	sem := make(chan struct{}, e.flushParallelism)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []job
	var firstErr error

	for _, j := range jobs {
		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := e.persistBlock(ctx, j.index, j.data); err != nil {
				mu.Lock()
				failed = append(failed, j)
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			e.mu.Lock()
			e.known[j.index] = true
			e.mu.Unlock()
		}(j)
	}
	wg.Wait()

	if len(failed) > 0 {
		e.mu.Lock()
		for _, j := range failed {
			if _, stillDirty := e.dirty[j.index]; !stillDirty {
				e.dirty[j.index] = j.data
			}
		}
		e.mu.Unlock()
		logger.Warn("block: flush failed for export=%s blocks=%d: %v", e.exportName, len(failed), firstErr)
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, firstErr)
	}
	return nil
}

// persistBlock uploads one block, applying the sparse optimization: an
// all-zero block that never had a backing object is skipped entirely.
func (e *Engine) persistBlock(ctx context.Context, i uint64, data []byte) error {
	e.mu.RLock()
	knownObject := e.known[i]
	e.mu.RUnlock()

	if !knownObject && isAllZero(data) {
		return nil
	}

	key := blockKey(e.exportName, i*Size)
	if isAllZero(data) {
		if err := e.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return nil
	}
	if _, err := e.store.Put(ctx, key, data); err != nil {
		return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return nil
}

func isAllZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
