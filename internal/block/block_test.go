package block

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbdstore/nbdstore/internal/objectstore"
)

// fakeStore is an in-memory Store used to unit test the engine without a
// real S3 endpoint, grounded on the teacher's fake-content-store test
// pattern.
type fakeStore struct {
	mu   sync.Mutex
	objs map[string][]byte
}

func newFakeStore() *fakeStore {
	return &fakeStore{objs: make(map[string][]byte)}
}

func (f *fakeStore) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objs[key]
	if !ok {
		return nil, objectstore.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *fakeStore) Put(_ context.Context, key string, body []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(body))
	copy(cp, body)
	f.objs[key] = cp
	return "etag", nil
}

func (f *fakeStore) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objs, key)
	return nil
}

func (f *fakeStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objs[key]
	return ok
}

func newTestEngine(store Store, exportSize uint64) *Engine {
	return New(Config{Store: store, ExportName: "test", ExportSize: exportSize, FlushParallelism: 4})
}

func TestReadUnwrittenExportReturnsZeros(t *testing.T) {
	e := newTestEngine(newFakeStore(), 1<<20)
	data, err := e.Read(context.Background(), 1<<15, 4096)
	require.NoError(t, err)
	assert.Len(t, data, 4096)
	for _, b := range data {
		assert.Equal(t, byte(0), b)
	}
}

func TestWriteThenReadSameSessionReadsYourWrites(t *testing.T) {
	e := newTestEngine(newFakeStore(), 1<<20)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, 0, []byte("Hello")))
	data, err := e.Read(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(data))
}

func TestFlushPersistsAcrossNewEngine(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	e1 := newTestEngine(store, 1<<20)
	require.NoError(t, e1.Write(ctx, 0, []byte("Hello")))
	require.NoError(t, e1.Flush(ctx))

	e2 := newTestEngine(store, 1<<20)
	data, err := e2.Read(ctx, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(data))
}

func TestUnflushedWritesAreLostOnNewSession(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	e1 := newTestEngine(store, 1<<20)
	require.NoError(t, e1.Write(ctx, 0, []byte("X")))
	// no flush

	e2 := newTestEngine(store, 1<<20)
	data, err := e2.Read(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0), data[0])
}

func TestWriteSpanningTwoBlocksTouchesExactlyTwoDirtyEntries(t *testing.T) {
	e := newTestEngine(newFakeStore(), 4*Size)
	ctx := context.Background()

	data := make([]byte, 10)
	require.NoError(t, e.Write(ctx, Size-5, data))

	e.mu.RLock()
	defer e.mu.RUnlock()
	assert.Len(t, e.dirty, 2)
	_, ok0 := e.dirty[0]
	_, ok1 := e.dirty[1]
	assert.True(t, ok0)
	assert.True(t, ok1)
}

func TestRangeErrorOutsideExportBounds(t *testing.T) {
	e := newTestEngine(newFakeStore(), 1024)
	ctx := context.Background()

	_, err := e.Read(ctx, 1024, 1)
	var rangeErr *RangeError
	assert.ErrorAs(t, err, &rangeErr)

	err = e.Write(ctx, 1020, []byte("12345"))
	assert.ErrorAs(t, err, &rangeErr)
}

func TestZeroLengthIsNoOp(t *testing.T) {
	e := newTestEngine(newFakeStore(), 1024)
	ctx := context.Background()

	data, err := e.Read(ctx, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, e.Write(ctx, 0, []byte{}))
}

func TestSparseFlushSkipsUnknownAllZeroBlock(t *testing.T) {
	store := newFakeStore()
	e := newTestEngine(store, Size)
	ctx := context.Background()

	require.NoError(t, e.Write(ctx, 0, make([]byte, Size)))
	require.NoError(t, e.Flush(ctx))

	assert.False(t, store.has(blockKey("test", 0)))
}

func TestCrossBlockWriteGrounding(t *testing.T) {
	// S3 scenario from spec.md: write 262144 bytes of 0xAB at offset 65536
	// across a 3-block export.
	store := newFakeStore()
	e := newTestEngine(store, 3*Size)
	ctx := context.Background()

	payload := make([]byte, 262144)
	for i := range payload {
		payload[i] = 0xAB
	}
	require.NoError(t, e.Write(ctx, 65536, payload))
	require.NoError(t, e.Flush(ctx))

	block0, err := e.Read(ctx, 0, Size)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 65536), block0[:65536])
	for _, b := range block0[65536:] {
		assert.Equal(t, byte(0xAB), b)
	}

	block2, err := e.Read(ctx, 2*Size, Size)
	require.NoError(t, err)
	for _, b := range block2[:65536] {
		assert.Equal(t, byte(0xAB), b)
	}
	for _, b := range block2[65536:] {
		assert.Equal(t, byte(0), b)
	}
}
