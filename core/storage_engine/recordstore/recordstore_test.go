package recordstore

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/artdb/artdb/core/indexing/btree"
	flushmanager "github.com/artdb/artdb/core/write_engine/flush_manager"
	"github.com/artdb/artdb/core/write_engine/memtable"
	pagemanager "github.com/artdb/artdb/core/write_engine/page_manager"
	"github.com/artdb/artdb/pkg/telemetry"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// --- Test Helpers ---

func setupStore(t *testing.T, tel *telemetry.Telemetry) (*Store, *btree.BTree) {
	t.Helper()
	return setupStoreWithPool(t, 16, 8, tel)
}

func setupStoreWithPool(t *testing.T, capacity, order int, tel *telemetry.Telemetry) (*Store, *btree.BTree) {
	t.Helper()
	logger := zap.NewNop()

	dm, err := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "records.db"), logger, nil)
	require.NoError(t, err)
	t.Cleanup(func() { dm.Close() })
	bpm, err := memtable.NewBufferPoolManager(capacity, dm, logger, nil)
	require.NoError(t, err)
	tree, err := btree.Open(bpm, order, logger)
	require.NoError(t, err)

	store, err := New(tree, bpm, logger, tel)
	require.NoError(t, err)
	return store, tree
}

func person(id uint32, name string) pagemanager.Record {
	return pagemanager.NewRecord(id,
		pagemanager.Field{Name: "name", Value: name},
		pagemanager.Field{Name: "kind", Value: "person"},
	)
}

func blob(id uint32, size int) pagemanager.Record {
	return pagemanager.NewRecord(id, pagemanager.Field{Name: "v", Value: strings.Repeat("x", size)})
}

// --- Test Cases ---

func TestStore_PutGetRoundTrip(t *testing.T) {
	store, _ := setupStore(t, nil)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, person(1, "Alice")))
	require.NoError(t, store.Put(ctx, person(2, "Bob")))

	got, err := store.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, person(2, "Bob"), got)

	_, err = store.Get(ctx, 3)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
}

func TestStore_GetReturnsACopy(t *testing.T) {
	store, _ := setupStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, person(1, "Alice")))

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	got.PutField("name", "Mallory")

	again, err := store.Get(ctx, 1)
	require.NoError(t, err)
	name, _ := again.GetField("name")
	require.Equal(t, "Alice", name)
}

func TestStore_UpdateThatFitsStaysInPlace(t *testing.T) {
	store, tree := setupStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, person(1, "Alice")))
	before, err := tree.Search(1)
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, person(1, "Alicia")))
	after, err := tree.Search(1)
	require.NoError(t, err)
	require.Equal(t, before, after)

	got, err := store.Get(ctx, 1)
	require.NoError(t, err)
	name, _ := got.GetField("name")
	require.Equal(t, "Alicia", name)
}

func TestStore_GrowingRecordIsRelocated(t *testing.T) {
	store, tree := setupStore(t, nil)
	ctx := context.Background()

	// Four 1000-byte records fill one page.
	for id := uint32(1); id <= 4; id++ {
		require.NoError(t, store.Put(ctx, blob(id, 1000)))
	}
	first, err := tree.Search(1)
	require.NoError(t, err)
	for id := uint32(2); id <= 4; id++ {
		p, err := tree.Search(id)
		require.NoError(t, err)
		require.Equal(t, first, p)
	}

	require.NoError(t, store.Put(ctx, blob(2, 1100)))
	moved, err := tree.Search(2)
	require.NoError(t, err)
	require.NotEqual(t, first, moved)

	got, err := store.Get(ctx, 2)
	require.NoError(t, err)
	v, _ := got.GetField("v")
	require.Len(t, v, 1100)

	// The rest are untouched and the new tail takes the next insert.
	for _, id := range []uint32{1, 3, 4} {
		_, err := store.Get(ctx, id)
		require.NoError(t, err)
	}
	require.NoError(t, store.Put(ctx, person(5, "Eve")))
	p, err := tree.Search(5)
	require.NoError(t, err)
	require.Equal(t, moved, p)
}

func TestStore_FailedIndexInsertLeavesNoCopyBehind(t *testing.T) {
	// Three pages cannot hold the root leaf, the meta page and both pages
	// of a root split, so the fourth key fails in the index.
	store, tree := setupStoreWithPool(t, 3, 3, nil)
	ctx := context.Background()
	for id := uint32(1); id <= 3; id++ {
		require.NoError(t, store.Put(ctx, person(id, "p")))
	}
	tail := store.tail

	for range 2 {
		err := store.Put(ctx, person(4, "Dave"))
		require.ErrorIs(t, err, flushmanager.ErrNoEvictablePage)
		_, err = store.Get(ctx, 4)
		require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	}

	bp, err := store.bpm.FetchPage(tail)
	require.NoError(t, err)
	var ids []uint32
	for _, r := range bp.Page().(*pagemanager.RecordPage).Records {
		ids = append(ids, r.ID)
	}
	require.NoError(t, store.bpm.UnpinPage(tail))
	require.Equal(t, []uint32{1, 2, 3}, ids)

	got, err := store.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, person(3, "p"), got)
	require.NoError(t, tree.Check())
	require.Zero(t, store.bpm.Stats().Pinned)
}

func TestStore_RejectsRecordLargerThanAPage(t *testing.T) {
	store, _ := setupStore(t, nil)

	err := store.Put(context.Background(), blob(1, pagemanager.PageSize))
	require.ErrorIs(t, err, flushmanager.ErrRecordTooLarge)
	_, err = store.Get(context.Background(), 1)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
}

func TestStore_Delete(t *testing.T) {
	store, _ := setupStore(t, nil)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, person(1, "Alice")))
	require.NoError(t, store.Put(ctx, person(2, "Bob")))

	require.NoError(t, store.Delete(ctx, 1))
	_, err := store.Get(ctx, 1)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)
	require.ErrorIs(t, store.Delete(ctx, 1), flushmanager.ErrKeyNotFound)

	_, err = store.Get(ctx, 2)
	require.NoError(t, err)
}

func TestStore_ScanInIDOrder(t *testing.T) {
	store, _ := setupStore(t, nil)
	ctx := context.Background()
	for _, id := range []uint32{30, 10, 50, 20, 40} {
		require.NoError(t, store.Put(ctx, person(id, "p")))
	}

	var ids []uint32
	require.NoError(t, store.Scan(ctx, func(r pagemanager.Record) bool {
		ids = append(ids, r.ID)
		return true
	}))
	require.Equal(t, []uint32{10, 20, 30, 40, 50}, ids)

	ids = nil
	require.NoError(t, store.Scan(ctx, func(r pagemanager.Record) bool {
		ids = append(ids, r.ID)
		return r.ID < 20
	}))
	require.Equal(t, []uint32{10, 20}, ids)
}

func TestStore_ScanMayWriteToTheStore(t *testing.T) {
	store, _ := setupStore(t, nil)
	ctx := context.Background()
	for id := uint32(1); id <= 3; id++ {
		require.NoError(t, store.Put(ctx, person(id, "p")))
	}

	var seen []uint32
	require.NoError(t, store.Scan(ctx, func(r pagemanager.Record) bool {
		seen = append(seen, r.ID)
		if r.ID == 1 {
			require.NoError(t, store.Delete(ctx, 2))
		}
		return true
	}))
	require.Equal(t, []uint32{1, 3}, seen)
}

func TestStore_ScanStopsOnCanceledContext(t *testing.T) {
	store, _ := setupStore(t, nil)
	require.NoError(t, store.Put(context.Background(), person(1, "p")))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := store.Scan(ctx, func(pagemanager.Record) bool { return true })
	require.ErrorIs(t, err, context.Canceled)
}

func TestStore_RecordsSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := &telemetry.Telemetry{Tracer: tp.Tracer("test"), Meter: noop.NewMeterProvider().Meter("test")}

	store, _ := setupStore(t, tel)
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, person(1, "Alice")))
	_, err := store.Get(ctx, 2)
	require.ErrorIs(t, err, flushmanager.ErrKeyNotFound)

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"recordstore.Put", "recordstore.Get"}, names)
}

func TestStore_SpansNestUnderCallerSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tel := &telemetry.Telemetry{Tracer: tp.Tracer("test"), Meter: noop.NewMeterProvider().Meter("test")}

	store, _ := setupStore(t, tel)
	ctx, parent := tel.Tracer.Start(context.Background(), "request")
	require.NoError(t, store.Put(ctx, person(1, "Alice")))
	require.NoError(t, store.Delete(ctx, 1))
	parent.End()

	ended := recorder.Ended()
	require.Len(t, ended, 3)
	for _, s := range ended[:2] {
		require.Equal(t, parent.SpanContext().SpanID(), s.Parent().SpanID(), s.Name())
		require.Equal(t, parent.SpanContext().TraceID(), s.SpanContext().TraceID())
	}
}

func TestStore_ExportsOperationMetrics(t *testing.T) {
	tel, shutdown, err := telemetry.New(telemetry.Config{Enabled: true})
	require.NoError(t, err)
	t.Cleanup(func() { shutdown(context.Background()) })

	store, _ := setupStore(t, tel)
	require.NoError(t, store.Put(context.Background(), person(1, "Alice")))

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Contains(t, rec.Body.String(), "artdb_recordstore_operations")
}
