package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// StorageMetrics holds the instruments shared by the disk manager and the buffer pool.
type StorageMetrics struct {
	PageReads     metric.Int64Counter
	PageWrites    metric.Int64Counter
	BytesWritten  metric.Int64Counter
	PoolHits      metric.Int64Counter
	PoolMisses    metric.Int64Counter
	PoolEvictions metric.Int64Counter
	PoolFlushes   metric.Int64Counter
	ResidentPages metric.Int64UpDownCounter
}

// NewStorageMetrics creates and registers the storage instruments on meter.
func NewStorageMetrics(meter metric.Meter) (*StorageMetrics, error) {
	var (
		m   StorageMetrics
		err error
	)
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&m.PageReads, "artdb.disk.page_reads_total", "Pages read from the data file.", "1"},
		{&m.PageWrites, "artdb.disk.page_writes_total", "Pages written to the data file.", "1"},
		{&m.BytesWritten, "artdb.disk.bytes_written_total", "Bytes written to the data file.", "By"},
		{&m.PoolHits, "artdb.bufferpool.hits_total", "Page requests served from the buffer pool.", "1"},
		{&m.PoolMisses, "artdb.bufferpool.misses_total", "Page requests that went to disk.", "1"},
		{&m.PoolEvictions, "artdb.bufferpool.evictions_total", "Pages evicted from the buffer pool.", "1"},
		{&m.PoolFlushes, "artdb.bufferpool.flushes_total", "Dirty pages written back by the buffer pool.", "1"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, err
		}
	}

	m.ResidentPages, err = meter.Int64UpDownCounter(
		"artdb.bufferpool.resident_pages",
		metric.WithDescription("Pages currently resident in the buffer pool."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// NoopStorageMetrics returns instruments that record nothing.
func NoopStorageMetrics() *StorageMetrics {
	m, _ := NewStorageMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// RecordStoreMetrics holds the per-operation instruments of the record store.
type RecordStoreMetrics struct {
	OpsCounter       metric.Int64Counter
	OpLatency        metric.Int64Histogram
	ActiveOperations metric.Int64UpDownCounter
}

func NewRecordStoreMetrics(meter metric.Meter) (*RecordStoreMetrics, error) {
	opsCounter, err := meter.Int64Counter(
		"artdb.recordstore.operations_total",
		metric.WithDescription("Total number of record store operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	opLatency, err := meter.Int64Histogram(
		"artdb.recordstore.duration",
		metric.WithDescription("The latency of record store operations."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}

	active, err := meter.Int64UpDownCounter(
		"artdb.recordstore.active_operations",
		metric.WithDescription("Number of in-flight record store operations."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &RecordStoreMetrics{
		OpsCounter:       opsCounter,
		OpLatency:        opLatency,
		ActiveOperations: active,
	}, nil
}
