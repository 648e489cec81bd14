package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconcile"
)

// ObjectStore is the subset of S3Client the exporter needs.
type ObjectStore interface {
	PutObject(ctx context.Context, key string, content io.Reader, contentType string) error
}

// ProcessedEventSource lists and purges durable dedup records.
type ProcessedEventSource interface {
	ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]reconcile.ProcessedEvent, error)
	PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

const defaultBatchSize = 1000

// Exporter drains processed-event records older than a cutoff into NDJSON
// objects, then deletes them from the durable store. Objects are keyed by
// run date so a day's archives group together:
//
//	processed-events/2026/08/31/20260831T030000Z-000001.ndjson
//
// A batch is purged only after its object upload succeeds, so a crashed run
// re-archives at most one batch.
type Exporter struct {
	source  ProcessedEventSource
	objects ObjectStore
	logger  *observability.Logger
	metrics *observability.Metrics

	batchSize int
	now       func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithBatchSize overrides the records-per-object batch size.
func WithBatchSize(n int) ExporterOption {
	return func(e *Exporter) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMetrics attaches archive metrics.
func WithMetrics(m *observability.Metrics) ExporterOption {
	return func(e *Exporter) {
		e.metrics = m
	}
}

// WithClock overrides the clock. Used in tests.
func WithClock(now func() time.Time) ExporterOption {
	return func(e *Exporter) {
		e.now = now
	}
}

// NewExporter creates an exporter over a dedup source and an object store.
func NewExporter(source ProcessedEventSource, objects ObjectStore, logger *observability.Logger, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		source:    source,
		objects:   objects,
		logger:    logger,
		batchSize: defaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ArchiveBefore exports all processed records older than cutoff and purges
// them. Returns the number of records archived and purged.
func (e *Exporter) ArchiveBefore(ctx context.Context, cutoff time.Time) (int, int64, error) {
	runStamp := e.now().UTC().Format("20060102T150405Z")
	datePrefix := e.now().UTC().Format("2006/01/02")

	var archived int
	var purged int64

	for batch := 1; ; batch++ {
		records, err := e.source.ListProcessedBefore(ctx, cutoff, e.batchSize)
		if err != nil {
			return archived, purged, fmt.Errorf("failed to list processed events: %w", err)
		}
		if len(records) == 0 {
			return archived, purged, nil
		}

		key := fmt.Sprintf("processed-events/%s/%s-%06d.ndjson", datePrefix, runStamp, batch)
		body, err := encodeNDJSON(records)
		if err != nil {
			return archived, purged, err
		}

		if err := e.objects.PutObject(ctx, key, body, "application/x-ndjson"); err != nil {
			return archived, purged, fmt.Errorf("failed to upload archive batch: %w", err)
		}

		// Records come back oldest first, so everything up to and
		// including the last record of this batch is now archived.
		batchCutoff := records[len(records)-1].ProcessedAt.Add(time.Nanosecond)
		if batchCutoff.After(cutoff) {
			batchCutoff = cutoff
		}

		n, err := e.source.PurgeProcessedBefore(ctx, batchCutoff)
		if err != nil {
			return archived, purged, fmt.Errorf("failed to purge archived events: %w", err)
		}

		archived += len(records)
		purged += n
		if e.metrics != nil {
			e.metrics.EventsArchivedTotal.Add(float64(len(records)))
			e.metrics.EventsPurgedTotal.Add(float64(n))
		}

		e.logger.WithFields(map[string]interface{}{
			"key":     key,
			"records": len(records),
		}).Info("archived processed-event batch")

		if len(records) < e.batchSize {
			return archived, purged, nil
		}
	}
}

func encodeNDJSON(records []reconcile.ProcessedEvent) (io.Reader, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("failed to encode archive record: %w", err)
		}
	}
	return &buf, nil
}
