package archive

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rankforge/rankforge/pkg/observability"
	"github.com/rankforge/rankforge/pkg/reconcile"
)

type fakeObjectStore struct {
	objects map[string][]byte
	failPut bool
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) PutObject(ctx context.Context, key string, content io.Reader, contentType string) error {
	if f.failPut {
		return errors.New("upload failed")
	}
	data, err := io.ReadAll(content)
	if err != nil {
		return err
	}
	f.objects[key] = data
	return nil
}

// fakeSource holds processed records with explicit timestamps.
type fakeSource struct {
	records []reconcile.ProcessedEvent
}

func newFakeSource(base time.Time, n int) *fakeSource {
	s := &fakeSource{}
	for i := 0; i < n; i++ {
		s.records = append(s.records, reconcile.ProcessedEvent{
			EventID:     fmt.Sprintf("evt_%03d", i),
			ProcessedAt: base.Add(time.Duration(i) * time.Minute),
			Effect:      "tier=starter status=active",
		})
	}
	return s
}

func (s *fakeSource) ListProcessedBefore(ctx context.Context, cutoff time.Time, limit int) ([]reconcile.ProcessedEvent, error) {
	var out []reconcile.ProcessedEvent
	for _, rec := range s.records {
		if rec.ProcessedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessedAt.Before(out[j].ProcessedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeSource) PurgeProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var kept []reconcile.ProcessedEvent
	var n int64
	for _, rec := range s.records {
		if rec.ProcessedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.records = kept
	return n, nil
}

func TestArchiveBefore(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)

	t.Run("exports and purges old records", func(t *testing.T) {
		source := newFakeSource(base, 5)
		objects := newFakeObjectStore()

		exp := NewExporter(source, objects, logger,
			WithClock(func() time.Time { return base.Add(48 * time.Hour) }))

		archived, purged, err := exp.ArchiveBefore(ctx, base.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 5, archived)
		assert.Equal(t, int64(5), purged)

		require.Len(t, objects.objects, 1)
		for key, data := range objects.objects {
			assert.Contains(t, key, "processed-events/2026/05/03/")
			assert.Contains(t, key, ".ndjson")

			var lines int
			scanner := bufio.NewScanner(bytes.NewReader(data))
			for scanner.Scan() {
				var rec reconcile.ProcessedEvent
				require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
				assert.NotEmpty(t, rec.EventID)
				lines++
			}
			assert.Equal(t, 5, lines)
		}

		// A second run finds nothing.
		archived, purged, err = exp.ArchiveBefore(ctx, base.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Zero(t, archived)
		assert.Zero(t, purged)
	})

	t.Run("respects cutoff", func(t *testing.T) {
		source := newFakeSource(base, 5)
		objects := newFakeObjectStore()

		exp := NewExporter(source, objects, logger)

		// Only the first three records are older than the cutoff.
		archived, _, err := exp.ArchiveBefore(ctx, base.Add(3*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 3, archived)
		assert.Len(t, source.records, 2)
	})

	t.Run("batches large runs", func(t *testing.T) {
		source := newFakeSource(base, 5)
		objects := newFakeObjectStore()

		exp := NewExporter(source, objects, logger, WithBatchSize(2))

		archived, _, err := exp.ArchiveBefore(ctx, base.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 5, archived)
		assert.Len(t, objects.objects, 3)
	})

	t.Run("upload failure leaves records in place", func(t *testing.T) {
		source := newFakeSource(base, 5)
		objects := newFakeObjectStore()
		objects.failPut = true

		exp := NewExporter(source, objects, logger)

		_, _, err := exp.ArchiveBefore(ctx, base.Add(time.Hour))
		require.Error(t, err)
		assert.Len(t, source.records, 5)
	})
}
