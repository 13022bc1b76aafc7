package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/index/memstore"
	"github.com/otomoni/machinemon/internal/wav"
)

const bucket = "recordings"

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type sink struct {
	mu     sync.Mutex
	events []eventlog.EventType
	last   eventlog.RecordingDetails
	runs   []eventlog.BackfillDetails
}

func (s *sink) LogRecording(t eventlog.EventType, _ string, d eventlog.RecordingDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, t)
	s.last = d
	return nil
}

func (s *sink) LogBackfill(d eventlog.BackfillDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, d)
	return nil
}

// tone returns seconds of constant-amplitude mono samples.
func tone(rate, seconds int, amplitude int16) []int16 {
	s := make([]int16, rate*seconds)
	for i := range s {
		s[i] = amplitude
	}
	return s
}

type fixture struct {
	blobs *blob.Memory
	store *memstore.Store
	sink  *sink
	p     *Pipeline
}

func newFixture() *fixture {
	f := &fixture{blobs: blob.NewMemory(), store: memstore.New(), sink: &sink{}}
	f.p = &Pipeline{
		Fetcher:  f.blobs,
		Appender: f.store,
		Retry:    RetryPolicy{Attempts: 2},
		Events:   f.sink,
	}
	return f
}

func TestIngestComputesLevel(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "ras-1/eq-1/rec-1.wav", wav.EncodePCM16(8000, 1, tone(8000, 4, 16384)), t0)

	rec, err := f.p.Ingest(context.Background(), Event{Bucket: bucket, Key: "ras-1/eq-1/rec-1.wav", Size: 64044, EventTime: t0})
	require.NoError(t, err)
	require.NotNil(t, rec.DBFS)
	assert.InDelta(t, -6.0206, *rec.DBFS, 1e-3)
	assert.Equal(t, "eq-1", rec.EquipmentID)
	assert.Equal(t, index.PartitionAudio, rec.PK)
	assert.Equal(t, t0, rec.CapturedAt)
	assert.Equal(t, 1, f.store.Len(index.PartitionAudio))
	assert.Equal(t, []eventlog.EventType{eventlog.RecordingIndexed}, f.sink.events)
}

func TestMeasureReadsOnlyTheWindow(t *testing.T) {
	f := newFixture()
	// 1 s loud then 3 s silent: a 1 s window sees only the loud part.
	samples := append(tone(8000, 1, 32767), tone(8000, 3, 0)...)
	f.blobs.Put(bucket, "p/eq/rec.wav", wav.EncodePCM16(8000, 1, samples), t0)

	var ranges []blob.ByteRange
	f.blobs.FailFetch = func(_, _ string, r blob.ByteRange) error {
		ranges = append(ranges, r)
		return nil
	}
	f.p.Window = time.Second

	m, err := f.p.Measure(context.Background(), bucket, "p/eq/rec.wav")
	require.NoError(t, err)
	assert.Equal(t, 8000, m.Level.Frames)
	assert.InDelta(t, 0, m.Level.DBFS, 1e-3)
	assert.Equal(t, []blob.ByteRange{{Start: 0, End: 65535}, {Start: 44, End: 44 + 16000 - 1}}, ranges)
}

func TestIngestWithoutLevelWhenNotParseable(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "p/eq/broken.wav", []byte("definitely not a wave file, but long enough to probe"), t0)

	rec, err := f.p.Ingest(context.Background(), Event{Bucket: bucket, Key: "p/eq/broken.wav", EventTime: t0})
	require.NoError(t, err)
	assert.Nil(t, rec.DBFS)
	assert.Equal(t, 1, f.store.Len(index.PartitionAudio))
	assert.Equal(t, []eventlog.EventType{eventlog.LevelFailed, eventlog.RecordingIndexed}, f.sink.events)
}

func TestIngestUnsupportedDepth(t *testing.T) {
	f := newFixture()
	buf := wav.EncodePCM16(8000, 1, tone(8000, 1, 100))
	buf[34] = 24 // bits per sample
	f.blobs.Put(bucket, "p/eq/rec24.wav", buf, t0)

	_, err := f.p.Measure(context.Background(), bucket, "p/eq/rec24.wav")
	assert.ErrorIs(t, err, wav.ErrUnsupported)

	rec, err := f.p.Ingest(context.Background(), Event{Bucket: bucket, Key: "p/eq/rec24.wav"})
	require.NoError(t, err)
	assert.Nil(t, rec.DBFS)
}

func TestIngestRetriesOnce(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "p/eq/rec.wav", wav.EncodePCM16(8000, 1, tone(8000, 3, 1000)), t0)

	var calls atomic.Int32
	f.blobs.FailFetch = func(_, _ string, r blob.ByteRange) error {
		if r.Start > 0 && calls.Add(1) == 1 {
			return errors.New("connection reset")
		}
		return nil
	}

	m, err := f.p.Measure(context.Background(), bucket, "p/eq/rec.wav")
	require.NoError(t, err)
	assert.Equal(t, 1, m.Retries)
	assert.Equal(t, int32(2), calls.Load())
}

func TestIngestGivesUpAfterOneRetry(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "p/eq/rec.wav", wav.EncodePCM16(8000, 1, tone(8000, 3, 1000)), t0)

	var calls atomic.Int32
	f.blobs.FailFetch = func(_, _ string, r blob.ByteRange) error {
		if r.Start > 0 {
			calls.Add(1)
			return errors.New("timeout")
		}
		return nil
	}

	rec, err := f.p.Ingest(context.Background(), Event{Bucket: bucket, Key: "p/eq/rec.wav"})
	require.NoError(t, err)
	assert.Nil(t, rec.DBFS)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "bytes=44-48043", f.sink.last.Range)
}

func TestIngestDoesNotRetryMissingObject(t *testing.T) {
	f := newFixture()
	var calls atomic.Int32
	f.blobs.FailFetch = func(_, _ string, _ blob.ByteRange) error {
		calls.Add(1)
		return nil
	}

	_, err := f.p.Measure(context.Background(), bucket, "p/eq/missing.wav")
	assert.ErrorIs(t, err, blob.ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
}

func TestIngestEmptyDataChunkHasNoLevel(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "p/eq/empty.wav", wav.EncodePCM16(8000, 1, nil), t0)

	_, err := f.p.Measure(context.Background(), bucket, "p/eq/empty.wav")
	assert.ErrorIs(t, err, ErrNoFrames)
}

func TestIngestExplicitEquipmentWins(t *testing.T) {
	f := newFixture()
	rec, err := f.p.Ingest(context.Background(), Event{Bucket: bucket, Key: "p/eq/rec.wav", EquipmentID: "press-7"})
	require.NoError(t, err)
	assert.Equal(t, "press-7", rec.EquipmentID)
}

type failingAppender struct{ err error }

func (a failingAppender) Append(context.Context, index.Record) error { return a.err }

func TestIngestReturnsAppendFailure(t *testing.T) {
	f := newFixture()
	f.p.Appender = failingAppender{err: errors.New("table unavailable")}

	_, err := f.p.Ingest(context.Background(), Event{Bucket: bucket, Key: "p/eq/rec.wav"})
	require.Error(t, err)
	assert.Contains(t, f.sink.events, eventlog.IngestFailed)
}

func TestIngestAll(t *testing.T) {
	f := newFixture()
	events := make([]Event, 10)
	for i := range events {
		key := fmt.Sprintf("p/eq-%d/rec.wav", i%3)
		f.blobs.Put(bucket, key, wav.EncodePCM16(8000, 1, tone(8000, 3, int16(1000*(i%3+1)))), t0)
		events[i] = Event{Bucket: bucket, Key: key, EventTime: t0.Add(time.Duration(i) * time.Second)}
	}

	results := f.p.IngestAll(context.Background(), events, 3)
	require.Len(t, results, 10)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, events[i].Key, r.Record.Key)
		assert.NotNil(t, r.Record.DBFS)
	}
	assert.Equal(t, 10, f.store.Len(index.PartitionAudio))
}

func seedUnmeasured(t *testing.T, f *fixture, keys ...string) {
	t.Helper()
	for i, key := range keys {
		rec := index.NewRecord(index.RecordingReference{Bucket: bucket, Key: key, CapturedAt: t0.Add(time.Duration(i) * time.Minute)}, "", nil)
		require.NoError(t, f.store.Append(context.Background(), rec))
	}
}

func TestBackfillIsIdempotent(t *testing.T) {
	f := newFixture()
	for _, k := range []string{"p/eq/a.wav", "p/eq/b.wav"} {
		f.blobs.Put(bucket, k, wav.EncodePCM16(8000, 1, tone(8000, 3, 2000)), t0)
	}
	f.blobs.Put(bucket, "p/eq/bad.wav", []byte("garbage"), t0)
	seedUnmeasured(t, f, "p/eq/a.wav", "p/eq/b.wav", "p/eq/bad.wav")

	b := &Backfiller{Pipeline: f.p, Querier: f.store, Levels: f.store, Events: f.sink}
	rep, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 3, Updated: 2, Failed: 1}, rep)

	before, err := f.store.QueryPartition(context.Background(), index.PartitionAudio, 0)
	require.NoError(t, err)

	rep, err = b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 3, Skipped: 2, Failed: 1}, rep)

	after, err := f.store.QueryPartition(context.Background(), index.PartitionAudio, 0)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Len(t, f.sink.runs, 2)
}

type staleQuerier struct{ recs []index.Record }

func (q staleQuerier) QueryPartition(context.Context, string, int) ([]index.Record, error) {
	return q.recs, nil
}

func TestBackfillRaceIsBenign(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "p/eq/a.wav", wav.EncodePCM16(8000, 1, tone(8000, 3, 2000)), t0)
	seedUnmeasured(t, f, "p/eq/a.wav")

	snapshot, err := f.store.QueryPartition(context.Background(), index.PartitionAudio, 0)
	require.NoError(t, err)
	ok, err := f.store.SetLevelIfAbsent(context.Background(), snapshot[0].PK, snapshot[0].SK, -50)
	require.NoError(t, err)
	require.True(t, ok)

	b := &Backfiller{Pipeline: f.p, Querier: staleQuerier{recs: snapshot}, Levels: f.store}
	rep, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1, Raced: 1}, rep)

	got, err := f.store.QueryPartition(context.Background(), index.PartitionAudio, 1)
	require.NoError(t, err)
	assert.Equal(t, -50.0, *got[0].DBFS)
}

func TestBackfillUsesDefaultBucket(t *testing.T) {
	f := newFixture()
	f.blobs.Put(bucket, "p/eq/a.wav", wav.EncodePCM16(8000, 1, tone(8000, 3, 2000)), t0)
	rec := index.NewRecord(index.RecordingReference{Key: "p/eq/a.wav", CapturedAt: t0}, "", nil)
	require.NoError(t, f.store.Append(context.Background(), rec))

	b := &Backfiller{Pipeline: f.p, Querier: f.store, Levels: f.store, DefaultBucket: bucket, Limit: 10}
	rep, err := b.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
}

func TestIndexBackfillKeepsNewest(t *testing.T) {
	f := newFixture()
	for i := range 5 {
		f.blobs.Put(bucket, fmt.Sprintf("p/eq/rec-%d.wav", i), []byte("x"), t0.Add(time.Duration(i)*time.Hour))
	}
	f.blobs.Put(bucket, "other/eq/rec.wav", []byte("x"), t0.Add(24*time.Hour))

	b := &IndexBackfill{Lister: f.blobs, Appender: f.store, KeepNewest: 2}
	rep, err := b.Run(context.Background(), bucket, "p/")
	require.NoError(t, err)
	assert.Equal(t, IndexReport{Listed: 5, Written: 2}, rep)

	got, err := f.store.QueryPartition(context.Background(), index.PartitionAudio, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p/eq/rec-4.wav", got[0].Key)
	assert.Equal(t, "p/eq/rec-3.wav", got[1].Key)
	assert.Equal(t, "eq", got[0].EquipmentID)
	assert.Nil(t, got[0].DBFS)
}
