package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/index"
)

// DefaultBackfillLimit is how many of the newest records one run inspects.
const DefaultBackfillLimit = 200

// BackfillSink receives backfill events. *eventlog.Logger satisfies it.
type BackfillSink interface {
	EventSink
	LogBackfill(d eventlog.BackfillDetails) error
}

// Report counts the outcome of a backfill run.
type Report struct {
	Scanned int `json:"scanned"`
	Updated int `json:"updated"`
	// Skipped records already had a level.
	Skipped int `json:"skipped"`
	// Raced records were filled by another writer between read and update.
	Raced  int `json:"raced"`
	Failed int `json:"failed"`
}

// Backfiller fills missing levels on the newest index records. Runs are
// idempotent: a record that has a level is never touched again.
type Backfiller struct {
	Pipeline *Pipeline
	Querier  index.Querier
	Levels   index.LevelSetter
	// Limit bounds the batch; zero uses DefaultBackfillLimit.
	Limit int
	// DefaultBucket is used for records that predate the bucket attribute.
	DefaultBucket string
	Events        BackfillSink
}

// Run processes one batch. It returns early with the partial report only when
// the index cannot be read or ctx ends.
func (b *Backfiller) Run(ctx context.Context) (Report, error) {
	var rep Report
	limit := b.Limit
	if limit <= 0 {
		limit = DefaultBackfillLimit
	}

	recs, err := b.Querier.QueryPartition(ctx, index.PartitionAudio, limit)
	if err != nil {
		return rep, err
	}
	slog.Info("backfilling levels", "records", len(recs), "limit", limit)

	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rep.Scanned++
		if rec.HasLevel() {
			rep.Skipped++
			continue
		}
		b.fill(ctx, rec, &rep)
	}

	slog.Info("backfill completed", "scanned", rep.Scanned, "updated", rep.Updated,
		"skipped", rep.Skipped, "raced", rep.Raced, "failed", rep.Failed)
	if b.Events != nil {
		if err := b.Events.LogBackfill(eventlog.BackfillDetails(rep)); err != nil {
			slog.Error("failed to write event log", "error", err)
		}
	}
	return rep, nil
}

func (b *Backfiller) fill(ctx context.Context, rec index.Record, rep *Report) {
	bucket := rec.Bucket
	if bucket == "" {
		bucket = b.DefaultBucket
	}
	equipmentID := rec.Equipment(b.Pipeline.Derive)
	details := eventlog.RecordingDetails{Bucket: bucket, Key: rec.Key, SK: rec.SK}

	m, err := b.Pipeline.Measure(ctx, bucket, rec.Key)
	if err != nil {
		rep.Failed++
		var me *MeasureError
		if errors.As(err, &me) {
			details.Range = me.Range.String()
		}
		details.Error = err.Error()
		slog.Warn("backfill skipped recording", "key", rec.Key, "range", details.Range, "reason", err)
		b.logEvent(eventlog.BackfillSkipped, equipmentID, details)
		return
	}

	ok, err := b.Levels.SetLevelIfAbsent(ctx, rec.PK, rec.SK, m.Level.DBFS)
	switch {
	case err != nil:
		rep.Failed++
		details.Error = err.Error()
		slog.Error("backfill update failed", "key", rec.Key, "sk", rec.SK, "error", err)
		b.logEvent(eventlog.BackfillSkipped, equipmentID, details)
	case !ok:
		rep.Raced++
		slog.Info("level already set by another writer", "key", rec.Key, "sk", rec.SK)
	default:
		rep.Updated++
		v := m.Level.DBFS
		details.DBFS = &v
		slog.Info("updated level", "key", rec.Key, "dbfs", v)
		b.logEvent(eventlog.BackfillUpdated, equipmentID, details)
	}
}

func (b *Backfiller) logEvent(t eventlog.EventType, equipmentID string, d eventlog.RecordingDetails) {
	if b.Events == nil {
		return
	}
	if err := b.Events.LogRecording(t, equipmentID, d); err != nil {
		slog.Error("failed to write event log", "type", t, "error", err)
	}
}
