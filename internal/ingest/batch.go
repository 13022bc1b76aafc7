package ingest

import (
	"cmp"
	"context"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/equipment"
	"github.com/otomoni/machinemon/internal/index"
)

// DefaultWorkers bounds concurrent ingestion when no count is given.
const DefaultWorkers = 4

// Result is the outcome of ingesting one event.
type Result struct {
	Event  Event        `json:"event"`
	Record index.Record `json:"record"`
	Err    error        `json:"-"`
}

// IngestAll ingests events concurrently with at most workers in flight.
// Results are in event order; one failure does not stop the others.
func (p *Pipeline) IngestAll(ctx context.Context, events []Event, workers int) []Result {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	results := make([]Result, len(events))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, ev := range events {
		g.Go(func() error {
			rec, err := p.Ingest(ctx, ev)
			results[i] = Result{Event: ev, Record: rec, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// IndexBackfill writes reference-only records for existing objects, keeping
// only the newest KeepNewest by modification time.
type IndexBackfill struct {
	Lister   blob.Lister
	Appender index.Appender
	// KeepNewest bounds the records written; zero uses DefaultBackfillLimit.
	KeepNewest int
	Derive     equipment.Deriver
}

// IndexReport counts the outcome of an index backfill.
type IndexReport struct {
	Listed  int `json:"listed"`
	Written int `json:"written"`
	Failed  int `json:"failed"`
}

// Run lists bucket/prefix and appends the newest objects.
func (b *IndexBackfill) Run(ctx context.Context, bucket, prefix string) (IndexReport, error) {
	var rep IndexReport
	keep := b.KeepNewest
	if keep <= 0 {
		keep = DefaultBackfillLimit
	}

	newestFirst := func(a, c blob.Object) int {
		return cmp.Or(c.LastModified.Compare(a.LastModified), cmp.Compare(a.Key, c.Key))
	}
	var top []blob.Object
	err := b.Lister.List(ctx, bucket, prefix, func(o blob.Object) error {
		rep.Listed++
		i, _ := slices.BinarySearchFunc(top, o, newestFirst)
		if i >= keep {
			return nil
		}
		top = slices.Insert(top, i, o)
		if len(top) > keep {
			top = top[:keep]
		}
		return nil
	})
	if err != nil {
		return rep, err
	}
	slog.Info("listed objects", "bucket", bucket, "prefix", prefix, "listed", rep.Listed, "keeping", len(top))

	for _, o := range top {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		rec := index.NewRecord(index.RecordingReference{
			Bucket:     bucket,
			Key:        o.Key,
			Size:       o.Size,
			CapturedAt: o.LastModified,
		}, "", nil)
		rec.EquipmentID = rec.Equipment(b.Derive)
		if err := b.Appender.Append(ctx, rec); err != nil {
			rep.Failed++
			slog.Error("failed to write index record", "key", o.Key, "error", err)
			continue
		}
		rep.Written++
	}
	slog.Info("index backfill completed", "written", rep.Written, "failed", rep.Failed)
	return rep, nil
}
