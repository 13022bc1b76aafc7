// Package ingest turns newly stored recordings into index records.
//
// Each recording is measured over a bounded window after its data chunk and
// appended exactly once. Measurement failures never block the reference: the
// record is written without a level and can be filled in later by Backfiller.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/otomoni/machinemon/internal/audio"
	"github.com/otomoni/machinemon/internal/blob"
	"github.com/otomoni/machinemon/internal/equipment"
	"github.com/otomoni/machinemon/internal/eventlog"
	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/wav"
)

// ErrNoFrames is returned when the measured range holds no complete frame.
var ErrNoFrames = errors.New("no complete frames in range")

// Event describes one newly stored recording.
type Event struct {
	Bucket      string    `json:"bucket" validate:"required"`
	Key         string    `json:"key" validate:"required"`
	Size        int64     `json:"size" validate:"gte=0"`
	ContentType string    `json:"contentType,omitempty"`
	EventTime   time.Time `json:"eventTime,omitzero"`
	// EquipmentID is explicit metadata and wins over path derivation.
	EquipmentID string `json:"equipmentId,omitempty"`
}

// EventSink receives ingestion events. *eventlog.Logger satisfies it.
type EventSink interface {
	LogRecording(eventType eventlog.EventType, equipmentID string, d eventlog.RecordingDetails) error
}

// MeasureError reports which step of measurement failed and on which range.
type MeasureError struct {
	Stage string
	Range blob.ByteRange
	Err   error
}

func (e *MeasureError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Range, e.Err)
}

func (e *MeasureError) Unwrap() error { return e.Err }

// Measurement is the result of measuring one recording.
type Measurement struct {
	Level   audio.Level
	Format  wav.Format
	Range   blob.ByteRange
	Retries int
}

// Pipeline measures and indexes recordings.
type Pipeline struct {
	Fetcher  blob.Fetcher
	Appender index.Appender
	// Derive maps object keys to equipment; nil uses equipment.FromKey.
	Derive equipment.Deriver
	// Window is how much audio to measure; zero uses audio.DefaultAnalysisWindow.
	Window time.Duration
	Retry  RetryPolicy
	Events EventSink
	Now    func() time.Time
}

func (p *Pipeline) window() time.Duration {
	if p.Window > 0 {
		return p.Window
	}
	return audio.DefaultAnalysisWindow
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// Measure fetches the header probe and analysis window of one object and
// computes its level. Failures are returned as *MeasureError.
func (p *Pipeline) Measure(ctx context.Context, bucket, key string) (Measurement, error) {
	var m Measurement

	probe := blob.HeaderRange(audio.HeaderProbeBytes)
	header, retries, err := p.fetch(ctx, bucket, key, probe)
	m.Retries += retries
	if err != nil {
		return m, &MeasureError{Stage: "fetch header", Range: probe, Err: err}
	}

	format, err := wav.Parse(header)
	if err != nil {
		return m, &MeasureError{Stage: "parse header", Range: probe, Err: err}
	}
	m.Format = format
	if err := format.Supported(); err != nil {
		return m, &MeasureError{Stage: "check format", Range: probe, Err: err}
	}

	start, end := format.WindowRange(p.window())
	m.Range = blob.ByteRange{Start: start, End: end}
	pcm, retries, err := p.fetch(ctx, bucket, key, m.Range)
	m.Retries += retries
	if err != nil {
		return m, &MeasureError{Stage: "fetch window", Range: m.Range, Err: err}
	}

	m.Level = audio.ComputeLevel(pcm, int(format.Channels))
	if m.Level.Frames == 0 {
		return m, &MeasureError{Stage: "compute level", Range: m.Range, Err: ErrNoFrames}
	}
	return m, nil
}

func (p *Pipeline) fetch(ctx context.Context, bucket, key string, r blob.ByteRange) ([]byte, int, error) {
	var buf []byte
	retries, err := p.Retry.do(ctx, "fetch "+key, func() error {
		var err error
		buf, err = p.Fetcher.Fetch(ctx, bucket, key, r)
		return err
	})
	return buf, retries, err
}

// Ingest measures ev's recording and appends one index record. A measurement
// failure is logged and the record is appended without a level; only a
// failed append is returned.
func (p *Pipeline) Ingest(ctx context.Context, ev Event) (index.Record, error) {
	equipmentID := equipment.Resolve(ev.EquipmentID, ev.Key, p.Derive)
	capturedAt := ev.EventTime
	if capturedAt.IsZero() {
		capturedAt = p.now()
	}

	var dbfs *float64
	m, err := p.Measure(ctx, ev.Bucket, ev.Key)
	details := eventlog.RecordingDetails{Bucket: ev.Bucket, Key: ev.Key, Retry: m.Retries}
	if err != nil {
		var me *MeasureError
		if errors.As(err, &me) {
			details.Range = me.Range.String()
		}
		details.Error = err.Error()
		slog.Warn("indexing recording without level", "key", ev.Key, "range", details.Range, "reason", err)
		p.logEvent(eventlog.LevelFailed, equipmentID, details)
	} else {
		v := m.Level.DBFS
		dbfs = &v
	}

	rec := index.NewRecord(index.RecordingReference{
		Bucket:      ev.Bucket,
		Key:         ev.Key,
		Size:        ev.Size,
		ContentType: ev.ContentType,
		CapturedAt:  capturedAt,
	}, equipmentID, dbfs)

	if err := p.append(ctx, rec); err != nil {
		details.Error = err.Error()
		p.logEvent(eventlog.IngestFailed, equipmentID, details)
		return rec, err
	}

	details.SK = rec.SK
	details.DBFS = dbfs
	details.Error = ""
	slog.Info("recording indexed", "key", ev.Key, "sk", rec.SK, "equipment", equipmentID, "has_level", dbfs != nil)
	p.logEvent(eventlog.RecordingIndexed, equipmentID, details)
	return rec, nil
}

// append retries once; a duplicate on the retry means the first write landed.
func (p *Pipeline) append(ctx context.Context, rec index.Record) error {
	retries, err := p.Retry.do(ctx, "append "+rec.SK, func() error {
		return p.Appender.Append(ctx, rec)
	})
	if retries > 0 && errors.Is(err, index.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("append index record for %s: %w", rec.Key, err)
	}
	return nil
}

func (p *Pipeline) logEvent(t eventlog.EventType, equipmentID string, d eventlog.RecordingDetails) {
	if p.Events == nil {
		return
	}
	if err := p.Events.LogRecording(t, equipmentID, d); err != nil {
		slog.Error("failed to write event log", "type", t, "error", err)
	}
}
