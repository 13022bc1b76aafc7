// Package status evaluates the running state of one piece of equipment from
// a single read of the recording index.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/otomoni/machinemon/internal/equipment"
	"github.com/otomoni/machinemon/internal/hysteresis"
	"github.com/otomoni/machinemon/internal/index"
	"github.com/otomoni/machinemon/internal/threshold"
)

// ErrNoEquipment is returned when no equipment was named and none can be inferred.
var ErrNoEquipment = errors.New("equipmentId is required")

// Report status values.
const (
	StatusOK               = "ok"
	StatusInsufficientData = "insufficient_data"
)

// Latest is the newest reading in the window.
type Latest struct {
	DBFS float64   `json:"dbfs"`
	At   time.Time `json:"at"`
}

// Sample is one classified reading.
type Sample struct {
	SK    string           `json:"sk"`
	Key   string           `json:"key"`
	DBFS  float64          `json:"dbfs"`
	At    time.Time        `json:"at"`
	State hysteresis.State `json:"state"`
}

// Report is the status of one equipment. When Status is insufficient_data
// only EquipmentID, Samples, Required and Config are set.
type Report struct {
	EquipmentID string              `json:"equipmentId"`
	Status      string              `json:"status"`
	Samples     int                 `json:"samples"`
	Required    int                 `json:"required,omitempty"`
	Thresholds  *threshold.Estimate `json:"thresholds,omitempty"`
	Latest      *Latest             `json:"latest,omitempty"`
	Running     hysteresis.State    `json:"running,omitempty"`
	Confidence  float64             `json:"confidence"`
	ManualOnDB  *float64            `json:"manualOnDb,omitempty"`
	Config      threshold.Config    `json:"config"`
	History     []Sample            `json:"history,omitempty"`
	GeneratedAt time.Time           `json:"generatedAt"`
}

// Sufficient reports whether thresholds were estimated.
func (r *Report) Sufficient() bool {
	return r.Status == StatusOK
}

// Service evaluates status and manages per-equipment configuration.
type Service struct {
	Querier index.Querier
	Configs index.ConfigStore
	// Defaults apply where no override is stored.
	Defaults threshold.Config
	Derive   equipment.Deriver
	// DefaultEquipment is used for configuration calls without an id.
	DefaultEquipment string
	Now              func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Config returns the merged configuration for equipmentID.
func (s *Service) Config(ctx context.Context, equipmentID string) (string, threshold.Config, *threshold.Override, error) {
	if equipmentID == "" {
		equipmentID = s.DefaultEquipment
	}
	if equipmentID == "" {
		return "", threshold.Config{}, nil, ErrNoEquipment
	}
	o, err := s.Configs.GetOverride(ctx, equipmentID)
	if err != nil {
		return equipmentID, threshold.Config{}, nil, err
	}
	return equipmentID, s.Defaults.Merge(o), o, nil
}

// UpdateConfig validates o against the defaults and stores it.
func (s *Service) UpdateConfig(ctx context.Context, equipmentID string, o threshold.Override) (string, threshold.Config, error) {
	if equipmentID == "" {
		equipmentID = s.DefaultEquipment
	}
	if equipmentID == "" {
		return "", threshold.Config{}, ErrNoEquipment
	}
	if err := o.Validate(); err != nil {
		return equipmentID, threshold.Config{}, err
	}
	merged := s.Defaults.Merge(&o)
	if err := merged.Validate(); err != nil {
		return equipmentID, threshold.Config{}, err
	}
	o.UpdatedAt = s.now().UTC()
	if err := s.Configs.PutOverride(ctx, equipmentID, o); err != nil {
		return equipmentID, threshold.Config{}, err
	}
	slog.Info("threshold override updated", "equipment", equipmentID)
	return equipmentID, merged, nil
}

// Status reads the index once, estimates thresholds for the equipment and
// classifies its window. An empty equipmentID selects the most frequent
// equipment among all fetched records, including those without a level.
func (s *Service) Status(ctx context.Context, equipmentID string) (Report, error) {
	now := s.now()
	cfg := s.Defaults
	if equipmentID != "" {
		o, err := s.Configs.GetOverride(ctx, equipmentID)
		if err != nil {
			return Report{}, err
		}
		cfg = cfg.Merge(o)
	}

	recs, err := s.Querier.QueryPartition(ctx, index.PartitionAudio, cfg.FetchLimit())
	if err != nil {
		return Report{}, err
	}
	readings, bySK := s.readings(recs)

	if equipmentID == "" {
		equipmentID = threshold.SelectEquipment(s.equipmentIDs(recs))
		if equipmentID == "" {
			return Report{}, ErrNoEquipment
		}
		o, err := s.Configs.GetOverride(ctx, equipmentID)
		if err != nil {
			return Report{}, err
		}
		cfg = cfg.Merge(o)
	}

	rep := Report{
		EquipmentID: equipmentID,
		Config:      cfg,
		ManualOnDB:  cfg.ManualOnDB,
		GeneratedAt: now.UTC(),
	}

	window := threshold.Window(readings, equipmentID, cfg, now)
	rep.Samples = len(window)
	est, err := threshold.Compute(window, cfg)
	var insufficient *threshold.InsufficientDataError
	if errors.As(err, &insufficient) {
		rep.Status = StatusInsufficientData
		rep.Required = insufficient.Required
		return rep, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("estimate thresholds: %w", err)
	}

	samples := make([]hysteresis.Sample, len(window))
	for i, r := range window {
		samples[i] = hysteresis.Sample{DBFS: r.DBFS, At: r.CapturedAt}
	}
	states := hysteresis.ClassifySeries(samples, hysteresis.Thresholds{On: est.On, Off: est.Off, Center: est.Center}, cfg.TolDB)

	rep.Status = StatusOK
	rep.Thresholds = &est
	rep.History = make([]Sample, len(window))
	for i, r := range window {
		rep.History[i] = Sample{SK: r.Ref, Key: bySK[r.Ref].Key, DBFS: r.DBFS, At: r.CapturedAt, State: states[i]}
	}
	latest := window[0]
	rep.Latest = &Latest{DBFS: latest.DBFS, At: latest.CapturedAt}
	rep.Running = states[0]
	rep.Confidence = est.Confidence(latest.DBFS)
	return rep, nil
}

// equipmentIDs lists the equipment of every fetched record, measured or not.
func (s *Service) equipmentIDs(recs []index.Record) []string {
	ids := make([]string, len(recs))
	for i := range recs {
		ids[i] = recs[i].Equipment(s.Derive)
	}
	return ids
}

// readings converts records with a level and keeps a lookup back to them.
func (s *Service) readings(recs []index.Record) ([]threshold.Reading, map[string]index.Record) {
	out := make([]threshold.Reading, 0, len(recs))
	back := make(map[string]index.Record, len(recs))
	for _, rec := range recs {
		r, ok := rec.Reading(s.Derive)
		if !ok {
			continue
		}
		out = append(out, r)
		back[rec.SK] = rec
	}
	return out, back
}
