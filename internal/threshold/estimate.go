package threshold

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// ErrInsufficientData is returned when a window holds fewer than MinSamples readings.
var ErrInsufficientData = errors.New("insufficient data")

// InsufficientDataError reports how many readings qualified.
type InsufficientDataError struct {
	Samples  int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d of %d required samples", e.Samples, e.Required)
}

func (e *InsufficientDataError) Unwrap() error {
	return ErrInsufficientData
}

// gapMarginFactor scales the inter-quantile gap into the margin.
const gapMarginFactor = 0.2

// Reading is one persisted level reading.
type Reading struct {
	EquipmentID string    `json:"equipmentId"`
	DBFS        float64   `json:"dbfs"`
	CapturedAt  time.Time `json:"capturedAt"`
	// Ref identifies the source record; it is carried through untouched.
	Ref string `json:"ref,omitempty"`
}

// Estimate is a threshold pair derived from one window of readings.
type Estimate struct {
	On      float64 `json:"T_on"`
	Off     float64 `json:"T_off"`
	Center  float64 `json:"center"`
	Margin  float64 `json:"margin"`
	PLow    float64 `json:"pLow"`
	PHigh   float64 `json:"pHigh"`
	Samples int     `json:"samples"`
}

// Window selects the readings of equipmentID that qualify for estimation:
// finite level, captured no longer than MaxAge before now, newest N only.
// The result is ordered newest first.
func Window(readings []Reading, equipmentID string, cfg Config, now time.Time) []Reading {
	sorted := slices.Clone(readings)
	slices.SortStableFunc(sorted, func(a, b Reading) int {
		return b.CapturedAt.Compare(a.CapturedAt)
	})

	maxAge := cfg.MaxAge()
	out := make([]Reading, 0, min(len(sorted), cfg.N))
	for _, r := range sorted {
		if len(out) >= cfg.N {
			break
		}
		if r.EquipmentID != equipmentID || !isFinite(r.DBFS) || r.CapturedAt.IsZero() {
			continue
		}
		if now.Sub(r.CapturedAt) > maxAge {
			continue
		}
		out = append(out, r)
	}
	return out
}

// SelectEquipment returns the most frequent non-empty equipment identifier.
// Ties go to the identifier encountered first, so callers pass ids newest first.
func SelectEquipment(ids []string) string {
	counts := make(map[string]int)
	var order []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, seen := counts[id]; !seen {
			order = append(order, id)
		}
		counts[id]++
	}

	best, bestN := "", 0
	for _, id := range order {
		if counts[id] > bestN {
			best, bestN = id, counts[id]
		}
	}
	return best
}

// Compute derives the threshold pair from a window of readings.
func Compute(window []Reading, cfg Config) (Estimate, error) {
	if len(window) < cfg.MinSamples || len(window) == 0 {
		return Estimate{}, &InsufficientDataError{Samples: len(window), Required: cfg.MinSamples}
	}

	levels := make([]float64, len(window))
	for i, r := range window {
		levels[i] = r.DBFS
	}
	slices.SortFunc(levels, cmp.Compare[float64])

	pLow := Percentile(levels, cfg.QLow)
	pHigh := Percentile(levels, cfg.QHigh)
	center := (pLow + pHigh) / 2
	margin := max(cfg.MinMarginDB, gapMarginFactor*max(0, pHigh-pLow))

	return Estimate{
		On:      center + margin/2 + cfg.OnBiasDB,
		Off:     center - margin/2,
		Center:  center,
		Margin:  margin,
		PLow:    pLow,
		PHigh:   pHigh,
		Samples: len(window),
	}, nil
}

// Percentile returns the nearest-rank value at quantile q of an ascending slice.
func Percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	idx := int(math.Round(float64(len(sorted)-1) * q))
	idx = max(0, min(len(sorted)-1, idx))
	return sorted[idx]
}

// Confidence is the distance of dbfs from the center in units of margin, clamped to [0, 1].
func (e Estimate) Confidence(dbfs float64) float64 {
	margin := e.Margin
	if margin == 0 {
		margin = 1
	}
	return max(0, min(1, math.Abs(dbfs-e.Center)/margin))
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
