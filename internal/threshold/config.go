// Package threshold estimates adaptive on/off loudness thresholds for a piece
// of equipment from its recent level readings.
package threshold

import (
	"time"

	"github.com/otomoni/machinemon/internal/types"
)

// Defaults used when neither configuration nor a per-equipment override sets a value.
const (
	DefaultQLow        = 0.35
	DefaultQHigh       = 0.75
	DefaultMinMarginDB = 3.0
	DefaultOnBiasDB    = 0.5
	DefaultTolDB       = 0.5
	DefaultN           = 200
	DefaultMinSamples  = 20
	DefaultMaxAgeMs    = 48 * 60 * 60 * 1000 // 48 hours in milliseconds
)

// Config holds the estimator and classifier parameters for one equipment.
type Config struct {
	QLow        float64 `json:"qLow" validate:"gte=0,lte=1"`
	QHigh       float64 `json:"qHigh" validate:"gte=0,lte=1,gtfield=QLow"`
	MinMarginDB float64 `json:"minMarginDb" validate:"gt=0"`
	OnBiasDB    float64 `json:"onBiasDb" validate:"gte=0"`
	TolDB       float64 `json:"tolDb" validate:"gte=0"`
	N           int     `json:"N" validate:"gte=1"`
	MinSamples  int     `json:"minSamples" validate:"gte=1,ltefield=N"`
	MaxAgeMs    int64   `json:"maxAgeMs" validate:"gt=0"`
	// ManualOnDB is an operator-entered running level, stored and echoed only.
	ManualOnDB *float64 `json:"manualOnDb,omitempty"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		QLow:        DefaultQLow,
		QHigh:       DefaultQHigh,
		MinMarginDB: DefaultMinMarginDB,
		OnBiasDB:    DefaultOnBiasDB,
		TolDB:       DefaultTolDB,
		N:           DefaultN,
		MinSamples:  DefaultMinSamples,
		MaxAgeMs:    DefaultMaxAgeMs,
	}
}

// MaxAge returns the oldest reading age that still counts toward an estimate.
func (c Config) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeMs) * time.Millisecond
}

// FetchLimit is how many index records to read to fill a window of N.
// The index is not partitioned by equipment, so other equipment shares the read.
func (c Config) FetchLimit() int {
	return max(3*c.N, 300)
}

// Validate checks the parameter ranges the estimator relies on.
// Failures are returned as *types.ValidationError.
func (c Config) Validate() error {
	return types.ValidateStruct(c)
}

// Override is a per-equipment partial configuration set by an operator.
// Nil fields keep the value from the base configuration.
type Override struct {
	QLow        *float64  `json:"qLow,omitempty" validate:"omitempty,gte=0,lte=1"`
	QHigh       *float64  `json:"qHigh,omitempty" validate:"omitempty,gte=0,lte=1"`
	MinMarginDB *float64  `json:"minMarginDb,omitempty" validate:"omitempty,gt=0"`
	OnBiasDB    *float64  `json:"onBiasDb,omitempty" validate:"omitempty,gte=0"`
	TolDB       *float64  `json:"tolDb,omitempty" validate:"omitempty,gte=0"`
	N           *int      `json:"N,omitempty" validate:"omitempty,gte=1,lte=5000"`
	MaxAgeMs    *int64    `json:"maxAgeMs,omitempty" validate:"omitempty,gt=0"`
	ManualOnDB  *float64  `json:"manualOnDb,omitempty" validate:"omitempty,lte=0"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}

// Merge returns c with every field set in o replaced.
func (c Config) Merge(o *Override) Config {
	if o == nil {
		return c
	}
	if o.QLow != nil {
		c.QLow = *o.QLow
	}
	if o.QHigh != nil {
		c.QHigh = *o.QHigh
	}
	if o.MinMarginDB != nil {
		c.MinMarginDB = *o.MinMarginDB
	}
	if o.OnBiasDB != nil {
		c.OnBiasDB = *o.OnBiasDB
	}
	if o.TolDB != nil {
		c.TolDB = *o.TolDB
	}
	if o.N != nil {
		c.N = *o.N
	}
	if o.MaxAgeMs != nil {
		c.MaxAgeMs = *o.MaxAgeMs
	}
	if o.ManualOnDB != nil {
		v := *o.ManualOnDB
		c.ManualOnDB = &v
	}
	return c
}

// Validate checks the override's own field ranges.
// Cross-field constraints are checked on the merged Config.
func (o *Override) Validate() error {
	return types.ValidateStruct(o)
}
