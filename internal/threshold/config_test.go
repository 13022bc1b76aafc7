package threshold

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	assert.Equal(t, 600, DefaultConfig().FetchLimit())
}

func TestMergeReplacesOnlySetFields(t *testing.T) {
	base := DefaultConfig()
	merged := base.Merge(&Override{
		QHigh:      ptr(0.9),
		OnBiasDB:   ptr(0.0),
		ManualOnDB: ptr(-12.5),
	})

	assert.Equal(t, base.QLow, merged.QLow)
	assert.Equal(t, 0.9, merged.QHigh)
	assert.Equal(t, base.MinMarginDB, merged.MinMarginDB)
	assert.Equal(t, 0.0, merged.OnBiasDB)
	assert.Equal(t, base.TolDB, merged.TolDB)
	require.NotNil(t, merged.ManualOnDB)
	assert.Equal(t, -12.5, *merged.ManualOnDB)

	assert.Equal(t, base, base.Merge(nil))
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quantiles inverted", func(c *Config) { c.QLow, c.QHigh = 0.8, 0.2 }},
		{"quantile above one", func(c *Config) { c.QHigh = 1.5 }},
		{"zero margin", func(c *Config) { c.MinMarginDB = 0 }},
		{"negative bias", func(c *Config) { c.OnBiasDB = -1 }},
		{"min samples above N", func(c *Config) { c.MinSamples = c.N + 1 }},
		{"zero max age", func(c *Config) { c.MaxAgeMs = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestOverrideValidate(t *testing.T) {
	require.NoError(t, (&Override{}).Validate())
	require.NoError(t, (&Override{QLow: ptr(0.1), N: ptr(50)}).Validate())
	assert.Error(t, (&Override{QLow: ptr(-0.1)}).Validate())
	assert.Error(t, (&Override{MinMarginDB: ptr(0.0)}).Validate())
	assert.Error(t, (&Override{ManualOnDB: ptr(3.0)}).Validate())
}
