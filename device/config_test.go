package device

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/pkg"
)

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader("command_timeout: 250ms\nmax_streams: 4\ntrbs_per_segment: 32\n"))
	require.NoError(t, err)

	def := DefaultConfig()
	assert.Equal(t, 250*time.Millisecond, cfg.CommandTimeout)
	assert.Equal(t, 4, cfg.MaxStreams)
	assert.Equal(t, 32, cfg.TRBsPerSegment)
	assert.Equal(t, def.SegmentsPerRing, cfg.SegmentsPerRing)
	assert.Equal(t, def.AbortTimeout, cfg.AbortTimeout)
	assert.Equal(t, def.WorkerQueue, cfg.WorkerQueue)
}

func TestLoadConfigEmpty(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigUnknownField(t *testing.T) {
	_, err := LoadConfig(strings.NewReader("ring_size: 12\n"))
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		edit func(*Config)
	}{
		{"short segment", func(c *Config) { c.TRBsPerSegment = 8 }},
		{"odd segment", func(c *Config) { c.TRBsPerSegment = 18 }},
		{"no segments", func(c *Config) { c.SegmentsPerRing = -1 }},
		{"negative timeout", func(c *Config) { c.AbortTimeout = -time.Second }},
		{"too many streams", func(c *Config) { c.MaxStreams = 1 << 16 }},
		{"interrupter", func(c *Config) { c.Interrupter = 1024 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.edit(&cfg)
			assert.ErrorIs(t, cfg.Validate(), pkg.ErrInvalidParameter)
		})
	}
	def := DefaultConfig()
	assert.NoError(t, def.Validate())
}
