package device

import (
	"fmt"
	"io"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
)

// Config sizes the controller's rings and bounds its waits.
type Config struct {
	// SegmentsPerRing is the initial number of segments of an endpoint ring.
	SegmentsPerRing int `yaml:"segments_per_ring"`
	// TRBsPerSegment is the number of TRB slots per segment, link included.
	TRBsPerSegment int `yaml:"trbs_per_segment"`
	// CommandRingSegments is the fixed size of the command ring.
	CommandRingSegments int `yaml:"command_ring_segments"`
	// EventRingSegments is the number of event ring segments, capped by the
	// segment table size the controller advertises.
	EventRingSegments int `yaml:"event_ring_segments"`

	// CommandTimeout is how long a command may sit unanswered before the
	// command ring is aborted.
	CommandTimeout time.Duration `yaml:"command_timeout"`
	// AbortTimeout bounds the wait for the command ring to stop running
	// after an abort request.
	AbortTimeout time.Duration `yaml:"abort_timeout"`
	// StopRingTimeout bounds the wait for the command ring stopped event.
	StopRingTimeout time.Duration `yaml:"stop_ring_timeout"`

	// MaxStreams caps the streams allocated per bulk endpoint. Streams
	// are only allocated for endpoints that ask for them.
	MaxStreams int `yaml:"max_streams"`
	// WorkerQueue is the capacity of the deferred work queue.
	WorkerQueue int `yaml:"worker_queue"`
	// Interrupter selects the interrupter register set used for events.
	Interrupter int `yaml:"interrupter"`
}

// DefaultConfig returns the configuration used for unset fields.
func DefaultConfig() Config {
	return Config{
		SegmentsPerRing:     2,
		TRBsPerSegment:      64,
		CommandRingSegments: 1,
		EventRingSegments:   1,
		CommandTimeout:      5 * time.Second,
		AbortTimeout:        5 * time.Second,
		StopRingTimeout:     2 * time.Second,
		MaxStreams:          16,
		WorkerQueue:         16,
	}
}

// LoadConfig reads a YAML configuration from r. Fields left out take their
// value from [DefaultConfig].
func LoadConfig(r io.Reader) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.withDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) withDefaults() error {
	if err := mergo.Merge(c, DefaultConfig()); err != nil {
		return fmt.Errorf("config defaults: %w", err)
	}
	return nil
}

// Validate reports geometry the ring engine cannot honour.
func (c *Config) Validate() error {
	switch {
	case c.TRBsPerSegment < ring.MinTRBsPerSegment || c.TRBsPerSegment%4 != 0:
		return fmt.Errorf("trbs_per_segment %d: must be a multiple of 4 and at least %d: %w",
			c.TRBsPerSegment, ring.MinTRBsPerSegment, pkg.ErrInvalidParameter)
	case c.SegmentsPerRing < 1:
		return fmt.Errorf("segments_per_ring %d: %w", c.SegmentsPerRing, pkg.ErrInvalidParameter)
	case c.CommandRingSegments < 1:
		return fmt.Errorf("command_ring_segments %d: %w", c.CommandRingSegments, pkg.ErrInvalidParameter)
	case c.EventRingSegments < 1:
		return fmt.Errorf("event_ring_segments %d: %w", c.EventRingSegments, pkg.ErrInvalidParameter)
	case c.CommandTimeout <= 0 || c.AbortTimeout <= 0 || c.StopRingTimeout <= 0:
		return fmt.Errorf("timeouts must be positive: %w", pkg.ErrInvalidParameter)
	case c.MaxStreams < 0 || c.MaxStreams > 1<<15:
		return fmt.Errorf("max_streams %d: %w", c.MaxStreams, pkg.ErrInvalidParameter)
	case c.WorkerQueue < 1:
		return fmt.Errorf("worker_queue %d: %w", c.WorkerQueue, pkg.ErrInvalidParameter)
	case c.Interrupter < 0 || c.Interrupter > 1023:
		return fmt.Errorf("interrupter %d: %w", c.Interrupter, pkg.ErrInvalidParameter)
	}
	return nil
}
