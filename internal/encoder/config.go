package encoder

import (
	"errors"
	"fmt"
	"time"
)

// Defaults applied by DefaultConfig.
const (
	DefaultBitrate   = 2000 // kbps
	DefaultFPS       = 25
	DefaultGOP       = 25
	DefaultLookahead = 25
	DefaultBFrames   = -1 // encoder default
	DefaultThreads   = 4
	DefaultPreset    = "superfast"
)

// ErrInvalidConfig is wrapped by every ConfigError.
var ErrInvalidConfig = errors.New("invalid configuration")

// ConfigError reports which field rejected a configuration.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("encoder: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// Config is the encoder configuration. GopTime is the time-based keyframe
// interval; zero falls back to the frame-count GOP.
type Config struct {
	Bitrate   int           `json:"bitrate"`
	FPS       int           `json:"fps"`
	GOP       int           `json:"gop"`
	Lookahead int           `json:"lookahead"`
	BFrames   int           `json:"bframes"`
	Threads   int           `json:"threads"`
	AnnexB    bool          `json:"annexb"`
	Preset    string        `json:"preset"`
	GopTime   time.Duration `json:"-"`
}

// DefaultConfig returns the configuration an encoder starts with.
func DefaultConfig() Config {
	return Config{
		Bitrate:   DefaultBitrate,
		FPS:       DefaultFPS,
		GOP:       DefaultGOP,
		Lookahead: DefaultLookahead,
		BFrames:   DefaultBFrames,
		Threads:   DefaultThreads,
		AnnexB:    true,
		Preset:    DefaultPreset,
	}
}

// Validate checks the configuration without modifying it.
func (c Config) Validate() error {
	switch {
	case c.Bitrate <= 0:
		return &ConfigError{Field: "bitrate", Err: ErrInvalidConfig}
	case c.GOP <= 0:
		return &ConfigError{Field: "gop", Err: ErrInvalidConfig}
	case c.Lookahead < 0:
		return &ConfigError{Field: "lookahead", Err: ErrInvalidConfig}
	case c.Threads <= 0:
		return &ConfigError{Field: "threads", Err: ErrInvalidConfig}
	case c.Preset == "":
		return &ConfigError{Field: "preset", Err: ErrInvalidConfig}
	case c.GopTime < 0:
		return &ConfigError{Field: "gopTime", Err: ErrInvalidConfig}
	}
	return nil
}

// normalize fills in the frame rate default and clamps GopTime to floor.
func (c Config) normalize(floor time.Duration) Config {
	if c.FPS <= 0 {
		c.FPS = DefaultFPS
	}
	if c.GopTime > 0 && c.GopTime < floor {
		c.GopTime = floor
	}
	return c
}

// FrameTime returns the nominal duration of one frame.
func (c Config) FrameTime() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// Params is a partial configuration; nil fields keep their current value.
// GopTime is expressed in milliseconds.
type Params struct {
	Bitrate   *int    `json:"bitrate,omitempty"`
	FPS       *int    `json:"fps,omitempty"`
	GOP       *int    `json:"gop,omitempty"`
	Lookahead *int    `json:"lookahead,omitempty"`
	BFrames   *int    `json:"bframes,omitempty"`
	Threads   *int    `json:"threads,omitempty"`
	AnnexB    *bool   `json:"annexb,omitempty"`
	Preset    *string `json:"preset,omitempty"`
	GopTime   *int    `json:"gopTime,omitempty"`
}

// Apply returns c with every set field of p applied.
func (p Params) Apply(c Config) Config {
	if p.Bitrate != nil {
		c.Bitrate = *p.Bitrate
	}
	if p.FPS != nil {
		c.FPS = *p.FPS
	}
	if p.GOP != nil {
		c.GOP = *p.GOP
	}
	if p.Lookahead != nil {
		c.Lookahead = *p.Lookahead
	}
	if p.BFrames != nil {
		c.BFrames = *p.BFrames
	}
	if p.Threads != nil {
		c.Threads = *p.Threads
	}
	if p.AnnexB != nil {
		c.AnnexB = *p.AnnexB
	}
	if p.Preset != nil {
		c.Preset = *p.Preset
	}
	if p.GopTime != nil {
		c.GopTime = time.Duration(*p.GopTime) * time.Millisecond
	}
	return c
}
