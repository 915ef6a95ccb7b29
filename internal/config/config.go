// Package config loads the recorder configuration.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Environment overrides applied after the file is read.
const (
	EnvOutputDir = "MOTIONREC_OUTPUT_DIR"
	EnvUIAddr    = "MOTIONREC_UI_ADDR"
)

// Config represents the complete recorder configuration
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
	Audio   AudioConfig   `yaml:"audio"`
	Tracker StreamConfig  `yaml:"tracker"`
	Aux     StreamConfig  `yaml:"aux"`
	UI      UIConfig      `yaml:"ui"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// SessionConfig contains the consumer loop and take settings
type SessionConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"` // consumer tick
	Tolerance     float64       `yaml:"tolerance"`      // channel headroom factor (>= 1)
	OutputDir     string        `yaml:"output_dir"`
	TransportURL  string        `yaml:"transport_url"`  // host transport JSON endpoint (optional)
	TransportPoll time.Duration `yaml:"transport_poll"`
}

// AudioConfig contains the audio stream settings
type AudioConfig struct {
	Enabled     bool          `yaml:"enabled"`
	SampleRate  int           `yaml:"sample_rate"`
	Channels    int           `yaml:"channels"`
	BlockFrames int           `yaml:"block_frames"` // frames per producer callback
	History     time.Duration `yaml:"history"`      // longest retroactive window
	ToneHz      float64       `yaml:"tone_hz"`      // synthetic source frequency
}

// StreamConfig contains a counter-tagged frame stream's settings
type StreamConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`         // device bridge websocket
	Rate       float64       `yaml:"rate"`        // frames per second
	History    time.Duration `yaml:"history"`
	Offset     int32         `yaml:"offset"`      // initial applied offset
	MaxJump    int           `yaml:"max_jump"`
	AutoOffset bool          `yaml:"auto_offset"` // apply the sync estimator's suggestion
}

// UIConfig contains the live view settings
type UIConfig struct {
	Addr    string `yaml:"addr"`
	History int    `yaml:"history"` // frames replayed to new clients
}

// Default returns a configuration that runs without a file.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Session: SessionConfig{
			DrainInterval: 100 * time.Millisecond,
			Tolerance:     2,
			OutputDir:     "takes",
			TransportPoll: 50 * time.Millisecond,
		},
		Audio: AudioConfig{
			Enabled:     true,
			SampleRate:  48000,
			Channels:    2,
			BlockFrames: 256,
			History:     4 * time.Second,
			ToneHz:      440,
		},
		Tracker: StreamConfig{
			Enabled: true,
			URL:     "ws://127.0.0.1:9001/tracker",
			Rate:    240,
			History: 4 * time.Second,
			MaxJump: 1000,
		},
		Aux: StreamConfig{
			Enabled: false,
			URL:     "ws://127.0.0.1:9001/aux",
			Rate:    100,
			History: 4 * time.Second,
			MaxJump: 1000,
		},
		UI: UIConfig{
			Addr:    ":8080",
			History: 2400,
		},
	}
}

// Load reads a YAML file over Default, applies environment overrides and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvOutputDir); v != "" {
		c.Session.OutputDir = v
	}
	if v := os.Getenv(EnvUIAddr); v != "" {
		c.UI.Addr = v
	}
}

// Validate reports every problem at once, each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		bad("log.format %q (want text or json)", c.Log.Format)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("log.level %q", c.Log.Level)
	}

	if c.Session.DrainInterval <= 0 {
		bad("session.drain_interval must be > 0")
	}
	if c.Session.Tolerance < 1 {
		bad("session.tolerance must be >= 1, got %v", c.Session.Tolerance)
	}
	if c.Session.OutputDir == "" {
		bad("session.output_dir is required")
	}
	if c.Session.TransportURL != "" && c.Session.TransportPoll <= 0 {
		bad("session.transport_poll must be > 0")
	}

	if c.Audio.Enabled {
		if c.Audio.SampleRate <= 0 {
			bad("audio.sample_rate must be > 0")
		}
		if c.Audio.Channels < 1 || c.Audio.Channels > 8 {
			bad("audio.channels must be 1..8, got %d", c.Audio.Channels)
		}
		if c.Audio.BlockFrames <= 0 {
			bad("audio.block_frames must be > 0")
		}
		if c.Audio.History < 0 {
			bad("audio.history must be >= 0")
		}
	}

	for name, s := range map[string]StreamConfig{"tracker": c.Tracker, "aux": c.Aux} {
		if !s.Enabled {
			continue
		}
		if s.Rate <= 0 {
			bad("%s.rate must be > 0", name)
		}
		if s.History < 0 {
			bad("%s.history must be >= 0", name)
		}
		if s.MaxJump <= 0 {
			bad("%s.max_jump must be > 0", name)
		}
	}

	if c.UI.History < 0 {
		bad("ui.history must be >= 0")
	}

	return errors.Join(errs...)
}

// ChannelCapacity sizes a data channel so that it still holds `history` of
// already-drained items after one late drain:
//
//	ceil((history + drainInterval) × rate × tolerance), at least 2
func ChannelCapacity(rate float64, drainInterval, history time.Duration, tolerance float64) int {
	if tolerance < 1 {
		tolerance = 1
	}
	n := int(math.Ceil((history + drainInterval).Seconds() * rate * tolerance))
	if n < 2 {
		return 2
	}
	return n
}

// AudioCapacity is the audio channel size in samples (frames × channels).
func (c *Config) AudioCapacity() int {
	return ChannelCapacity(float64(c.Audio.SampleRate), c.Session.DrainInterval, c.Audio.History, c.Session.Tolerance) * c.Audio.Channels
}

// StreamCapacity is the frame channel size for a tracker or aux stream.
func (c *Config) StreamCapacity(s StreamConfig) int {
	return ChannelCapacity(s.Rate, c.Session.DrainInterval, s.History, c.Session.Tolerance)
}
