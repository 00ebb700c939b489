package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/rzbill/flobuf/internal/policy"
	"github.com/rzbill/flobuf/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	GRPCAddr string `json:"grpcAddr"`
	HTTPAddr string `json:"httpAddr"`
	DataDir  string `json:"dataDir"`

	Buffer      BufferConfig     `json:"buffer"`
	Subscribers SubscriberConfig `json:"subscribers"`
	Log         log.Config       `json:"log"`
}

// BufferConfig sizes publisher buffers and their spill behaviour.
type BufferConfig struct {
	BlockSize int `json:"blockSize"`
	// Spill moves cold blocks into pebble under DataDir.
	Spill             bool `json:"spill"`
	MaxResidentBlocks int  `json:"maxResidentBlocks"`
}

// SubscriberConfig holds subscriber group defaults.
type SubscriberConfig struct {
	QueueLength   int           `json:"queueLength"`
	DefaultPolicy string        `json:"defaultPolicy"`
	FlushWindow   time.Duration `json:"flushWindow"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		GRPCAddr: ":7070",
		HTTPAddr: ":7071",
		DataDir:  DefaultDataDir(),
		Buffer: BufferConfig{
			BlockSize:         64 << 20,
			MaxResidentBlocks: 8,
		},
		Subscribers: SubscriberConfig{
			QueueLength:   1024,
			DefaultPolicy: string(policy.KindRoundRobin),
		},
		Log: log.Config{Level: "info", Format: "json", Outputs: []string{"console"}},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.Newf("yaml config not supported, use JSON: %s", path)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	if c.Buffer.BlockSize <= 0 {
		return errors.Newf("buffer.blockSize must be positive, got %d", c.Buffer.BlockSize)
	}
	if c.Buffer.Spill && c.Buffer.MaxResidentBlocks < 1 {
		return errors.New("buffer.maxResidentBlocks must be at least 1 when spill is enabled")
	}
	if c.Subscribers.QueueLength <= 0 {
		return errors.Newf("subscribers.queueLength must be positive, got %d", c.Subscribers.QueueLength)
	}
	if _, err := policy.ParseKind(c.Subscribers.DefaultPolicy); err != nil {
		return err
	}
	if c.Subscribers.FlushWindow < 0 {
		return errors.New("subscribers.flushWindow must not be negative")
	}
	return nil
}
