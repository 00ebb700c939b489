package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays FLOBUF_* environment variables onto cfg. Malformed
// values are ignored.
func FromEnv(cfg *Config) {
	if v := os.Getenv("FLOBUF_GRPC_ADDR"); v != "" {
		cfg.GRPCAddr = v
	}
	if v := os.Getenv("FLOBUF_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("FLOBUF_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("FLOBUF_BLOCK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.BlockSize = n
		}
	}
	if v := os.Getenv("FLOBUF_SPILL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Buffer.Spill = b
		}
	}
	if v := os.Getenv("FLOBUF_MAX_RESIDENT_BLOCKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Buffer.MaxResidentBlocks = n
		}
	}
	if v := os.Getenv("FLOBUF_SUBSCRIBER_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Subscribers.QueueLength = n
		}
	}
	if v := os.Getenv("FLOBUF_DEFAULT_POLICY"); v != "" {
		cfg.Subscribers.DefaultPolicy = v
	}
	if v := os.Getenv("FLOBUF_FLUSH_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Subscribers.FlushWindow = d
		}
	}
	if v := os.Getenv("FLOBUF_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("FLOBUF_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("FLOBUF_LOG_REDACT"); v != "" {
		cfg.Log.Redact = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.Log.Redact = append(cfg.Log.Redact, p)
			}
		}
	}
}
