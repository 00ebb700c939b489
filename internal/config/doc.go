// Package config loads flobuf server configuration: built-in defaults, an
// optional JSON file, then FLOBUF_* environment overrides.
//
// Example:
//
//	cfg, err := config.Load("/etc/flobuf.json")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
