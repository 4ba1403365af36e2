// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config loads and validates the YAML configuration for syncr's
// two modes: a multi-node sync run (SyncConfig) and a single-root serve
// listener (ServeConfig).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoggingInfo configures the shared slog-backed logger (internal/logging).
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// NodeSpec names one participant of a sync run. Target is either "local:
// <path>", "<host>:<path>" or "<host>:<port>:<path>" — the same strings
// internal/transport parses into a Dialer.
type NodeSpec struct {
	ID     int    `yaml:"id"`
	Target string `yaml:"target"`
}

// ConflictInfo selects how competing writes of the same path are resolved.
type ConflictInfo struct {
	// Strategy is one of: first, last, newest, oldest, largest, interactive.
	Strategy string `yaml:"strategy"`
}

// DeleteInfo configures delete propagation and its protection thresholds.
type DeleteInfo struct {
	Enabled bool `yaml:"enabled"`

	MaxDeletes        int     `yaml:"max_deletes"`
	MaxDeleteFraction float64 `yaml:"max_delete_fraction"`
}

// SyncConfig is the full configuration for one `syncr sync` run.
type SyncConfig struct {
	Nodes    []NodeSpec   `yaml:"nodes"`
	Conflict ConflictInfo `yaml:"conflict"`
	Delete   DeleteInfo   `yaml:"delete"`

	// BandwidthLimit throttles per-chunk transfer, e.g. "10mb" for 10MB/s.
	// Empty disables throttling.
	BandwidthLimit    string `yaml:"bandwidth_limit"`
	BandwidthLimitRaw int64  `yaml:"-"`

	DryRun   bool `yaml:"dry_run"`
	Progress bool `yaml:"progress"`
	Quiet    bool `yaml:"quiet"`

	Logging LoggingInfo `yaml:"logging"`
}

// ServeConfig is the full configuration for one `syncr serve` listener.
type ServeConfig struct {
	Root string `yaml:"root"`

	Logging LoggingInfo `yaml:"logging"`
}

// LoadSyncConfig reads and validates a sync run's YAML configuration.
func LoadSyncConfig(path string) (*SyncConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading sync config: %w", err)
	}

	var cfg SyncConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing sync config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating sync config: %w", err)
	}

	return &cfg, nil
}

// LoadServeConfig reads and validates a serve listener's YAML configuration.
func LoadServeConfig(path string) (*ServeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading serve config: %w", err)
	}

	var cfg ServeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing serve config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating serve config: %w", err)
	}

	return &cfg, nil
}

func (c *SyncConfig) validate() error {
	if len(c.Nodes) < 2 {
		return fmt.Errorf("nodes must have at least 2 entries, got %d", len(c.Nodes))
	}
	seen := make(map[int]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.Target == "" {
			return fmt.Errorf("nodes[%d].target is required", i)
		}
		if seen[n.ID] {
			return fmt.Errorf("nodes[%d].id %d is duplicated", i, n.ID)
		}
		seen[n.ID] = true
	}

	if c.Conflict.Strategy == "" {
		c.Conflict.Strategy = "newest"
	}
	switch c.Conflict.Strategy {
	case "first", "last", "newest", "oldest", "largest", "interactive":
	default:
		return fmt.Errorf("conflict.strategy must be one of first|last|newest|oldest|largest|interactive, got %q", c.Conflict.Strategy)
	}

	if c.Delete.MaxDeleteFraction < 0 || c.Delete.MaxDeleteFraction > 1 {
		return fmt.Errorf("delete.max_delete_fraction must be between 0.0 and 1.0, got %.2f", c.Delete.MaxDeleteFraction)
	}
	if c.Delete.MaxDeleteFraction == 0 {
		c.Delete.MaxDeleteFraction = 0.5
	}

	if c.BandwidthLimit != "" {
		parsed, err := ParseByteSize(c.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("bandwidth_limit: %w", err)
		}
		c.BandwidthLimitRaw = parsed
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

func (c *ServeConfig) validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ParseByteSize converts human-readable strings like "256mb", "1gb" to a
// byte count.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Longest suffix first so "mb" doesn't match as "b".
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
