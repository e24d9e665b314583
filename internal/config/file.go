package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with pointer fields so absent keys leave defaults intact.
type fileConfig struct {
	SocketPath           *string        `yaml:"socket_path"`
	DBPath               *string        `yaml:"db_path"`
	OutputBufferLimit    *int           `yaml:"output_buffer_limit"`
	SubscriberQueueLimit *int           `yaml:"subscriber_queue_limit"`
	DedupeWindow         *int           `yaml:"dedupe_window"`
	DedupePrefixLen      *int           `yaml:"dedupe_prefix_len"`
	TerminateGrace       *time.Duration `yaml:"terminate_grace"`
	SessionRetention     *time.Duration `yaml:"session_retention"`
	HistoryRetention     *time.Duration `yaml:"history_retention"`
	EvictionInterval     *time.Duration `yaml:"eviction_interval"`
}

// LoadFile overlays settings from a YAML config file onto cfg.
// Absent keys keep their current values.
func LoadFile(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if fc.SocketPath != nil {
		cfg.SocketPath = *fc.SocketPath
	}
	if fc.DBPath != nil {
		cfg.DBPath = *fc.DBPath
	}
	if fc.OutputBufferLimit != nil {
		cfg.OutputBufferLimit = *fc.OutputBufferLimit
	}
	if fc.SubscriberQueueLimit != nil {
		cfg.SubscriberQueueLimit = *fc.SubscriberQueueLimit
	}
	if fc.DedupeWindow != nil {
		cfg.DedupeWindow = *fc.DedupeWindow
	}
	if fc.DedupePrefixLen != nil {
		cfg.DedupePrefixLen = *fc.DedupePrefixLen
	}
	if fc.TerminateGrace != nil {
		cfg.TerminateGrace = *fc.TerminateGrace
	}
	if fc.SessionRetention != nil {
		cfg.SessionRetention = *fc.SessionRetention
	}
	if fc.HistoryRetention != nil {
		cfg.HistoryRetention = *fc.HistoryRetention
	}
	if fc.EvictionInterval != nil {
		cfg.EvictionInterval = *fc.EvictionInterval
	}
	return cfg, nil
}
