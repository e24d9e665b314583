package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	SocketPath           string        `yaml:"socket_path"`
	DBPath               string        `yaml:"db_path"`
	OutputBufferLimit    int           `yaml:"output_buffer_limit"`
	SubscriberQueueLimit int           `yaml:"subscriber_queue_limit"`
	DedupeWindow         int           `yaml:"dedupe_window"`
	DedupePrefixLen      int           `yaml:"dedupe_prefix_len"`
	TerminateGrace       time.Duration `yaml:"terminate_grace"`
	SessionRetention     time.Duration `yaml:"session_retention"`
	HistoryRetention     time.Duration `yaml:"history_retention"`
	EvictionInterval     time.Duration `yaml:"eviction_interval"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:           defaultSocketPath(),
		DBPath:               defaultDBPath(),
		OutputBufferLimit:    500,
		SubscriberQueueLimit: 1024,
		DedupeWindow:         50,
		DedupePrefixLen:      200,
		TerminateGrace:       5 * time.Second,
		SessionRetention:     2 * time.Minute,
		HistoryRetention:     30 * 24 * time.Hour,
		EvictionInterval:     15 * time.Second,
	}
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "devboard", "devboardd.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".devboardd.sock"
	}
	return filepath.Join(home, ".local", "state", "devboard", "devboardd.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "devboard.db"
	}
	return filepath.Join(home, ".local", "state", "devboard", "history.db")
}
