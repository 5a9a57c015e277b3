// Package node glues the aggregation core to its collaborators: durable
// storage, the peer Aggregator over HTTP, and the process configuration.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
)

// Role selects which half of the protocol this process runs.
type Role string

const (
	RoleLeader Role = "leader"
	RoleHelper Role = "helper"
)

type Config struct {
	Role     Role   `json:"role"`
	DataDir  string `json:"data_dir"`
	BindAddr string `json:"bind_addr"`
	LogLevel string `json:"log_level"`

	// BearerToken authenticates inbound aggregation requests from the peer;
	// PeerBearerToken is attached to outbound ones.
	BearerToken     string `json:"bearer_token"`
	PeerBearerToken string `json:"peer_bearer_token"`

	// MaxReportsPerJob bounds the reports drained into one aggregation job.
	MaxReportsPerJob int `json:"max_reports_per_job"`

	// ReportStorageEpochSeconds and MaxFutureTimeSkewSeconds bound the report
	// timestamps accepted into aggregation jobs. Zero disables the bound.
	ReportStorageEpochSeconds uint64 `json:"report_storage_epoch_seconds"`
	MaxFutureTimeSkewSeconds  uint64 `json:"max_future_time_skew_seconds"`
}

var allowedLogLevels = map[string]struct{}{
	"debug": {},
	"info":  {},
	"warn":  {},
	"error": {},
}

func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".dapd"
	}
	return filepath.Join(home, ".dapd")
}

func DefaultConfig() Config {
	return Config{
		Role:                     RoleLeader,
		DataDir:                  DefaultDataDir(),
		BindAddr:                 "0.0.0.0:8788",
		LogLevel:                 "info",
		MaxReportsPerJob:         512,
		MaxFutureTimeSkewSeconds: 900,
	}
}

func ValidateConfig(cfg Config) error {
	if cfg.Role != RoleLeader && cfg.Role != RoleHelper {
		return fmt.Errorf("role must be %q or %q", RoleLeader, RoleHelper)
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if _, _, err := net.SplitHostPort(cfg.BindAddr); err != nil {
		return fmt.Errorf("bind_addr: %w", err)
	}
	if _, ok := allowedLogLevels[cfg.LogLevel]; !ok {
		return fmt.Errorf("log_level must be one of debug|info|warn|error, got %q", cfg.LogLevel)
	}
	if cfg.MaxReportsPerJob < 0 {
		return errors.New("max_reports_per_job must be non-negative")
	}
	return nil
}

// LoadConfig reads a JSON config file and fills defaults for absent fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := ValidateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
