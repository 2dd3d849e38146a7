package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Path         string             `toml:"-"`
}

type OrchestratorConfig struct {
	Addr               string  `toml:"addr"`
	DBPath             string  `toml:"db_path"`
	ArtifactRoot       string  `toml:"artifact_root"`
	RoutingPath        string  `toml:"routing_path"`
	MaxConcurrentJobs  int     `toml:"max_concurrent_jobs"`
	MaxQueueDepth      int     `toml:"max_queue_depth"`
	TickIntervalMS     int     `toml:"tick_interval_ms"`
	WatchdogIntervalMS int     `toml:"watchdog_interval_ms"`
	CancelGraceMS      int     `toml:"cancel_grace_ms"`
	BudgetUnits        int     `toml:"budget_units"`
	DefaultConfidence  float64 `toml:"default_confidence"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentflow/config.toml"
	}
	return filepath.Join(home, ".agentflow", "config.toml")
}
