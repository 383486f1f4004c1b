// Package trainer runs the optimization loop: policy, environment,
// stop conditions and progress recording, driven by one Config.
package trainer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds all trainer configuration.
type Config struct {
	Cell     CellConfig     `toml:"cell"`
	Backend  BackendConfig  `toml:"backend"`
	Pool     PoolConfig     `toml:"pool"`
	Reward   RewardConfig   `toml:"reward"`
	Policy   PolicyConfig   `toml:"policy"`
	Training TrainingConfig `toml:"training"`
	API      APIConfig      `toml:"api"`
	Logging  LoggingConfig  `toml:"logging"`
}

// CellConfig picks the circuit under optimization.
type CellConfig struct {
	// Template is a builtin cell name or a netlist file path.
	Template string `toml:"template"`
	// KArea scales the width sum into the area figure of merit.
	KArea float64 `toml:"k_area"`
}

// BackendConfig selects the simulator execution variant.
type BackendConfig struct {
	// Variant is "batch" (one process per task) or "persistent"
	// (long-lived interactive handle).
	Variant string `toml:"variant"`
	// Binary overrides ngspice discovery.
	Binary string `toml:"binary"`
	// Mock substitutes the in-memory simulator, for smoke tests.
	Mock bool `toml:"mock"`
}

// PoolConfig controls scheduling and the restart policy.
type PoolConfig struct {
	Workdir             string `toml:"workdir"`
	MaxRestarts         int    `toml:"max_restarts"`
	TaskTimeoutS        int    `toml:"task_timeout_s"`
	RestartEvery        int    `toml:"restart_every"`
	MeasureMissingFatal bool   `toml:"measure_missing_fatal"`
}

// RewardConfig sets the scoring weights and penalties.
type RewardConfig struct {
	WeightDelay float64 `toml:"weight_delay"`
	WeightPower float64 `toml:"weight_power"`
	WeightArea  float64 `toml:"weight_area"`
	Sentinel    float64 `toml:"sentinel"`
	Clip        float64 `toml:"clip"`
}

// PolicyConfig tunes the Gaussian search policy.
type PolicyConfig struct {
	LearningRate float64 `toml:"learning_rate"`
	Sigma        float64 `toml:"sigma"`
	SigmaDecay   float64 `toml:"sigma_decay"`
	SigmaMin     float64 `toml:"sigma_min"`
	BaselineBeta float64 `toml:"baseline_beta"`
	Seed         int64   `toml:"seed"`
}

// TrainingConfig bounds the loop and its stop conditions.
type TrainingConfig struct {
	MaxSteps int `toml:"max_steps"`
	// TargetReward stops the run early once the best reward reaches it
	// (0 disables).
	TargetReward float64 `toml:"target_reward"`
	// WalltimeS bounds the whole run in seconds (0 disables).
	WalltimeS int `toml:"walltime_s"`
	// Plateau stopping: stop after PlateauPatience snapshots without a
	// PlateauMinDelta improvement, ignoring the first PlateauWarmup
	// steps.
	PlateauMinDelta float64 `toml:"plateau_min_delta"`
	PlateauPatience int     `toml:"plateau_patience"`
	PlateauWarmup   int     `toml:"plateau_warmup"`
	// SnapshotEvery controls monitor/plateau evaluation cadence.
	SnapshotEvery int `toml:"snapshot_every"`
}

// APIConfig controls the HTTP monitoring server.
type APIConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level string `toml:"level"`
	File  string `toml:"file"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	home := Home()
	return Config{
		Cell: CellConfig{
			Template: "inv_char",
			KArea:    1.0,
		},
		Backend: BackendConfig{
			Variant: "batch",
		},
		Pool: PoolConfig{
			Workdir:      filepath.Join(home, "runs"),
			MaxRestarts:  2,
			TaskTimeoutS: 30,
			RestartEvery: 25,
		},
		Reward: RewardConfig{
			WeightDelay: 1.0,
			WeightPower: 1.0,
			WeightArea:  1.0,
			Sentinel:    -1000,
			Clip:        10,
		},
		Policy: PolicyConfig{
			LearningRate: 0.05,
			Sigma:        0.5,
			SigmaDecay:   0.999,
			SigmaMin:     0.02,
			BaselineBeta: 0.9,
		},
		Training: TrainingConfig{
			MaxSteps:        2000,
			PlateauMinDelta: 1e-3,
			PlateauPatience: 10,
			PlateauWarmup:   200,
			SnapshotEvery:   20,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8991,
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(home, "cellforge.log"),
		},
	}
}

// LoadConfig reads config from $CELLFORGE_HOME/config.toml, falling
// back to defaults.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	path := filepath.Join(Home(), "config.toml")

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil // No config file yet, use defaults
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $CELLFORGE_HOME/config.toml.
func SaveConfig(cfg Config) error {
	path := filepath.Join(Home(), "config.toml")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Home returns the cellforge data directory.
func Home() string {
	if env := os.Getenv("CELLFORGE_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cellforge")
}
