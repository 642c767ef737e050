// Package config defines the trainer settings model, its default values and
// the curriculum source the trainer runs.
//
// Settings are assembled from multiple sources with a strict precedence
// chain: built-in defaults < global settings file < project settings file <
// explicit settings file < CLI flag overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// WhitelistedVars lists every settings variable that may appear in a
// settings file. Anything else is silently ignored during loading.
var WhitelistedVars = []string{
	"STAGE",
	"MAX_STAGE",
	"TIMESTEPS",
	"EPISODES",
	"CHECKPOINT",
	"NUM_ENVS",
	"CURRICULUM",
	"AUTO_PROMOTE",
	"EARLY_STOP",
	"CONTINUE_ALL_STAGES",
	"MIN_EPISODES_BEFORE_PROMOTE",
	"WINDOW_SIZE",
	"PROGRESS_PRINT_SECONDS",
	"CONFIG_POLL_SECONDS",
	"BEST_CHECK_EVERY",
	"BEST_MIN_EPISODES",
	"NODE",
	"SIMULATE",
	"REPLY_TIMEOUT",
	"SEED",
	"CHECKPOINT_DIR",
	"LOG_DIR",
	"STATE_DIR",
	"EXPORT_COMMAND",
	"SNAPSHOT_PATH",
	"NOTIFY_COMMAND",
	"WATCH",
	"VERBOSE",
}

// DefaultTimesteps is the per-stage step budget when neither --timesteps nor
// --episodes is given.
const DefaultTimesteps = 200_000

// Config holds every trainer setting.
type Config struct {
	// Curriculum range and flow.
	Stage             int
	MaxStage          int // 0 means the highest stage in the curriculum
	AutoPromote       bool
	EarlyStop         bool
	ContinueAllStages bool

	// Step budget. At most one of the two may be set.
	Timesteps int
	Episodes  int

	// Promotion and best-checkpoint parameters.
	MinEpisodes     int
	WindowSize      int
	BestCheckEvery  int
	BestMinEpisodes int // -1 waits for one full window, 0 disables the gate

	// Cadences in seconds.
	ProgressPrintSeconds float64
	ConfigPollSeconds    float64

	// Simulation workers.
	NumEnvs      int
	Node         string
	Simulate     string
	ReplyTimeout int // seconds, 0 waits indefinitely
	Seed         int64

	// File paths.
	Curriculum    string
	Checkpoint    string
	CheckpointDir string
	LogDir        string
	StateDir      string
	SnapshotPath  string

	// External commands.
	ExportCommand string
	NotifyCommand string

	// Runtime flags.
	Watch   bool
	Verbose bool

	// CLI-only flags (not loaded from settings files).
	SettingsFile string
	Resume       bool
	ResumeForce  bool
	Clean        bool
	Status       bool
	Cancel       bool
}

// NewDefaultConfig returns a Config populated with all built-in default values.
func NewDefaultConfig() *Config {
	return &Config{
		Stage:                1,
		MinEpisodes:          200,
		WindowSize:           200,
		BestCheckEvery:       50,
		BestMinEpisodes:      -1,
		ProgressPrintSeconds: 10,
		ConfigPollSeconds:    30,
		NumEnvs:              4,
		Node:                 "node",
		Simulate:             "simulate.js",
		ReplyTimeout:         60,
		Curriculum:           "config.yaml",
		CheckpointDir:        "checkpoints",
		LogDir:               "logs",
		StateDir:             ".dogfight/state",
		SnapshotPath:         filepath.Join("checkpoints", "selfplay", "opponent_snapshot.onnx"),
		Watch:                true,
	}
}

// StepBudget returns the per-stage step budget. An episode count is
// converted with the start stage's maxTicks.
func (c *Config) StepBudget(startMaxTicks int) int {
	switch {
	case c.Episodes > 0:
		return c.Episodes * startMaxTicks
	case c.Timesteps > 0:
		return c.Timesteps
	default:
		return DefaultTimesteps
	}
}

// Validate checks the merged settings for values the trainer cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Timesteps > 0 && c.Episodes > 0 {
		errs = append(errs, errors.New("--episodes and --timesteps are mutually exclusive"))
	}
	if c.Timesteps < 0 || c.Episodes < 0 {
		errs = append(errs, errors.New("step budget must not be negative"))
	}
	if c.Stage < 1 {
		errs = append(errs, fmt.Errorf("stage must be at least 1, got %d", c.Stage))
	}
	if c.MaxStage != 0 && c.MaxStage < c.Stage {
		errs = append(errs, fmt.Errorf("max stage %d is below start stage %d", c.MaxStage, c.Stage))
	}
	if c.NumEnvs < 1 {
		errs = append(errs, fmt.Errorf("num-envs must be at least 1, got %d", c.NumEnvs))
	}
	if c.WindowSize < 1 {
		errs = append(errs, fmt.Errorf("window-size must be at least 1, got %d", c.WindowSize))
	}
	if c.MinEpisodes < 0 {
		errs = append(errs, fmt.Errorf("min-episodes-before-promote must not be negative, got %d", c.MinEpisodes))
	}
	if c.BestCheckEvery < 1 {
		errs = append(errs, fmt.Errorf("best-check-every must be at least 1, got %d", c.BestCheckEvery))
	}
	if c.ProgressPrintSeconds <= 0 || c.ConfigPollSeconds <= 0 {
		errs = append(errs, errors.New("print and poll intervals must be positive"))
	}
	if c.ReplyTimeout < 0 {
		errs = append(errs, fmt.Errorf("reply-timeout must not be negative, got %d", c.ReplyTimeout))
	}
	return errors.Join(errs...)
}

// BestGate returns the episode count the best-checkpoint tracker waits for.
func (c *Config) BestGate() int {
	if c.BestMinEpisodes < 0 {
		return c.WindowSize
	}
	return c.BestMinEpisodes
}

// GlobalSettingsPath returns $XDG_CONFIG_HOME/dogfight/trainer.conf, falling
// back to ~/.config when XDG_CONFIG_HOME is unset. It returns "" when no
// home directory can be determined.
func GlobalSettingsPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dogfight", "trainer.conf")
}

// ProjectSettingsPath is the per-project settings file.
const ProjectSettingsPath = ".dogfight/trainer.conf"
