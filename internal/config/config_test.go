package config_test

import (
	"path/filepath"
	"testing"

	"github.com/k0der/SpaceInvaders/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfigValues(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NotNil(t, cfg)

	// Curriculum flow.
	assert.Equal(t, 1, cfg.Stage)
	assert.Zero(t, cfg.MaxStage)
	assert.False(t, cfg.AutoPromote)
	assert.False(t, cfg.EarlyStop)
	assert.False(t, cfg.ContinueAllStages)

	// Promotion.
	assert.Equal(t, 200, cfg.MinEpisodes)
	assert.Equal(t, 200, cfg.WindowSize)
	assert.Equal(t, 50, cfg.BestCheckEvery)
	assert.Equal(t, -1, cfg.BestMinEpisodes)

	// Cadences.
	assert.Equal(t, 10.0, cfg.ProgressPrintSeconds)
	assert.Equal(t, 30.0, cfg.ConfigPollSeconds)

	// Workers.
	assert.Equal(t, 4, cfg.NumEnvs)
	assert.Equal(t, "node", cfg.Node)
	assert.Equal(t, "simulate.js", cfg.Simulate)
	assert.Equal(t, 60, cfg.ReplyTimeout)

	// Paths.
	assert.Equal(t, "config.yaml", cfg.Curriculum)
	assert.Equal(t, "checkpoints", cfg.CheckpointDir)
	assert.Equal(t, filepath.Join("checkpoints", "selfplay", "opponent_snapshot.onnx"), cfg.SnapshotPath)
	assert.True(t, cfg.Watch)

	// CLI-only flags default to zero values.
	assert.Empty(t, cfg.SettingsFile)
	assert.False(t, cfg.Resume)
	assert.False(t, cfg.ResumeForce)
	assert.False(t, cfg.Clean)
	assert.False(t, cfg.Status)
	assert.False(t, cfg.Cancel)
}

func TestWhitelistedVarsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, v := range config.WhitelistedVars {
		assert.False(t, seen[v], "duplicate whitelisted var %s", v)
		seen[v] = true
	}
}

func TestStepBudget(t *testing.T) {
	tests := []struct {
		name      string
		timesteps int
		episodes  int
		maxTicks  int
		want      int
	}{
		{"default budget", 0, 0, 600, config.DefaultTimesteps},
		{"explicit timesteps", 5000, 0, 600, 5000},
		{"episodes times max ticks", 0, 10, 600, 6000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			cfg.Timesteps = tt.timesteps
			cfg.Episodes = tt.episodes
			assert.Equal(t, tt.want, cfg.StepBudget(tt.maxTicks))
		})
	}
}

func TestBestGate(t *testing.T) {
	cfg := config.NewDefaultConfig()
	cfg.WindowSize = 80
	assert.Equal(t, 80, cfg.BestGate(), "negative waits for a full window")

	cfg.BestMinEpisodes = 0
	assert.Equal(t, 0, cfg.BestGate())

	cfg.BestMinEpisodes = 25
	assert.Equal(t, 25, cfg.BestGate())
}

func TestGlobalSettingsPath(t *testing.T) {
	t.Run("uses XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
		assert.Equal(t, filepath.Join("/tmp/xdg", "dogfight", "trainer.conf"), config.GlobalSettingsPath())
	})

	t.Run("falls back to home config dir", func(t *testing.T) {
		home := t.TempDir()
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", home)
		assert.Equal(t, filepath.Join(home, ".config", "dogfight", "trainer.conf"), config.GlobalSettingsPath())
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *config.Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(c *config.Config) {}},
		{name: "episodes and timesteps", mutate: func(c *config.Config) { c.Episodes = 10; c.Timesteps = 1000 }, wantErr: "mutually exclusive"},
		{name: "negative budget", mutate: func(c *config.Config) { c.Timesteps = -1 }, wantErr: "must not be negative"},
		{name: "stage zero", mutate: func(c *config.Config) { c.Stage = 0 }, wantErr: "stage must be at least 1"},
		{name: "max below start", mutate: func(c *config.Config) { c.Stage = 3; c.MaxStage = 2 }, wantErr: "below start stage"},
		{name: "max stage unset", mutate: func(c *config.Config) { c.Stage = 3; c.MaxStage = 0 }},
		{name: "no envs", mutate: func(c *config.Config) { c.NumEnvs = 0 }, wantErr: "num-envs"},
		{name: "zero window", mutate: func(c *config.Config) { c.WindowSize = 0 }, wantErr: "window-size"},
		{name: "negative min episodes", mutate: func(c *config.Config) { c.MinEpisodes = -5 }, wantErr: "min-episodes"},
		{name: "zero best cadence", mutate: func(c *config.Config) { c.BestCheckEvery = 0 }, wantErr: "best-check-every"},
		{name: "zero poll", mutate: func(c *config.Config) { c.ConfigPollSeconds = 0 }, wantErr: "intervals must be positive"},
		{name: "negative reply timeout", mutate: func(c *config.Config) { c.ReplyTimeout = -1 }, wantErr: "reply-timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
