// Package cli provides flag binding, validation and help text for the
// dogfight-trainer CLI.
package cli

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/k0der/SpaceInvaders/internal/config"
)

// BindFlags registers the trainer flags on cmd. Flag defaults are the
// current values in cfg, so bind against config.NewDefaultConfig().
// Call ValidateFlags after parsing to check flag combinations.
func BindFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()

	// Curriculum
	flags.IntVar(&cfg.Stage, "stage", cfg.Stage, "Curriculum stage to start from")
	flags.IntVar(&cfg.MaxStage, "max-stage", cfg.MaxStage, "Last stage for --auto-promote (default: highest in curriculum)")
	flags.StringVar(&cfg.Curriculum, "curriculum", cfg.Curriculum, "Curriculum file (.yaml or .toml)")
	flags.StringVar(&cfg.Checkpoint, "checkpoint", cfg.Checkpoint, "Checkpoint to resume the policy from")
	flags.BoolVar(&cfg.AutoPromote, "auto-promote", cfg.AutoPromote, "Advance through stages on promotion")
	flags.BoolVar(&cfg.EarlyStop, "early-stop", cfg.EarlyStop, "End a stage as soon as promotion is reached")
	flags.BoolVar(&cfg.ContinueAllStages, "continue-all-stages", cfg.ContinueAllStages, "Run later stages even when promotion is missed")

	// Budget
	flags.IntVar(&cfg.Timesteps, "timesteps", cfg.Timesteps, fmt.Sprintf("Step budget per stage (default %d)", config.DefaultTimesteps))
	flags.IntVar(&cfg.Episodes, "episodes", cfg.Episodes, "Episode budget per stage, times the start stage's maxTicks")

	// Promotion
	flags.IntVar(&cfg.MinEpisodes, "min-episodes-before-promote", cfg.MinEpisodes, "Episodes required before promotion")
	flags.IntVar(&cfg.WindowSize, "window-size", cfg.WindowSize, "Rolling win-rate window")
	flags.IntVar(&cfg.BestCheckEvery, "best-check-every", cfg.BestCheckEvery, "Episodes between best-checkpoint checks")
	flags.Float64Var(&cfg.ProgressPrintSeconds, "progress-print-seconds", cfg.ProgressPrintSeconds, "Seconds between progress lines")
	flags.Float64Var(&cfg.ConfigPollSeconds, "config-poll-seconds", cfg.ConfigPollSeconds, "Seconds between curriculum reload checks")

	// Simulation
	flags.IntVar(&cfg.NumEnvs, "num-envs", cfg.NumEnvs, "Parallel simulation workers")
	flags.StringVar(&cfg.Node, "node", cfg.Node, "Simulation runtime executable")
	flags.StringVar(&cfg.Simulate, "simulate", cfg.Simulate, "Simulation script")
	flags.IntVar(&cfg.ReplyTimeout, "reply-timeout", cfg.ReplyTimeout, "Seconds to wait for a worker reply (0 waits forever)")
	flags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "Policy random seed")

	// Paths
	flags.StringVar(&cfg.CheckpointDir, "checkpoint-dir", cfg.CheckpointDir, "Root directory for stage checkpoints")
	flags.StringVar(&cfg.LogDir, "log-dir", cfg.LogDir, "Telemetry and worker log directory")
	flags.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "Session state directory")
	flags.StringVar(&cfg.SnapshotPath, "snapshot-path", cfg.SnapshotPath, "Self-play opponent snapshot output")
	flags.StringVar(&cfg.SettingsFile, "settings", cfg.SettingsFile, "Path to additional settings file")

	// External commands
	flags.StringVar(&cfg.ExportCommand, "export-command", cfg.ExportCommand, "Snapshot exporter command")
	flags.StringVar(&cfg.NotifyCommand, "notify-command", cfg.NotifyCommand, "Command run with each notification message")

	// Feature toggles
	flags.BoolVarP(&cfg.Verbose, "verbose", "v", cfg.Verbose, "Show debug output")

	// Negation flags need special handling via Changed detection
	var noWatch bool
	flags.BoolVar(&noWatch, "no-watch", false, "Disable curriculum hot reload")

	// Session Management
	flags.BoolVar(&cfg.Resume, "resume", false, "Resume from last interrupted session")
	flags.BoolVar(&cfg.ResumeForce, "resume-force", false, "Resume even if the curriculum changed (implies --resume)")
	flags.BoolVar(&cfg.Clean, "clean", false, "Delete state directory and start fresh")
	flags.BoolVar(&cfg.Status, "status", false, "Show session status and exit")
	flags.BoolVar(&cfg.Cancel, "cancel", false, "Cancel active session and exit")
}

// ValidateFlags checks for invalid flag combinations after parsing.
// Must be called after cmd.Execute() or cmd.ParseFlags().
func ValidateFlags(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("episodes") && cmd.Flags().Changed("timesteps") {
		return fmt.Errorf("--episodes and --timesteps are mutually exclusive")
	}

	// --settings must exist if provided
	if cfg.SettingsFile != "" {
		if _, err := os.Stat(cfg.SettingsFile); err != nil {
			return fmt.Errorf("--settings: %w", err)
		}
	}

	// --resume-force implies --resume
	if cfg.ResumeForce {
		cfg.Resume = true
	}

	if cmd.Flags().Changed("no-watch") {
		cfg.Watch = false
	}

	if cfg.Resume && cfg.Clean {
		return fmt.Errorf("--resume and --clean are mutually exclusive")
	}

	return nil
}

// BuildOverrides returns the settings overrides for flags the user set
// explicitly. Flags left at their defaults are omitted so settings files
// are not overridden by default values.
func BuildOverrides(cmd *cobra.Command, cfg *config.Config) map[string]string {
	overrides := make(map[string]string)
	changed := cmd.Flags().Changed

	stringFlags := map[string]struct {
		key string
		val string
	}{
		"curriculum":     {"CURRICULUM", cfg.Curriculum},
		"checkpoint":     {"CHECKPOINT", cfg.Checkpoint},
		"node":           {"NODE", cfg.Node},
		"simulate":       {"SIMULATE", cfg.Simulate},
		"checkpoint-dir": {"CHECKPOINT_DIR", cfg.CheckpointDir},
		"log-dir":        {"LOG_DIR", cfg.LogDir},
		"state-dir":      {"STATE_DIR", cfg.StateDir},
		"snapshot-path":  {"SNAPSHOT_PATH", cfg.SnapshotPath},
		"export-command": {"EXPORT_COMMAND", cfg.ExportCommand},
		"notify-command": {"NOTIFY_COMMAND", cfg.NotifyCommand},
	}
	for flag, mapping := range stringFlags {
		if changed(flag) {
			overrides[mapping.key] = mapping.val
		}
	}

	intFlags := map[string]struct {
		key string
		val int
	}{
		"stage":                       {"STAGE", cfg.Stage},
		"max-stage":                   {"MAX_STAGE", cfg.MaxStage},
		"timesteps":                   {"TIMESTEPS", cfg.Timesteps},
		"episodes":                    {"EPISODES", cfg.Episodes},
		"num-envs":                    {"NUM_ENVS", cfg.NumEnvs},
		"min-episodes-before-promote": {"MIN_EPISODES_BEFORE_PROMOTE", cfg.MinEpisodes},
		"window-size":                 {"WINDOW_SIZE", cfg.WindowSize},
		"best-check-every":            {"BEST_CHECK_EVERY", cfg.BestCheckEvery},
		"reply-timeout":               {"REPLY_TIMEOUT", cfg.ReplyTimeout},
	}
	for flag, mapping := range intFlags {
		if changed(flag) {
			overrides[mapping.key] = strconv.Itoa(mapping.val)
		}
	}
	if changed("seed") {
		overrides["SEED"] = strconv.FormatInt(cfg.Seed, 10)
	}

	floatFlags := map[string]struct {
		key string
		val float64
	}{
		"progress-print-seconds": {"PROGRESS_PRINT_SECONDS", cfg.ProgressPrintSeconds},
		"config-poll-seconds":    {"CONFIG_POLL_SECONDS", cfg.ConfigPollSeconds},
	}
	for flag, mapping := range floatFlags {
		if changed(flag) {
			overrides[mapping.key] = strconv.FormatFloat(mapping.val, 'g', -1, 64)
		}
	}

	boolFlags := map[string]struct {
		key string
		val bool
	}{
		"auto-promote":        {"AUTO_PROMOTE", cfg.AutoPromote},
		"early-stop":          {"EARLY_STOP", cfg.EarlyStop},
		"continue-all-stages": {"CONTINUE_ALL_STAGES", cfg.ContinueAllStages},
		"verbose":             {"VERBOSE", cfg.Verbose},
	}
	for flag, mapping := range boolFlags {
		if changed(flag) {
			overrides[mapping.key] = strconv.FormatBool(mapping.val)
		}
	}

	// Handle negation flags
	if changed("no-watch") {
		overrides["WATCH"] = "false"
	}

	return overrides
}
