package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/k0der/SpaceInvaders/internal/cli"
	"github.com/k0der/SpaceInvaders/internal/config"
	"github.com/k0der/SpaceInvaders/internal/dash"
	"github.com/k0der/SpaceInvaders/internal/logging"
	sighandler "github.com/k0der/SpaceInvaders/internal/signal"
	"github.com/k0der/SpaceInvaders/internal/trainer"
)

// version vars injected via ldflags at build time
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	cfg := config.NewDefaultConfig()

	rootCmd := &cobra.Command{
		Use:     "dogfight-trainer",
		Short:   "Curriculum training orchestrator for the dogfight agent",
		Long:    "dogfight-trainer drives simulation workers through a staged curriculum, promoting the policy when its rolling win rate clears each stage's threshold.",
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cli.ValidateFlags(cmd, cfg); err != nil {
				return err
			}
			return runTrainer(cmd, cfg)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cli.BindFlags(rootCmd, cfg)
	cli.SetCustomHelp(rootCmd)
	rootCmd.AddCommand(newDashCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDashCmd() *cobra.Command {
	var (
		stage  int
		logDir string
	)
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Show a stage's training telemetry",
		Long:  "Renders the stage's telemetry snapshot and refreshes as training writes it. Prints a one-shot summary when stdout is not a terminal.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stage < 1 {
				return fmt.Errorf("--stage must be at least 1")
			}
			return dash.Run(cmd.Context(), dash.Options{LogDir: logDir, Stage: stage, Out: cmd.OutOrStdout()})
		},
		SilenceUsage: true,
	}
	cmd.Flags().IntVar(&stage, "stage", 1, "Curriculum stage to show")
	cmd.Flags().StringVar(&logDir, "log-dir", config.NewDefaultConfig().LogDir, "Telemetry directory")
	return cmd
}

func runTrainer(cmd *cobra.Command, cfg *config.Config) error {
	// CLI flags are bound to cfg; layer the settings files beneath them.
	finalCfg, err := config.LoadWithPrecedence(
		config.GlobalSettingsPath(),
		config.ProjectSettingsPath,
		cfg.SettingsFile,
		cli.BuildOverrides(cmd, cfg),
	)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// Merge CLI-only flags (not in settings files)
	finalCfg.SettingsFile = cfg.SettingsFile
	finalCfg.Resume = cfg.Resume
	finalCfg.ResumeForce = cfg.ResumeForce
	finalCfg.Clean = cfg.Clean
	finalCfg.Status = cfg.Status
	finalCfg.Cancel = cfg.Cancel
	cfg = finalCfg

	if err := cfg.Validate(); err != nil {
		return err
	}

	logging.SetVerbose(cfg.Verbose)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := sighandler.SetupSignalHandler(ctx, cancel, func() {
		logging.Warn("Interrupted, finishing the current tick and saving...")
	})
	defer stop()

	exitCode := trainer.NewOrchestrator(cfg).Run(ctx)
	stop()
	cancel()
	os.Exit(exitCode)
	return nil // unreachable
}
