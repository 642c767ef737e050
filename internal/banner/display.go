// Package banner prints the colored banners that frame a training run:
// startup, each stage, stage results, and how the run ended.
package banner

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/k0der/SpaceInvaders/internal/logging"
)

var (
	headerColor  = color.New(color.FgCyan, color.Bold).SprintFunc()
	successColor = color.New(color.FgGreen, color.Bold).SprintFunc()
	errorColor   = color.New(color.FgRed, color.Bold).SprintFunc()
	warnColor    = color.New(color.FgYellow, color.Bold).SprintFunc()
)

const rule = "═══════════════════════════════════════════════════"

func line(format string, args ...any) {
	logging.Plain(fmt.Sprintf(format, args...))
}

// StartupInfo describes a run at launch.
type StartupInfo struct {
	RunID      string
	Curriculum string
	StartStage int
	MaxStage   int
	NumEnvs    int
	StepBudget int
	Resumed    bool
}

// PrintStartupBanner displays the run header.
//
//	═══════════════════════════════════════════════════
//	  dogfight-trainer - curriculum training
//	═══════════════════════════════════════════════════
//	  Run:        6f1c...
//	  Curriculum: config.yaml
//	  Stages:     1 → 5
//	  Envs:       4
//	  Budget:     200000 steps per stage
//	═══════════════════════════════════════════════════
func PrintStartupBanner(info StartupInfo) {
	sep := headerColor(rule)
	logging.Plain(sep)
	title := "  dogfight-trainer - curriculum training"
	if info.Resumed {
		title += " (resumed)"
	}
	logging.Plain(headerColor(title))
	logging.Plain(sep)
	line("  Run:        %s", info.RunID)
	line("  Curriculum: %s", info.Curriculum)
	if info.MaxStage > info.StartStage {
		line("  Stages:     %d → %d", info.StartStage, info.MaxStage)
	} else {
		line("  Stages:     %d", info.StartStage)
	}
	line("  Envs:       %d", info.NumEnvs)
	line("  Budget:     %d steps per stage", info.StepBudget)
	logging.Plain(sep)
}

// StageInfo describes a stage about to train.
type StageInfo struct {
	Stage       int
	Description string
	NumEnvs     int
	StepBudget  int
	EarlyStop   bool
	Threshold   float64
	MinEpisodes int
	Window      int
	ProgressSec float64
	Env         map[string]any
}

// PrintStageBanner displays the per-stage header.
func PrintStageBanner(info StageInfo) {
	sep := strings.Repeat("=", 60)
	logging.Plain("")
	logging.Plain(sep)
	line("Stage %d: %s", info.Stage, info.Description)
	line("  Envs: %d  Timesteps budget: %d  Early-stop: %t", info.NumEnvs, info.StepBudget, info.EarlyStop)
	line("  Promotion threshold: %.0f%%  Min episodes: %d  Window: %d", info.Threshold*100, info.MinEpisodes, info.Window)
	line("  Progress print: every %.0fs", info.ProgressSec)
	line("  Config: %v", info.Env)
	logging.Plain(sep)
	logging.Plain("")
}

// StageSummary is the result of a finished stage.
type StageSummary struct {
	Stage       int
	ElapsedSecs float64
	Episodes    int
	Window      int
	WinRate     *float64
	Checkpoint  string
	Meta        string
}

// PrintStageSummary displays the stage result block.
func PrintStageSummary(s StageSummary) {
	logging.Plain("")
	line("  Stage %d complete in %.1fs", s.Stage, s.ElapsedSecs)
	line("  Episodes counted: %d", s.Episodes)
	if s.WinRate != nil {
		line("  Rolling win rate (last %d): %.1f%%", min(s.Window, s.Episodes), *s.WinRate*100)
	}
	line("  Checkpoint saved: %s", s.Checkpoint)
	line("  Meta saved: %s", s.Meta)
}

// PrintPromotedBanner announces a promotion.
func PrintPromotedBanner(next int, snapshot string) {
	logging.Plain("")
	logging.Plain(successColor(fmt.Sprintf("  Promoted to stage %d!", next)))
	if snapshot != "" {
		line("  Self-play snapshot exported: %s", snapshot)
	}
}

// PrintNotPromotedBanner announces a missed promotion. stopping says
// whether the curriculum ends here.
func PrintNotPromotedBanner(stage int, stopping bool) {
	logging.Plain("")
	logging.Plain(warnColor(fmt.Sprintf("  Stage %d: promotion threshold not reached.", stage)))
	if stopping {
		logging.Plain("  Stopping (use --continue-all-stages to force running later stages).")
	}
}

// PrintCompletionBanner displays the end-of-run summary.
//
//	═══════════════════════════════════════════════════
//	  ✓ Curriculum finished
//	  Stages:     3
//	  Duration:   1h 23m 45s (5025s)
//	═══════════════════════════════════════════════════
func PrintCompletionBanner(stages int, durationSecs int) {
	sep := successColor(rule)
	logging.Plain(sep)
	logging.Plain(successColor("  ✓ Curriculum finished"))
	line("  Stages:     %d", stages)
	line("  Duration:   %s (%ds)", logging.FormatDuration(durationSecs), durationSecs)
	logging.Plain(sep)
}

// PrintStoppedBanner displays a curriculum stopped on a missed promotion.
func PrintStoppedBanner(stage int, winRate string, threshold float64) {
	sep := warnColor(rule)
	logging.Plain(sep)
	logging.Plain(warnColor(fmt.Sprintf("  ⚠ Stopped at stage %d", stage)))
	line("  Win rate:   %s (threshold %.0f%%)", winRate, threshold*100)
	logging.Plain("  Use --resume to retrain this stage")
	logging.Plain(sep)
}

// PrintInterruptedBanner displays when the run is interrupted.
func PrintInterruptedBanner(stage int, steps int) {
	sep := warnColor(rule)
	logging.Plain(sep)
	logging.Plain(warnColor("  ⚠ Training interrupted"))
	line("  Stage:      %d", stage)
	line("  Steps:      %d", steps)
	logging.Plain("  Use --resume to continue from this point")
	logging.Plain(sep)
}

// PrintErrorBanner displays a fatal error.
func PrintErrorBanner(msg string) {
	sep := errorColor(rule)
	logging.Plain(sep)
	logging.Plain(errorColor("  ✗ " + msg))
	logging.Plain(sep)
}

// StageRow is one stage line in the status banner.
type StageRow struct {
	Stage    int
	Episodes int
	WinRate  string
	Promoted bool
}

// StatusInfo describes a saved session for --status.
type StatusInfo struct {
	RunID       string
	Status      string
	Stage       int
	StartStage  int
	MaxStage    int
	Checkpoint  string
	Curriculum  string
	StartedAt   string
	LastUpdated string
	Stages      []StageRow
}

// PrintStatusBanner displays the saved session.
func PrintStatusBanner(info StatusInfo) {
	sep := strings.Repeat("─", 50)
	logging.Plain(sep)
	line("  Run:        %s", info.RunID)
	line("  Status:     %s", info.Status)
	line("  Stage:      %d (of %d → %d)", info.Stage, info.StartStage, info.MaxStage)
	if info.Checkpoint != "" {
		line("  Checkpoint: %s", info.Checkpoint)
	}
	line("  Curriculum: %s", info.Curriculum)
	line("  Started:    %s", info.StartedAt)
	line("  Updated:    %s", info.LastUpdated)
	if len(info.Stages) > 0 {
		logging.Plain("  Stages:")
		for _, s := range info.Stages {
			mark := "✗"
			if s.Promoted {
				mark = "✓"
			}
			line("    %s stage %d  episodes=%d  win_rate=%s", mark, s.Stage, s.Episodes, s.WinRate)
		}
	}
	logging.Plain(sep)
}
