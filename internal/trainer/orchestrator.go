// Package trainer runs the curriculum: stages strictly in sequence, each with
// a fresh worker pool and trackers, deciding after every stage whether to
// promote, stop or carry on.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/k0der/SpaceInvaders/internal/banner"
	"github.com/k0der/SpaceInvaders/internal/bridge"
	"github.com/k0der/SpaceInvaders/internal/config"
	"github.com/k0der/SpaceInvaders/internal/exitcode"
	"github.com/k0der/SpaceInvaders/internal/export"
	"github.com/k0der/SpaceInvaders/internal/logging"
	"github.com/k0der/SpaceInvaders/internal/notification"
	"github.com/k0der/SpaceInvaders/internal/registry"
	"github.com/k0der/SpaceInvaders/internal/state"
)

// Orchestrator runs the curriculum state machine.
type Orchestrator struct {
	Config   *config.Config
	StateDir string

	// Worker overrides the simulation command built from Config when its
	// Executable is set.
	Worker bridge.Config
	// Preflight checks the worker command before any stage starts.
	// Defaults to bridge.Preflight.
	Preflight func(bridge.Config) error
	// Exporter overrides the snapshot exporter built from the curriculum.
	Exporter *export.Exporter
	// Notify delivers operator notifications. Defaults to running
	// Config.NotifyCommand.
	Notify func(message string)

	now        func() time.Time
	session    *state.SessionState
	resumed    bool
	curriculum *config.Curriculum
	lastStage  int
	budget     int
	registry   *registry.Registry
	startTime  time.Time
}

// NewOrchestrator creates an orchestrator for cfg.
func NewOrchestrator(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		Config:   cfg,
		StateDir: cfg.StateDir,
		now:      time.Now,
	}
}

// Run executes the curriculum and returns a process exit code.
func (o *Orchestrator) Run(ctx context.Context) int {
	if o.now == nil {
		o.now = time.Now
	}
	o.startTime = o.now()

	// Phase 1: Init
	if code := o.phaseInit(); code >= 0 {
		return code
	}
	defer o.closeRegistry()

	// Phase 2: Session flags
	if code := o.phaseSession(ctx); code >= 0 {
		return code
	}

	// Phase 3: Curriculum
	if code := o.phaseCurriculum(); code >= 0 {
		return code
	}

	// Phase 4: Worker preflight
	if code := o.phasePreflight(); code >= 0 {
		return code
	}

	// Phase 5: Banner
	o.phaseBanner(ctx)

	// Phase 6: Stage loop
	return o.phaseStageLoop(ctx)
}

func (o *Orchestrator) phaseInit() int {
	if o.Config.Clean {
		logging.Info("Cleaning state directory...")
		if err := state.Clean(o.StateDir); err != nil {
			logging.Warn(fmt.Sprintf("Failed to clean state directory: %v", err))
		}
	}
	if err := state.InitStateDir(o.StateDir); err != nil {
		logging.Error(fmt.Sprintf("Failed to init state dir: %v", err))
		return exitcode.Error
	}

	reg, err := registry.Open(filepath.Join(o.StateDir, registry.FileName))
	if err != nil {
		logging.Warn(fmt.Sprintf("Run registry unavailable: %v", err))
	} else {
		o.registry = reg
	}
	return -1
}

func (o *Orchestrator) phaseSession(ctx context.Context) int {
	// Handle --status flag: show session status and exit
	if o.Config.Status {
		existing, err := state.LoadState(o.StateDir)
		if err != nil {
			logging.Info("No active session found.")
			return exitcode.Success
		}
		o.printStatus(ctx, existing)
		return exitcode.Success
	}

	// Handle --cancel flag: mark session as cancelled and exit
	if o.Config.Cancel {
		existing, err := state.LoadState(o.StateDir)
		if err != nil {
			logging.Info("No active session found.")
			return exitcode.Success
		}
		existing.Status = state.StatusCancelled
		existing.LastUpdated = o.timestamp()
		if err := state.SaveState(existing, o.StateDir); err != nil {
			logging.Warn(fmt.Sprintf("Failed to save cancelled state: %v", err))
		}
		o.session = existing
		o.finishRun(ctx, state.StatusCancelled)
		logging.Info("Session cancelled.")
		return exitcode.Success
	}

	if !o.Config.Resume {
		return -1
	}

	existing, err := state.LoadState(o.StateDir)
	if err != nil {
		logging.Error(fmt.Sprintf("Cannot resume: %v", err))
		return exitcode.Error
	}
	if err := state.ResumeFromState(existing, existing.Curriculum, o.Config.ResumeForce); err != nil {
		logging.Error(fmt.Sprintf("Resume failed: %v", err))
		return exitcode.Error
	}

	// Training continues with the settings the session was started with.
	o.session = existing
	o.resumed = true
	o.Config.Curriculum = existing.Curriculum
	o.Config.Stage = existing.Stage
	o.Config.MaxStage = existing.MaxStage
	o.Config.NumEnvs = existing.NumEnvs
	o.Config.AutoPromote = existing.AutoPromote
	o.Config.ContinueAllStages = existing.ContinueAllStages
	o.Config.Timesteps = existing.StepBudget
	o.Config.Episodes = 0
	o.Config.Checkpoint = ""
	if existing.Checkpoint != nil {
		o.Config.Checkpoint = *existing.Checkpoint
	}

	logging.Info(fmt.Sprintf("Resuming run %s at stage %d", existing.RunID, existing.Stage))
	return -1
}

func (o *Orchestrator) printStatus(ctx context.Context, s *state.SessionState) {
	info := banner.StatusInfo{
		RunID:       s.RunID,
		Status:      s.Status,
		Stage:       s.Stage,
		StartStage:  s.StartStage,
		MaxStage:    s.MaxStage,
		Curriculum:  s.Curriculum,
		StartedAt:   s.StartedAt,
		LastUpdated: s.LastUpdated,
	}
	if s.Checkpoint != nil {
		info.Checkpoint = *s.Checkpoint
	}

	var rows []banner.StageRow
	if o.registry != nil {
		stages, err := o.registry.Stages(ctx, s.RunID)
		if err != nil {
			logging.Debug(fmt.Sprintf("Registry stages unavailable: %v", err))
		}
		for _, st := range stages {
			rows = append(rows, banner.StageRow{
				Stage:    st.Stage,
				Episodes: st.Episodes,
				WinRate:  formatRate(st.WinRate),
				Promoted: st.Promoted,
			})
		}
	}
	if len(rows) == 0 {
		for _, rec := range s.CompletedStages {
			rows = append(rows, banner.StageRow{
				Stage:    rec.Stage,
				Episodes: rec.Episodes,
				WinRate:  formatRate(rec.WinRate),
				Promoted: rec.Promoted,
			})
		}
	}
	info.Stages = rows
	banner.PrintStatusBanner(info)
}

func (o *Orchestrator) phaseCurriculum() int {
	logging.Phase("Loading curriculum")

	cur, err := config.LoadCurriculum(o.Config.Curriculum)
	if err != nil {
		banner.PrintErrorBanner(fmt.Sprintf("Cannot load curriculum: %v", err))
		return exitcode.Error
	}
	o.curriculum = cur

	first := o.Config.Stage
	last := first
	switch {
	case o.resumed:
		// Empty when the session already finished its last stage.
		last = o.session.MaxStage
	case o.Config.AutoPromote && o.Config.MaxStage > 0:
		last = o.Config.MaxStage
	case o.Config.AutoPromote:
		last = max(cur.MaxStage(), first)
	}

	// Every stage in range must exist before any worker is spawned.
	for n := first; n <= last; n++ {
		if _, err := cur.Stage(n); err != nil {
			banner.PrintErrorBanner(err.Error())
			return exitcode.StageNotFound
		}
	}
	o.lastStage = last

	startSpec, _ := cur.Stage(first)
	o.budget = o.Config.StepBudget(startSpec.MaxTicks())

	hash, err := state.HashFile(cur.Path)
	if err != nil {
		logging.Error(fmt.Sprintf("Failed to hash curriculum: %v", err))
		return exitcode.Error
	}

	if o.session == nil {
		now := o.timestamp()
		o.session = &state.SessionState{
			SchemaVersion:     state.SchemaVersion,
			RunID:             registry.NewRunID(),
			StartedAt:         now,
			LastUpdated:       now,
			Status:            state.StatusInProgress,
			Stage:             first,
			StartStage:        first,
			MaxStage:          last,
			Curriculum:        cur.Path,
			CurriculumHash:    hash,
			StepBudget:        o.budget,
			NumEnvs:           o.Config.NumEnvs,
			AutoPromote:       o.Config.AutoPromote,
			ContinueAllStages: o.Config.ContinueAllStages,
		}
		if o.Config.Checkpoint != "" {
			ckpt := o.Config.Checkpoint
			o.session.Checkpoint = &ckpt
		}
	} else {
		// A forced resume adopts the edited curriculum.
		o.session.CurriculumHash = hash
		o.session.LastUpdated = o.timestamp()
	}
	o.saveState()

	logging.Info(fmt.Sprintf("Curriculum %s: stages %v", cur.Path, cur.StageNumbers()))
	return -1
}

func (o *Orchestrator) phasePreflight() int {
	check := o.Preflight
	if check == nil {
		check = bridge.Preflight
	}
	if err := check(o.workerConfig()); err != nil {
		banner.PrintErrorBanner(fmt.Sprintf("Simulation preflight failed: %v", err))
		return exitcode.Error
	}
	return -1
}

func (o *Orchestrator) phaseBanner(ctx context.Context) {
	banner.PrintStartupBanner(banner.StartupInfo{
		RunID:      o.session.RunID,
		Curriculum: o.curriculum.Path,
		StartStage: o.session.Stage,
		MaxStage:   o.lastStage,
		NumEnvs:    o.Config.NumEnvs,
		StepBudget: o.budget,
		Resumed:    o.resumed,
	})

	if o.registry == nil {
		return
	}
	started, err := time.Parse(time.RFC3339, o.session.StartedAt)
	if err != nil {
		started = o.startTime
	}
	err = o.registry.StartRun(ctx, registry.Run{
		ID:         o.session.RunID,
		StartedAt:  started,
		Curriculum: o.curriculum.Path,
		StartStage: o.session.StartStage,
		MaxStage:   o.lastStage,
		Status:     state.StatusInProgress,
	})
	if err != nil {
		logging.Warn(fmt.Sprintf("Registry: %v", err))
	}
}

func (o *Orchestrator) phaseStageLoop(ctx context.Context) int {
	logging.Phase("Training")

	ckpt := o.Config.Checkpoint
	completed := 0
	for n := o.session.Stage; n <= o.lastStage; n++ {
		if ctx.Err() != nil {
			return o.interrupted(ctx, n, 0)
		}

		spec, err := o.curriculum.Stage(n)
		if err != nil {
			banner.PrintErrorBanner(err.Error())
			return exitcode.StageNotFound
		}
		o.session.Stage = n
		o.saveState()

		res, err := o.runStage(ctx, spec, ckpt, o.budget)
		if err != nil {
			return o.failed(ctx, n, err)
		}
		if res.Interrupted {
			// The partial stage resumes from its own checkpoint.
			partial := res.FinalCheckpoint
			o.session.Checkpoint = &partial
			return o.interrupted(ctx, n, res.Steps)
		}

		ckpt = res.FinalCheckpoint
		completed++
		o.recordStage(ctx, res)
		o.session.RecordStage(state.StageRecord{
			Stage:           n,
			Promoted:        res.Promoted,
			Episodes:        res.Episodes,
			WinRate:         res.WinRate,
			Steps:           res.Steps,
			FinalCheckpoint: res.FinalCheckpoint,
		}, n+1)
		o.saveState()

		if !o.Config.AutoPromote || n == o.lastStage {
			if res.Promoted {
				logging.Success(fmt.Sprintf("Stage %d reached its promotion threshold", n))
			} else {
				banner.PrintNotPromotedBanner(n, false)
			}
			break
		}

		if res.Promoted {
			snapshot := o.exportSnapshot(ctx, n, ckpt)
			banner.PrintPromotedBanner(n+1, snapshot)
			o.notify(notification.EventPromoted, n, res.WinRate, exitcode.Success)
			continue
		}

		stopping := !o.Config.ContinueAllStages
		banner.PrintNotPromotedBanner(n, stopping)
		if stopping {
			return o.stopped(ctx, res)
		}
	}
	return o.complete(ctx, completed)
}

// exportSnapshot refreshes the self-play opponent when the stage being
// entered asks for it. It returns the snapshot path, or "" when nothing was
// exported. Failures are logged and recorded, never fatal.
func (o *Orchestrator) exportSnapshot(ctx context.Context, stage int, finalCheckpoint string) string {
	next, err := o.curriculum.Stage(stage + 1)
	if err != nil || !next.ExportSnapshotOnPromotion {
		return ""
	}

	exp := o.Exporter
	if exp == nil {
		argv := o.curriculum.Export.Command
		if len(argv) == 0 {
			argv = strings.Fields(o.Config.ExportCommand)
		}
		exp = export.New(argv)
		exp.Retry.OnRetry = func(attempt int, delay time.Duration, err error) {
			logging.Warn(fmt.Sprintf("Snapshot export attempt %d failed: %v. Retrying in %s", attempt+1, err, delay))
		}
	}
	output := o.curriculum.Export.Output
	if output == "" {
		output = o.Config.SnapshotPath
	}

	if err := exp.Export(ctx, finalCheckpoint, output); err != nil {
		logging.Warn(fmt.Sprintf("Self-play snapshot not exported: %v", err))
		o.recordEvent(ctx, stage, registry.EventExportFailed, err.Error())
		return ""
	}
	o.recordEvent(ctx, stage, registry.EventSnapshotExport, output)
	return output
}

func (o *Orchestrator) complete(ctx context.Context, stages int) int {
	o.session.Status = state.StatusComplete
	o.saveState()
	o.finishRun(ctx, state.StatusComplete)
	banner.PrintCompletionBanner(stages, int(o.now().Sub(o.startTime).Seconds()))
	o.notify(notification.EventCompleted, o.lastCompletedStage(), nil, exitcode.Success)
	return exitcode.Success
}

func (o *Orchestrator) stopped(ctx context.Context, res StageResult) int {
	o.session.Status = state.StatusStopped
	// A stopped run retrains the missed stage on resume.
	o.session.Stage = res.Stage
	o.saveState()
	o.recordEvent(ctx, res.Stage, registry.EventStageStopped, fmt.Sprintf("win_rate=%s threshold=%.4f", formatRate(res.WinRate), res.Threshold))
	o.finishRun(ctx, state.StatusStopped)
	banner.PrintStoppedBanner(res.Stage, formatRate(res.WinRate), res.Threshold)
	o.notify(notification.EventStopped, res.Stage, res.WinRate, exitcode.NotPromoted)
	return exitcode.NotPromoted
}

func (o *Orchestrator) interrupted(ctx context.Context, stage, steps int) int {
	o.session.Status = state.StatusInterrupted
	o.session.Stage = stage
	o.saveState()
	o.finishRun(ctx, state.StatusInterrupted)
	banner.PrintInterruptedBanner(stage, steps)
	o.notify(notification.EventInterrupted, stage, nil, exitcode.Interrupted)
	return exitcode.Interrupted
}

func (o *Orchestrator) failed(ctx context.Context, stage int, err error) int {
	o.session.Status = state.StatusInterrupted
	o.session.Stage = stage
	o.saveState()
	o.finishRun(ctx, state.StatusInterrupted)
	banner.PrintErrorBanner(err.Error())
	o.notify(notification.EventFailed, stage, nil, exitcode.Error)
	if errors.Is(err, ErrNoLiveWorkers) {
		logging.Error("Check --node, --simulate and the worker logs in " + o.Config.LogDir)
	}
	return exitcode.Error
}

func (o *Orchestrator) lastCompletedStage() int {
	if n := len(o.session.CompletedStages); n > 0 {
		return o.session.CompletedStages[n-1].Stage
	}
	return o.session.Stage
}

// workerConfig returns the simulation command for every pool slot.
func (o *Orchestrator) workerConfig() bridge.Config {
	if o.Worker.Executable != "" {
		return o.Worker
	}
	cfg := bridge.Config{
		Executable:   o.Config.Node,
		LogDir:       o.Config.LogDir,
		ReplyTimeout: time.Duration(o.Config.ReplyTimeout) * time.Second,
	}
	if o.Config.Simulate != "" {
		cfg.Args = []string{o.Config.Simulate}
	}
	return cfg
}

func (o *Orchestrator) notify(event string, stage int, winRate *float64, code int) {
	runID := ""
	if o.session != nil {
		runID = o.session.RunID
	}
	msg := notification.FormatEvent(event, runID, stage, formatRate(winRate), code)
	if o.Notify != nil {
		o.Notify(msg)
		return
	}
	notification.SendNotification(o.Config.NotifyCommand, msg)
}

func (o *Orchestrator) saveState() {
	o.session.LastUpdated = o.timestamp()
	if err := state.SaveState(o.session, o.StateDir); err != nil {
		logging.Warn(fmt.Sprintf("Failed to save state: %v", err))
	}
}

func (o *Orchestrator) timestamp() string {
	return o.now().Format(time.RFC3339)
}

// Registry writes ignore cancellation so an interrupted run's history is
// still complete.
func (o *Orchestrator) recordEvent(ctx context.Context, stage int, kind, detail string) {
	if o.registry == nil {
		return
	}
	err := o.registry.RecordEvent(context.WithoutCancel(ctx), o.session.RunID, registry.Event{
		Stage:     stage,
		Kind:      kind,
		Detail:    detail,
		CreatedAt: o.now(),
	})
	if err != nil {
		logging.Warn(fmt.Sprintf("Registry: %v", err))
	}
}

func (o *Orchestrator) recordStage(ctx context.Context, res StageResult) {
	if o.registry == nil {
		return
	}
	err := o.registry.RecordStage(context.WithoutCancel(ctx), o.session.RunID, registry.StageResult{
		Stage:           res.Stage,
		Episodes:        res.Episodes,
		WinRate:         res.WinRate,
		Threshold:       res.Threshold,
		Promoted:        res.Promoted,
		Steps:           res.Steps,
		Crashes:         res.Crashes,
		FinalCheckpoint: res.FinalCheckpoint,
		FinishedAt:      o.now(),
	})
	if err != nil {
		logging.Warn(fmt.Sprintf("Registry: %v", err))
	}
}

func (o *Orchestrator) finishRun(ctx context.Context, status string) {
	if o.registry == nil || o.session == nil {
		return
	}
	if err := o.registry.FinishRun(context.WithoutCancel(ctx), o.session.RunID, status, o.now()); err != nil {
		logging.Debug(fmt.Sprintf("Registry: %v", err))
	}
}

func (o *Orchestrator) closeRegistry() {
	if o.registry == nil {
		return
	}
	if err := o.registry.Close(); err != nil {
		logging.Debug(fmt.Sprintf("Registry close: %v", err))
	}
}

// formatRate renders a win rate as "82.5%", or "n/a" when undefined.
func formatRate(wr *float64) string {
	if wr == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *wr*100)
}
