package trainer

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/k0der/SpaceInvaders/internal/bridge"
	"github.com/k0der/SpaceInvaders/internal/bridge/bridgetest"
	"github.com/k0der/SpaceInvaders/internal/checkpoint"
	"github.com/k0der/SpaceInvaders/internal/config"
	"github.com/k0der/SpaceInvaders/internal/exitcode"
	"github.com/k0der/SpaceInvaders/internal/export"
	"github.com/k0der/SpaceInvaders/internal/logging"
	"github.com/k0der/SpaceInvaders/internal/policy"
	"github.com/k0der/SpaceInvaders/internal/registry"
	"github.com/k0der/SpaceInvaders/internal/state"
	"github.com/k0der/SpaceInvaders/internal/telemetry"
)

func TestMain(m *testing.M) {
	bridgetest.RunIfRequested()
	os.Exit(m.Run())
}

const curriculumYAML = `stages:
  1:
    description: basics
    promotionThreshold: 0.8
    maxTicks: 2
  2:
    description: shooting
    promotionThreshold: 0.8
    exportSnapshotOnPromotion: true
  3:
    description: self-play
    promotionThreshold: 0.8
ppo:
  learning_rate: 0.0003
`

type harness struct {
	cfg      *config.Config
	orch     *Orchestrator
	out      *bytes.Buffer
	messages []string
}

// newHarness builds an orchestrator over fake workers that finish an episode
// every two steps. With two workers and 40 steps a stage counts 20 episodes.
func newHarness(t *testing.T, opts bridgetest.Options) *harness {
	t.Helper()
	color.NoColor = true

	dir := t.TempDir()
	curriculum := filepath.Join(dir, "curriculum.yaml")
	require.NoError(t, os.WriteFile(curriculum, []byte(curriculumYAML), 0o644))

	cfg := config.NewDefaultConfig()
	cfg.Curriculum = curriculum
	cfg.NumEnvs = 2
	cfg.Timesteps = 40
	cfg.WindowSize = 5
	cfg.MinEpisodes = 5
	cfg.BestCheckEvery = 5
	cfg.Watch = false
	cfg.CheckpointDir = filepath.Join(dir, "checkpoints")
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.SnapshotPath = filepath.Join(dir, "selfplay", "opponent.onnx")

	if opts.EpisodeLen == 0 {
		opts.EpisodeLen = 2
	}

	h := &harness{cfg: cfg, out: &bytes.Buffer{}}
	logging.SetOutput(h.out, h.out)
	t.Cleanup(func() { logging.SetOutput(nil, nil) })

	h.orch = h.newOrchestrator(opts)
	return h
}

func (h *harness) newOrchestrator(opts bridgetest.Options) *Orchestrator {
	if opts.EpisodeLen == 0 {
		opts.EpisodeLen = 2
	}
	o := NewOrchestrator(h.cfg)
	o.Worker = bridgetest.Config(opts)
	o.Preflight = func(bridge.Config) error { return nil }
	o.Exporter = &export.Exporter{
		Command: []string{"sh", "-c", `mkdir -p "$(dirname "$4")" && cp "$2" "$4"`, "export"},
		Retry:   export.RetryConfig{BaseDelay: time.Millisecond},
	}
	o.Notify = func(msg string) { h.messages = append(h.messages, msg) }
	return o
}

func (h *harness) state(t *testing.T) *state.SessionState {
	t.Helper()
	s, err := state.LoadState(h.cfg.StateDir)
	require.NoError(t, err)
	return s
}

func (h *harness) registry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.Open(filepath.Join(h.cfg.StateDir, registry.FileName))
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

func TestRun_SingleStage(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())

	stageDir := checkpoint.StageDir(h.cfg.CheckpointDir, 1)
	assert.FileExists(t, checkpoint.FinalPath(stageDir))
	assert.FileExists(t, checkpoint.BestPath(stageDir))

	meta, err := checkpoint.LoadMeta(stageDir)
	require.NoError(t, err)
	assert.Equal(t, 1, meta.Stage)
	assert.Equal(t, 20, meta.EpisodesCounted)
	assert.Equal(t, 40, meta.TimestepsBudget)
	assert.Equal(t, 5, meta.WindowSize)
	require.NotNil(t, meta.RollingWinRate)
	assert.InDelta(t, 1.0, *meta.RollingWinRate, 1e-9)
	assert.InDelta(t, 0.0003, meta.PPOConfig["learning_rate"], 1e-12)

	bestMeta, err := checkpoint.LoadBestMeta(stageDir)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, bestMeta.WinRate, 1e-9)

	entries, skipped, err := telemetry.ReadLog(telemetry.LogPath(h.cfg.LogDir, 1))
	require.NoError(t, err)
	assert.Zero(t, skipped)
	require.NotEmpty(t, entries)
	assert.Equal(t, 20, entries[len(entries)-1].Episodes)

	s := h.state(t)
	assert.Equal(t, state.StatusComplete, s.Status)
	require.Len(t, s.CompletedStages, 1)
	assert.True(t, s.CompletedStages[0].Promoted)
	assert.Equal(t, 40, s.CompletedStages[0].Steps)

	// Without auto-promote only the requested stage runs.
	assert.NoDirExists(t, checkpoint.StageDir(h.cfg.CheckpointDir, 2))
	assert.Contains(t, h.out.String(), "Stage 1: basics")
	assert.Contains(t, h.out.String(), "Episodes counted: 20")
	require.Len(t, h.messages, 1)
	assert.Contains(t, h.messages[0], "curriculum finished")
}

func TestRun_AutoPromoteExportsSnapshot(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	h.cfg.AutoPromote = true

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())

	for n := 1; n <= 3; n++ {
		assert.FileExists(t, checkpoint.FinalPath(checkpoint.StageDir(h.cfg.CheckpointDir, n)))
	}

	// Stage 2 asks for a fresh opponent when it is entered.
	snapshot, err := os.ReadFile(h.cfg.SnapshotPath)
	require.NoError(t, err)
	stage1, err := os.ReadFile(checkpoint.FinalPath(checkpoint.StageDir(h.cfg.CheckpointDir, 1)))
	require.NoError(t, err)
	assert.Equal(t, stage1, snapshot)
	assert.Contains(t, h.out.String(), "Self-play snapshot exported: "+h.cfg.SnapshotPath)

	s := h.state(t)
	assert.Equal(t, state.StatusComplete, s.Status)
	require.Len(t, s.CompletedStages, 3)

	reg := h.registry(t)
	stages, err := reg.Stages(context.Background(), s.RunID)
	require.NoError(t, err)
	require.Len(t, stages, 3)
	for _, st := range stages {
		assert.True(t, st.Promoted)
		assert.Equal(t, 20, st.Episodes)
	}

	events, err := reg.Events(context.Background(), s.RunID)
	require.NoError(t, err)
	var exports []registry.Event
	for _, e := range events {
		if e.Kind == registry.EventSnapshotExport {
			exports = append(exports, e)
		}
	}
	require.Len(t, exports, 1)
	assert.Equal(t, 1, exports[0].Stage)

	run, err := reg.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, state.StatusComplete, run.Status)

	// Two promotions plus completion.
	assert.Len(t, h.messages, 3)
}

func TestRun_ExportFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	h.cfg.AutoPromote = true
	h.cfg.MaxStage = 2
	h.orch.Exporter = &export.Exporter{
		Command: []string{"sh", "-c", "echo converter exploded >&2; exit 1", "export"},
		Retry:   export.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond},
	}

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())
	assert.NoFileExists(t, h.cfg.SnapshotPath)
	assert.Contains(t, h.out.String(), "Self-play snapshot not exported")
	assert.Contains(t, h.out.String(), "converter exploded")

	events, err := h.registry(t).Events(context.Background(), h.state(t).RunID)
	require.NoError(t, err)
	var kinds []string
	for _, e := range events {
		kinds = append(kinds, e.Kind)
	}
	assert.Contains(t, kinds, registry.EventExportFailed)
}

func TestRun_StopsWhenNotPromoted(t *testing.T) {
	h := newHarness(t, bridgetest.Options{Winners: []string{"opponent"}})
	h.cfg.AutoPromote = true

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.NotPromoted, code, h.out.String())

	assert.NoDirExists(t, checkpoint.StageDir(h.cfg.CheckpointDir, 2))

	s := h.state(t)
	assert.Equal(t, state.StatusStopped, s.Status)
	assert.Equal(t, 1, s.Stage)
	require.Len(t, s.CompletedStages, 1)
	assert.False(t, s.CompletedStages[0].Promoted)
	require.NotNil(t, s.Checkpoint)
	assert.Equal(t, checkpoint.FinalPath(checkpoint.StageDir(h.cfg.CheckpointDir, 1)), *s.Checkpoint)

	out := h.out.String()
	assert.Contains(t, out, "Stage 1: promotion threshold not reached.")
	assert.Contains(t, out, "Stopping (use --continue-all-stages")
	require.Len(t, h.messages, 1)
	assert.Contains(t, h.messages[0], "stopped")
}

func TestRun_ContinueAllStages(t *testing.T) {
	h := newHarness(t, bridgetest.Options{Winners: []string{"opponent"}})
	h.cfg.AutoPromote = true
	h.cfg.ContinueAllStages = true
	h.cfg.MaxStage = 2

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())

	s := h.state(t)
	require.Len(t, s.CompletedStages, 2)
	for _, rec := range s.CompletedStages {
		assert.False(t, rec.Promoted)
		require.NotNil(t, rec.WinRate)
		assert.Zero(t, *rec.WinRate)
	}
	// Not promoted, so no opponent refresh for stage 2.
	assert.NoFileExists(t, h.cfg.SnapshotPath)
}

func TestRun_EarlyStop(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	h.cfg.EarlyStop = true
	h.cfg.Timesteps = 10_000

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())

	// Six episodes are in after six ticks of two workers; the window of five
	// is full and every one was a win.
	s := h.state(t)
	require.Len(t, s.CompletedStages, 1)
	assert.Equal(t, 12, s.CompletedStages[0].Steps)
	assert.Equal(t, 6, s.CompletedStages[0].Episodes)
	assert.True(t, s.CompletedStages[0].Promoted)
}

func TestRun_CrashedWorkersHeal(t *testing.T) {
	// Each worker answers reset and two steps, then dies on the third step,
	// before its three-step episode can finish.
	h := newHarness(t, bridgetest.Options{Mode: bridgetest.DieAfter(3), EpisodeLen: 3})
	h.cfg.Timesteps = 20

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())

	stages, err := h.registry(t).Stages(context.Background(), h.state(t).RunID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 20, stages[0].Steps)
	assert.Zero(t, stages[0].Episodes)
	assert.Nil(t, stages[0].WinRate)
	assert.Equal(t, 6, stages[0].Crashes)
}

func TestRun_FailedResetSitsOutTheTick(t *testing.T) {
	// The first worker process answers every reset with an error but stays
	// up; had it been stepped anyway it would finish an episode every two
	// steps just like its sibling.
	h := newHarness(t, bridgetest.Options{
		Claim:     filepath.Join(t.TempDir(), "claimed"),
		ClaimMode: bridgetest.ErrorOnReset,
	})

	code := h.orch.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())
	assert.Contains(t, h.out.String(), "Worker 0 reset failed")
	assert.Contains(t, h.out.String(), "bad config")

	// Twenty ticks: only slot 1 plays, two steps per episode.
	stages, err := h.registry(t).Stages(context.Background(), h.state(t).RunID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, 40, stages[0].Steps)
	assert.Equal(t, 10, stages[0].Episodes)
	assert.Equal(t, 20, stages[0].Crashes)
}

func TestRun_NoLiveWorkers(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	h.orch.Worker = bridge.Config{Executable: filepath.Join(t.TempDir(), "missing-sim")}

	code := h.orch.Run(context.Background())
	assert.Equal(t, exitcode.Error, code)
	assert.Contains(t, h.out.String(), ErrNoLiveWorkers.Error())
	assert.Equal(t, state.StatusInterrupted, h.state(t).Status)
}

func TestRun_FatalBeforeTraining(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(h *harness)
		want   int
		output string
	}{
		{
			name:   "stage missing from curriculum",
			mutate: func(h *harness) { h.cfg.Stage = 7 },
			want:   exitcode.StageNotFound,
			output: "stage 7 not found",
		},
		{
			name: "gap inside the auto-promote range",
			mutate: func(h *harness) {
				h.cfg.AutoPromote = true
				h.cfg.MaxStage = 4
			},
			want:   exitcode.StageNotFound,
			output: "stage 4 not found",
		},
		{
			name:   "unreadable curriculum",
			mutate: func(h *harness) { h.cfg.Curriculum = filepath.Join(h.cfg.StateDir, "nope.yaml") },
			want:   exitcode.Error,
			output: "Cannot load curriculum",
		},
		{
			name: "preflight failure",
			mutate: func(h *harness) {
				h.orch.Preflight = func(bridge.Config) error { return assert.AnError }
			},
			want:   exitcode.Error,
			output: "Simulation preflight failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, bridgetest.Options{})
			tt.mutate(h)

			code := h.orch.Run(context.Background())
			assert.Equal(t, tt.want, code)
			assert.Contains(t, h.out.String(), tt.output)
			assert.NoDirExists(t, h.cfg.CheckpointDir)
		})
	}
}

func TestRun_Interrupted(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := h.orch.Run(ctx)
	assert.Equal(t, exitcode.Interrupted, code)
	assert.Equal(t, state.StatusInterrupted, h.state(t).Status)
	assert.Contains(t, h.out.String(), "Training interrupted")
	require.Len(t, h.messages, 1)
	assert.Contains(t, h.messages[0], "interrupted")
}

func TestRun_InterruptFinishesTheTickInFlight(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	h.cfg.NumEnvs = 1
	h.orch.Worker = bridgetest.Config(bridgetest.Options{EpisodeLen: 2, Delay: 300 * time.Millisecond})
	h.orch.Worker.LogDir = h.cfg.LogDir

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan int, 1)
	go func() { done <- h.orch.Run(ctx) }()

	// Cancel while the first reset is waiting on its reply.
	workerLog := filepath.Join(h.cfg.LogDir, "bridge-0.log")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(workerLog)
		return err == nil && strings.Contains(string(data), "reset received")
	}, 10*time.Second, 10*time.Millisecond)
	cancel()

	var code int
	select {
	case code = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
	require.Equal(t, exitcode.Interrupted, code, h.out.String())

	// The reset completed and the tick's step went through before the loop
	// noticed the cancellation.
	s := h.state(t)
	require.NotNil(t, s.Checkpoint)
	pol, err := policy.Load(*s.Checkpoint, policy.Options{})
	require.NoError(t, err)
	uniform, ok := pol.(*policy.Uniform)
	require.True(t, ok)
	assert.Equal(t, 1, uniform.StepsObserved())
	assert.Contains(t, h.out.String(), "Steps:      1")
}

func TestRun_ResumeAfterStop(t *testing.T) {
	h := newHarness(t, bridgetest.Options{Winners: []string{"opponent"}})
	h.cfg.AutoPromote = true
	h.cfg.MaxStage = 2
	require.Equal(t, exitcode.NotPromoted, h.orch.Run(context.Background()))
	runID := h.state(t).RunID

	// The next attempt wins and picks up from stage 1's checkpoint.
	h.cfg.Resume = true
	h.cfg.AutoPromote = false
	h.out.Reset()
	o := h.newOrchestrator(bridgetest.Options{})

	code := o.Run(context.Background())
	require.Equal(t, exitcode.Success, code, h.out.String())
	assert.Contains(t, h.out.String(), "Loading checkpoint: "+checkpoint.FinalPath(checkpoint.StageDir(h.cfg.CheckpointDir, 1)))

	s := h.state(t)
	assert.Equal(t, runID, s.RunID)
	assert.Equal(t, state.StatusComplete, s.Status)
	require.Len(t, s.CompletedStages, 3)
	assert.Equal(t, []int{1, 1, 2}, []int{s.CompletedStages[0].Stage, s.CompletedStages[1].Stage, s.CompletedStages[2].Stage})
	assert.True(t, s.CompletedStages[1].Promoted)

	stages, err := h.registry(t).Stages(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.True(t, stages[0].Promoted)
}

func TestRun_ResumeRefusesEditedCurriculum(t *testing.T) {
	h := newHarness(t, bridgetest.Options{Winners: []string{"opponent"}})
	h.cfg.AutoPromote = true
	require.Equal(t, exitcode.NotPromoted, h.orch.Run(context.Background()))

	require.NoError(t, os.WriteFile(h.cfg.Curriculum, []byte(strings.Replace(curriculumYAML, "0.8", "0.5", 1)), 0o644))
	h.cfg.Resume = true

	assert.Equal(t, exitcode.Error, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()))
	assert.Contains(t, h.out.String(), "Resume failed")

	h.cfg.ResumeForce = true
	assert.Equal(t, exitcode.Success, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()), h.out.String())
}

func TestRun_SessionFlags(t *testing.T) {
	h := newHarness(t, bridgetest.Options{Winners: []string{"opponent"}})
	h.cfg.AutoPromote = true
	require.Equal(t, exitcode.NotPromoted, h.orch.Run(context.Background()))
	runID := h.state(t).RunID

	t.Run("status prints the session", func(t *testing.T) {
		h.cfg.Status = true
		defer func() { h.cfg.Status = false }()
		h.out.Reset()

		assert.Equal(t, exitcode.Success, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()))
		out := h.out.String()
		assert.Contains(t, out, runID)
		assert.Contains(t, out, state.StatusStopped)
	})

	t.Run("cancel marks the session", func(t *testing.T) {
		h.cfg.Cancel = true
		defer func() { h.cfg.Cancel = false }()

		assert.Equal(t, exitcode.Success, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()))
		assert.Equal(t, state.StatusCancelled, h.state(t).Status)

		run, err := h.registry(t).LatestRun(context.Background())
		require.NoError(t, err)
		assert.Equal(t, state.StatusCancelled, run.Status)
	})

	t.Run("a cancelled session cannot resume", func(t *testing.T) {
		h.cfg.Resume = true
		defer func() { h.cfg.Resume = false }()

		assert.Equal(t, exitcode.Error, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()))
	})

	t.Run("clean wipes the state directory", func(t *testing.T) {
		h.cfg.Clean = true
		h.cfg.Status = true
		defer func() { h.cfg.Clean, h.cfg.Status = false, false }()
		h.out.Reset()

		assert.Equal(t, exitcode.Success, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()))
		assert.Contains(t, h.out.String(), "No active session found.")
		assert.NoFileExists(t, filepath.Join(h.cfg.StateDir, "current-state.json"))
	})
}

func TestRun_TelemetryContinuesAcrossRestarts(t *testing.T) {
	h := newHarness(t, bridgetest.Options{})
	require.Equal(t, exitcode.Success, h.orch.Run(context.Background()))

	logPath := telemetry.LogPath(h.cfg.LogDir, 1)
	first, _, err := telemetry.ReadLog(logPath)
	require.NoError(t, err)
	require.NotEmpty(t, first)

	require.Equal(t, exitcode.Success, h.newOrchestrator(bridgetest.Options{}).Run(context.Background()))

	second, _, err := telemetry.ReadLog(logPath)
	require.NoError(t, err)
	assert.Greater(t, len(second), len(first))
	assert.Equal(t, first, second[:len(first)])

	data, err := os.ReadFile(telemetry.SnapshotPath(h.cfg.LogDir, 1))
	require.NoError(t, err)
	var snapshot []telemetry.Entry
	require.NoError(t, json.Unmarshal(data, &snapshot))
	assert.Equal(t, second, snapshot)
	assert.Contains(t, h.out.String(), "Continuing telemetry for stage 1")
}
