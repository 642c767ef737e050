package banner

import (
	"bytes"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"

	"github.com/k0der/SpaceInvaders/internal/logging"
)

func init() {
	color.NoColor = true
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	var out bytes.Buffer
	logging.SetOutput(&out, &bytes.Buffer{})
	defer logging.SetOutput(nil, nil)
	fn()
	return out.String()
}

func TestPrintStartupBanner(t *testing.T) {
	tests := []struct {
		name string
		info StartupInfo
		want []string
		skip []string
	}{
		{
			name: "stage range",
			info: StartupInfo{RunID: "run-1", Curriculum: "config.yaml", StartStage: 1, MaxStage: 5, NumEnvs: 4, StepBudget: 200000},
			want: []string{"dogfight-trainer", "run-1", "config.yaml", "1 → 5", "Envs:       4", "200000 steps"},
			skip: []string{"(resumed)"},
		},
		{
			name: "single stage resumed",
			info: StartupInfo{RunID: "run-2", Curriculum: "c.toml", StartStage: 3, MaxStage: 3, NumEnvs: 1, StepBudget: 1000, Resumed: true},
			want: []string{"(resumed)", "Stages:     3\n"},
			skip: []string{"→"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := captureStdout(t, func() { PrintStartupBanner(tt.info) })
			for _, w := range tt.want {
				assert.Contains(t, out, w)
			}
			for _, s := range tt.skip {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestPrintStageBanner(t *testing.T) {
	out := captureStdout(t, func() {
		PrintStageBanner(StageInfo{
			Stage: 2, Description: "Slow enemy", NumEnvs: 4, StepBudget: 50000, EarlyStop: true,
			Threshold: 0.8, MinEpisodes: 200, Window: 100, ProgressSec: 10,
			Env: map[string]any{"maxTicks": 3600},
		})
	})
	assert.Contains(t, out, "Stage 2: Slow enemy")
	assert.Contains(t, out, "Envs: 4  Timesteps budget: 50000  Early-stop: true")
	assert.Contains(t, out, "Promotion threshold: 80%  Min episodes: 200  Window: 100")
	assert.Contains(t, out, "every 10s")
	assert.Contains(t, out, "maxTicks:3600")
}

func TestPrintStageSummary(t *testing.T) {
	wr := 0.825
	out := captureStdout(t, func() {
		PrintStageSummary(StageSummary{Stage: 1, ElapsedSecs: 12.34, Episodes: 50, Window: 200, WinRate: &wr, Checkpoint: "c/final.ckpt", Meta: "c/meta.json"})
	})
	assert.Contains(t, out, "Stage 1 complete in 12.3s")
	assert.Contains(t, out, "Episodes counted: 50")
	assert.Contains(t, out, "Rolling win rate (last 50): 82.5%")
	assert.Contains(t, out, "Checkpoint saved: c/final.ckpt")
	assert.Contains(t, out, "Meta saved: c/meta.json")

	out = captureStdout(t, func() {
		PrintStageSummary(StageSummary{Stage: 1, Checkpoint: "x"})
	})
	assert.NotContains(t, out, "Rolling win rate")
}

func TestPromotionBanners(t *testing.T) {
	out := captureStdout(t, func() { PrintPromotedBanner(3, "snap.onnx") })
	assert.Contains(t, out, "Promoted to stage 3!")
	assert.Contains(t, out, "Self-play snapshot exported: snap.onnx")

	out = captureStdout(t, func() { PrintPromotedBanner(3, "") })
	assert.NotContains(t, out, "snapshot")

	out = captureStdout(t, func() { PrintNotPromotedBanner(2, true) })
	assert.Contains(t, out, "Stage 2: promotion threshold not reached.")
	assert.Contains(t, out, "--continue-all-stages")

	out = captureStdout(t, func() { PrintNotPromotedBanner(2, false) })
	assert.NotContains(t, out, "Stopping")
}

func TestEndBanners(t *testing.T) {
	out := captureStdout(t, func() { PrintCompletionBanner(3, 3661) })
	assert.Contains(t, out, "Curriculum finished")
	assert.Contains(t, out, "1h 1m 1s (3661s)")

	out = captureStdout(t, func() { PrintStoppedBanner(2, "41.0%", 0.8) })
	assert.Contains(t, out, "Stopped at stage 2")
	assert.Contains(t, out, "41.0% (threshold 80%)")

	out = captureStdout(t, func() { PrintInterruptedBanner(4, 1234) })
	assert.Contains(t, out, "Training interrupted")
	assert.Contains(t, out, "Steps:      1234")
	assert.Contains(t, out, "--resume")

	out = captureStdout(t, func() { PrintErrorBanner("stage 9 not found") })
	assert.Contains(t, out, "✗ stage 9 not found")
}

func TestPrintStatusBanner(t *testing.T) {
	out := captureStdout(t, func() {
		PrintStatusBanner(StatusInfo{
			RunID: "run-1", Status: "INTERRUPTED", Stage: 2, StartStage: 1, MaxStage: 4,
			Checkpoint: "checkpoints/stage1/final.ckpt", Curriculum: "config.yaml",
			StartedAt: "2026-10-16T09:00:00Z", LastUpdated: "2026-10-16T10:00:00Z",
			Stages: []StageRow{
				{Stage: 1, Episodes: 420, WinRate: "84.0%", Promoted: true},
				{Stage: 2, Episodes: 12, WinRate: "n/a"},
			},
		})
	})
	assert.Contains(t, out, "Status:     INTERRUPTED")
	assert.Contains(t, out, "Stage:      2 (of 1 → 4)")
	assert.Contains(t, out, "Checkpoint: checkpoints/stage1/final.ckpt")
	assert.Contains(t, out, "✓ stage 1  episodes=420  win_rate=84.0%")
	assert.Contains(t, out, "✗ stage 2  episodes=12  win_rate=n/a")
}
