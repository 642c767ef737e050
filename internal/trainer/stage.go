package trainer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/k0der/SpaceInvaders/internal/banner"
	"github.com/k0der/SpaceInvaders/internal/best"
	"github.com/k0der/SpaceInvaders/internal/checkpoint"
	"github.com/k0der/SpaceInvaders/internal/config"
	"github.com/k0der/SpaceInvaders/internal/logging"
	"github.com/k0der/SpaceInvaders/internal/policy"
	"github.com/k0der/SpaceInvaders/internal/pool"
	"github.com/k0der/SpaceInvaders/internal/registry"
	"github.com/k0der/SpaceInvaders/internal/telemetry"
	"github.com/k0der/SpaceInvaders/internal/tracker"
	"github.com/k0der/SpaceInvaders/internal/watcher"
)

// ErrNoLiveWorkers is returned when no slot could be reset for a tick.
var ErrNoLiveWorkers = errors.New("no simulation worker could be started")

// StageResult is what one stage hands back to the curriculum loop.
type StageResult struct {
	Stage           int
	Promoted        bool
	Interrupted     bool
	Episodes        int
	WinRate         *float64
	Threshold       float64
	Steps           int
	Crashes         int
	FinalCheckpoint string
	Meta            string
}

// cadence fires at most once per interval. The first call only arms it.
type cadence struct {
	interval time.Duration
	now      func() time.Time
	armed    bool
	last     time.Time
}

func (c *cadence) due() bool {
	now := c.now()
	if !c.armed {
		c.armed = true
		c.last = now
		return false
	}
	if now.Sub(c.last) < c.interval {
		return false
	}
	c.last = now
	return true
}

// stageContext is everything one stage owns. Observers receive it by
// pointer once per tick, in a fixed order, on the control goroutine. Nothing
// in it outlives the stage.
type stageContext struct {
	spec   config.Stage
	budget int
	steps  int

	crashes int

	pool      *pool.Pool
	policy    policy.Policy
	tracker   *tracker.Tracker
	meter     *tracker.RewardMeter
	best      *best.Tracker
	telemetry *telemetry.Logger
	watcher   *watcher.Watcher

	progress cadence
	metrics  cadence

	event func(kind, detail string)
	now   func() time.Time
}

// observer is one per-tick hook.
type observer func(sc *stageContext)

// observers run after every tick in this order.
var observers = []observer{
	reportProgress,
	reportMetrics,
	checkBest,
	pollConfig,
	logTelemetry,
}

func reportProgress(sc *stageContext) {
	if !sc.progress.due() {
		return
	}
	tr := sc.tracker
	n := tr.Episodes()
	remaining := tr.MinEpisodesRemaining()
	wr, ok := tr.RollingWinRate()
	if !ok {
		logging.Status("TRAINING", fmt.Sprintf("steps=%d  episodes=0  win_rate=n/a  threshold=%.0f%%  min_episodes_remaining=%d",
			sc.steps, tr.Threshold()*100, remaining))
		return
	}

	tag := "TRAINING"
	if tr.Ready() {
		tag = "READY"
	}
	logging.Status(tag, fmt.Sprintf("steps=%d  episodes=%d  win_rate(last %d)=%.1f%%  threshold=%.0f%%  min_episodes_remaining=%d",
		sc.steps, n, min(tr.Window(), n), wr*100, tr.Threshold()*100, remaining))

	b := tr.OutcomeBreakdown()
	agentDeaths, opponentDeaths := tr.HazardDeaths()
	logging.Detail(fmt.Sprintf("breakdown: win=%.0f%% loss=%.0f%% draw=%.0f%% timeout=%.0f%%  ast_deaths=%d opp_ast_deaths=%d",
		b[tracker.Win]*100, b[tracker.Loss]*100, b[tracker.DrawMutual]*100, b[tracker.Timeout]*100,
		agentDeaths, opponentDeaths))
}

func reportMetrics(sc *stageContext) {
	if !sc.metrics.due() {
		return
	}
	if n := sc.meter.Len(); n > 0 {
		logging.Status("METRICS", fmt.Sprintf("steps=%d  mean_step_reward(last %d)=%.4f", sc.steps, min(n, 200), sc.meter.Mean()))
		return
	}
	logging.Status("METRICS", fmt.Sprintf("steps=%d", sc.steps))
}

func checkBest(sc *stageContext) {
	wr, ok := sc.tracker.RollingWinRate()
	saved, err := sc.best.Check(sc.tracker.Episodes(), wr, ok, sc.steps)
	if err != nil {
		logging.Warn(fmt.Sprintf("Best checkpoint not saved: %v", err))
		return
	}
	if saved == nil {
		return
	}
	logging.Status("BEST", fmt.Sprintf("New best model! win_rate=%.1f%% step=%d episode=%d", saved.WinRate*100, saved.Step, saved.Episodes))
	sc.event(registry.EventBestSaved, fmt.Sprintf("win_rate=%.4f episodes=%d step=%d", saved.WinRate, saved.Episodes, saved.Step))
}

func pollConfig(sc *stageContext) {
	if sc.watcher == nil {
		return
	}
	changes, err := sc.watcher.Poll()
	if err != nil {
		logging.Status("CONFIG RELOAD", fmt.Sprintf("Failed to reload: %v", err))
		return
	}
	if len(changes) == 0 {
		return
	}
	parts := make([]string, len(changes))
	for i, c := range changes {
		parts[i] = c.String()
	}
	detail := strings.Join(parts, ", ")
	logging.Status("CONFIG RELOAD", detail)
	sc.event(registry.EventConfigReload, detail)
}

func logTelemetry(sc *stageContext) {
	if !sc.telemetry.Due() {
		return
	}
	appendTelemetry(sc)
}

func appendTelemetry(sc *stageContext) {
	e := telemetry.Build(sc.spec.Number, sc.steps, sc.tracker, sc.meter, sc.best.Best(), sc.now())
	if err := sc.telemetry.Append(e); err != nil {
		logging.Warn(fmt.Sprintf("Telemetry not written: %v", err))
	}
}

// runStage trains one curriculum stage from checkpointPath (fresh when
// empty) for budget steps and persists its final checkpoint and metadata.
func (o *Orchestrator) runStage(ctx context.Context, spec config.Stage, checkpointPath string, budget int) (StageResult, error) {
	cfg := o.Config
	n := spec.Number
	res := StageResult{Stage: n}
	started := o.now()

	opts := policy.Options{
		Seed:            cfg.Seed + int64(n),
		Hyperparameters: o.curriculum.PPO,
		Architecture:    o.curriculum.Policy,
	}
	var pol policy.Policy
	if checkpointPath != "" {
		logging.Info(fmt.Sprintf("Loading checkpoint: %s", checkpointPath))
		loaded, err := policy.Load(checkpointPath, opts)
		if err != nil {
			return res, fmt.Errorf("stage %d: %w", n, err)
		}
		pol = loaded
	} else {
		pol = policy.New(opts)
	}

	workers, err := pool.New(cfg.NumEnvs, o.workerConfig())
	if err != nil {
		return res, fmt.Errorf("stage %d: %w", n, err)
	}
	defer workers.Close()

	stageDir := checkpoint.StageDir(cfg.CheckpointDir, n)
	progressEvery := seconds(cfg.ProgressPrintSeconds)

	tl, err := telemetry.Open(cfg.LogDir, n, progressEvery)
	if err != nil {
		return res, fmt.Errorf("stage %d: %w", n, err)
	}
	if replayed := len(tl.Entries()); replayed > 0 {
		logging.Info(fmt.Sprintf("Continuing telemetry for stage %d: %d earlier entries", n, replayed))
	}
	if skipped := tl.Skipped(); skipped > 0 {
		logging.Warn(fmt.Sprintf("Skipped %d malformed telemetry lines in %s", skipped, telemetry.LogPath(cfg.LogDir, n)))
	}

	sc := &stageContext{
		spec:   spec,
		budget: budget,
		pool:   workers,
		policy: pol,
		tracker: tracker.New(tracker.Config{
			Window:      cfg.WindowSize,
			MinEpisodes: cfg.MinEpisodes,
			Threshold:   spec.PromotionThreshold,
		}),
		meter:     &tracker.RewardMeter{},
		best:      best.New(stageDir, cfg.BestCheckEvery, cfg.BestGate(), pol.Save),
		telemetry: tl,
		progress:  cadence{interval: progressEvery, now: o.now},
		metrics:   cadence{interval: progressEvery, now: o.now},
		event: func(kind, detail string) {
			o.recordEvent(ctx, n, kind, detail)
		},
		now: o.now,
	}

	if cfg.Watch {
		w, err := watcher.New(o.curriculum.Path, n, seconds(cfg.ConfigPollSeconds), sc.tracker, pol)
		if err != nil {
			logging.Warn(fmt.Sprintf("Config watcher disabled: %v", err))
		} else {
			if err := w.Notify(); err != nil {
				logging.Debug(fmt.Sprintf("fsnotify unavailable, polling only: %v", err))
			}
			defer w.Close()
			sc.watcher = w
		}
	}

	banner.PrintStageBanner(banner.StageInfo{
		Stage:       n,
		Description: spec.Description,
		NumEnvs:     cfg.NumEnvs,
		StepBudget:  budget,
		EarlyStop:   cfg.EarlyStop,
		Threshold:   spec.PromotionThreshold,
		MinEpisodes: cfg.MinEpisodes,
		Window:      cfg.WindowSize,
		ProgressSec: cfg.ProgressPrintSeconds,
		Env:         spec.Env,
	})

	if err := o.trainLoop(ctx, sc); err != nil {
		return res, fmt.Errorf("stage %d: %w", n, err)
	}
	res.Interrupted = ctx.Err() != nil
	appendTelemetry(sc)

	final := checkpoint.FinalPath(stageDir)
	if err := pol.Save(final); err != nil {
		return res, fmt.Errorf("stage %d: save final checkpoint: %w", n, err)
	}

	res.Promoted = sc.tracker.ShouldPromote()
	res.Episodes = sc.tracker.Episodes()
	res.Threshold = sc.tracker.Threshold()
	res.Steps = sc.steps
	res.Crashes = sc.crashes
	res.FinalCheckpoint = final
	if wr, ok := sc.tracker.RollingWinRate(); ok {
		res.WinRate = &wr
	}

	ppo := make(map[string]any, len(o.curriculum.PPO))
	for k, v := range o.curriculum.PPO {
		ppo[k] = v
	}
	ppo["learning_rate"] = pol.LearningRate()
	metaPath, err := checkpoint.SaveMeta(stageDir, checkpoint.Meta{
		Stage:                    n,
		Timestamp:                checkpoint.Now(),
		EnvConfig:                spec.Env,
		PPOConfig:                ppo,
		PromotionThreshold:       res.Threshold,
		TimestepsBudget:          budget,
		EpisodesCounted:          res.Episodes,
		RollingWinRate:           res.WinRate,
		WindowSize:               cfg.WindowSize,
		MinEpisodesBeforePromote: cfg.MinEpisodes,
	})
	if err != nil {
		return res, fmt.Errorf("stage %d: %w", n, err)
	}
	res.Meta = metaPath

	banner.PrintStageSummary(banner.StageSummary{
		Stage:       n,
		ElapsedSecs: o.now().Sub(started).Seconds(),
		Episodes:    res.Episodes,
		Window:      cfg.WindowSize,
		WinRate:     res.WinRate,
		Checkpoint:  final,
		Meta:        metaPath,
	})
	return res, nil
}

// trainLoop drives ticks until the budget is spent, early stop fires or ctx
// is cancelled. Cancellation is checked between ticks only: a tick in flight
// always completes, bounded by the workers' reply timeout.
func (o *Orchestrator) trainLoop(ctx context.Context, sc *stageContext) error {
	size := sc.pool.Size()
	obs := make([][]float64, size)
	needReset := make([]bool, size)
	active := make([]bool, size)
	for i := range needReset {
		needReset[i] = true
	}
	tickCtx := context.WithoutCancel(ctx)

	for sc.steps < sc.budget {
		if ctx.Err() != nil {
			return nil
		}

		live := 0
		for slot := range needReset {
			if !needReset[slot] {
				live++
				continue
			}
			r := sc.pool.Reset(tickCtx, slot, sc.spec.Env)
			if r.Err != nil {
				logging.Warn(fmt.Sprintf("Worker %d reset failed: %v", slot, r.Err))
				sc.crashes++
				obs[slot] = nil
				continue
			}
			obs[slot] = r.Observation
			needReset[slot] = false
			live++
		}
		if live == 0 {
			if ctx.Err() != nil {
				return nil
			}
			return ErrNoLiveWorkers
		}

		// Only slots with an episode in progress are stepped. A slot whose
		// reset failed, even with the worker still running, sits out the tick.
		for i := range active {
			active[i] = !needReset[i]
		}
		results, err := sc.pool.StepAll(tickCtx, sc.policy.Act(obs), active)
		if err != nil {
			return err
		}
		sc.steps += len(results)

		rewards := make([]float64, 0, len(results))
		for i, r := range results {
			if r.Err != nil {
				if !needReset[i] {
					logging.Debug(fmt.Sprintf("Worker %d step failed, episode discarded: %v", i, r.Err))
					if r.Crashed() {
						sc.crashes++
					}
					needReset[i] = true
				}
				continue
			}
			rewards = append(rewards, r.Reward)
			obs[i] = r.Observation
			if r.Done {
				needReset[i] = true
			}
		}
		sc.meter.Add(rewards...)
		sc.policy.Observe(results)
		sc.tracker.Record(results)

		for _, obsv := range observers {
			obsv(sc)
		}

		if o.Config.EarlyStop && sc.tracker.ShouldPromote() {
			logging.Success(fmt.Sprintf("Stage %d promotion threshold reached, stopping early at step %d", sc.spec.Number, sc.steps))
			return nil
		}
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
