// Package tracker turns per-tick episode terminations into rolling outcome
// statistics and the stage promotion decision.
package tracker

import (
	"math"

	"github.com/k0der/SpaceInvaders/internal/bridge"
	"github.com/k0der/SpaceInvaders/internal/pool"
)

// Category classifies a finished episode.
type Category string

const (
	Win        Category = "win"
	Loss       Category = "loss"
	DrawMutual Category = "draw_mutual"
	Timeout    Category = "timeout"
)

// Categories lists every outcome category in report order.
var Categories = []Category{Win, Loss, DrawMutual, Timeout}

// Hazard is the death cause counted separately for each side.
const Hazard = "asteroid"

// Classify maps a winner tag to its category. Unrecognized tags are losses.
func Classify(winner string) Category {
	switch winner {
	case "agent":
		return Win
	case "draw_mutual":
		return DrawMutual
	case "timeout":
		return Timeout
	default:
		return Loss
	}
}

// Outcome is one counted episode.
type Outcome struct {
	Category           Category
	RewardBreakdown    map[string]float64
	AgentDeathCause    string
	OpponentDeathCause string
}

// Config holds the promotion parameters for one stage.
type Config struct {
	Window      int     // rolling window size W, at least 1
	MinEpisodes int     // episodes required before promotion
	Threshold   float64 // rolling win rate needed to promote
}

// Tracker accumulates outcomes for a single stage. It is owned by the
// control loop and not safe for concurrent use.
type Tracker struct {
	cfg Config

	history          []int // 1 when the agent won
	details          []Category
	rewardBreakdowns []map[string]float64

	agentHazardDeaths    int
	opponentHazardDeaths int

	shouldPromote bool
}

// New returns an empty tracker. A window below 1 is treated as 1.
func New(cfg Config) *Tracker {
	if cfg.Window < 1 {
		cfg.Window = 1
	}
	if cfg.MinEpisodes < 0 {
		cfg.MinEpisodes = 0
	}
	return &Tracker{cfg: cfg}
}

// Record consumes one tick of pool results. Only slots that replied with
// done=true and a resolvable winner are counted; failed slots are ignored.
// The promotion latch is re-evaluated afterwards even if nothing was counted.
// It returns the number of episodes counted this tick.
func (t *Tracker) Record(results []pool.Result) int {
	counted := 0
	for _, r := range results {
		if r.Err != nil || !r.Done {
			continue
		}
		if t.recordTerminal(r.Info) {
			counted++
		}
	}
	t.evaluate()
	return counted
}

func (t *Tracker) recordTerminal(info bridge.Info) bool {
	term := info.Terminal()
	winner, ok := term.Winner()
	if !ok {
		return false
	}
	t.Add(Outcome{
		Category:           Classify(winner),
		RewardBreakdown:    term.RewardBreakdown(),
		AgentDeathCause:    term.String("agentDeathCause"),
		OpponentDeathCause: term.String("opponentDeathCause"),
	})
	return true
}

// Add appends one outcome without re-evaluating the promotion latch.
func (t *Tracker) Add(o Outcome) {
	if o.Category == Win {
		t.history = append(t.history, 1)
	} else {
		t.history = append(t.history, 0)
	}
	t.details = append(t.details, o.Category)
	if o.RewardBreakdown != nil {
		t.rewardBreakdowns = append(t.rewardBreakdowns, o.RewardBreakdown)
	}
	if o.AgentDeathCause == Hazard {
		t.agentHazardDeaths++
	}
	if o.OpponentDeathCause == Hazard {
		t.opponentHazardDeaths++
	}
}

// evaluate latches shouldPromote once enough episodes are in and the
// rolling win rate meets the threshold. It never clears the latch.
func (t *Tracker) evaluate() {
	if t.shouldPromote {
		return
	}
	if len(t.history) < max(t.cfg.Window, t.cfg.MinEpisodes) {
		return
	}
	if wr, ok := t.RollingWinRate(); ok && wr >= t.cfg.Threshold {
		t.shouldPromote = true
	}
}

// Episodes returns the number of counted episodes.
func (t *Tracker) Episodes() int { return len(t.history) }

// RollingWinRate returns the win fraction over the last min(W, n) episodes.
// ok is false when nothing has been counted yet.
func (t *Tracker) RollingWinRate() (rate float64, ok bool) {
	recent := t.lastN(len(t.history))
	if len(recent) == 0 {
		return 0, false
	}
	wins := 0
	for _, v := range recent {
		wins += v
	}
	return float64(wins) / float64(len(recent)), true
}

func (t *Tracker) lastN(n int) []int {
	w := min(t.cfg.Window, n)
	return t.history[n-w:]
}

// ShouldPromote reports the promotion latch.
func (t *Tracker) ShouldPromote() bool { return t.shouldPromote }

// Ready reports whether the promotion condition holds right now, ignoring
// the latch. Progress lines use it to print READY versus TRAINING.
func (t *Tracker) Ready() bool {
	wr, ok := t.RollingWinRate()
	return ok && len(t.history) >= t.cfg.MinEpisodes && wr >= t.cfg.Threshold
}

// Threshold returns the live promotion threshold.
func (t *Tracker) Threshold() float64 { return t.cfg.Threshold }

// SetThreshold patches the live threshold. Counted history is untouched.
func (t *Tracker) SetThreshold(v float64) { t.cfg.Threshold = v }

// Window returns the rolling window size.
func (t *Tracker) Window() int { return t.cfg.Window }

// MinEpisodes returns the minimum episode count before promotion.
func (t *Tracker) MinEpisodes() int { return t.cfg.MinEpisodes }

// MinEpisodesRemaining returns how many more episodes the minimum requires.
func (t *Tracker) MinEpisodesRemaining() int {
	return max(0, t.cfg.MinEpisodes-len(t.history))
}

// HazardDeaths returns how many agent and opponent deaths were hazard kills.
func (t *Tracker) HazardDeaths() (agent, opponent int) {
	return t.agentHazardDeaths, t.opponentHazardDeaths
}

// History returns a copy of the binary outcome history.
func (t *Tracker) History() []int {
	return append([]int(nil), t.history...)
}

// OutcomeBreakdown returns the fraction of each category over the last W
// episodes, rounded to 4 decimals. Every category is present; all are zero
// when nothing has been counted.
func (t *Tracker) OutcomeBreakdown() map[Category]float64 {
	out := make(map[Category]float64, len(Categories))
	for _, c := range Categories {
		out[c] = 0
	}
	n := len(t.details)
	if n == 0 {
		return out
	}
	recent := t.details[n-min(t.cfg.Window, n):]
	for _, c := range recent {
		if _, ok := out[c]; ok {
			out[c]++
		}
	}
	for c, count := range out {
		out[c] = round(count/float64(len(recent)), 4)
	}
	return out
}

// RewardBreakdown returns the mean of each reward component over the last W
// recorded breakdowns, rounded to 6 decimals. Components are those named by
// the oldest breakdown in the window; missing values count as zero. It
// returns nil when no breakdown has been recorded.
func (t *Tracker) RewardBreakdown() map[string]float64 {
	n := len(t.rewardBreakdowns)
	if n == 0 {
		return nil
	}
	recent := t.rewardBreakdowns[n-min(t.cfg.Window, n):]
	out := make(map[string]float64, len(recent[0]))
	for k := range recent[0] {
		var total float64
		for _, b := range recent {
			total += b[k]
		}
		out[k] = round(total/float64(len(recent)), 6)
	}
	return out
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
