package dash

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/k0der/SpaceInvaders/internal/telemetry"
	"github.com/k0der/SpaceInvaders/internal/tracker"
)

// recentRows is how many entries the history table shows.
const recentRows = 8

// Theme holds the dashboard colors.
type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Muted   lipgloss.Color
}

// DefaultTheme returns the dashboard's default colors.
func DefaultTheme() Theme {
	return Theme{
		Primary: lipgloss.Color("12"),  // Blue
		Success: lipgloss.Color("10"),  // Green
		Warning: lipgloss.Color("11"),  // Yellow
		Muted:   lipgloss.Color("240"), // Gray
	}
}

// Progress is how far the latest rolling win rate is toward the threshold,
// clamped to [0, 1]. It is 0 without a win rate.
func Progress(e telemetry.Entry) float64 {
	if e.WinRate == nil || e.Threshold <= 0 {
		return 0
	}
	return min(1, max(0, *e.WinRate/e.Threshold))
}

func formatRate(wr *float64) string {
	if wr == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.1f%%", *wr*100)
}

// outcomeLine renders the category breakdown in report order.
func outcomeLine(e telemetry.Entry) string {
	parts := make([]string, 0, len(tracker.Categories))
	for _, c := range tracker.Categories {
		parts = append(parts, fmt.Sprintf("%s=%.0f%%", c, e.OutcomeBreakdown[string(c)]*100))
	}
	return strings.Join(parts, " ")
}

// rewardLine renders the reward components sorted by name.
func rewardLine(e telemetry.Entry) string {
	if len(e.RewardBreakdown) == 0 {
		return "n/a"
	}
	keys := make([]string, 0, len(e.RewardBreakdown))
	for k := range e.RewardBreakdown {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%.4f", k, e.RewardBreakdown[k])
	}
	return strings.Join(parts, " ")
}

// Summary renders entries as plain text, one fact per line. It is what the
// dashboard prints when stdout is not a terminal.
func Summary(stage int, entries []telemetry.Entry) string {
	var b strings.Builder
	if len(entries) == 0 {
		fmt.Fprintf(&b, "Stage %d: no telemetry yet\n", stage)
		return b.String()
	}
	last := entries[len(entries)-1]
	fmt.Fprintf(&b, "Stage %d telemetry (%d entries)\n", stage, len(entries))
	fmt.Fprintf(&b, "  Win rate:   %s (threshold %.0f%%, %.0f%% of the way)\n", formatRate(last.WinRate), last.Threshold*100, Progress(last)*100)
	fmt.Fprintf(&b, "  Best:       %.1f%%\n", last.BestWinRate*100)
	fmt.Fprintf(&b, "  Episodes:   %d\n", last.Episodes)
	fmt.Fprintf(&b, "  Steps:      %d\n", last.Step)
	fmt.Fprintf(&b, "  Reward:     %.4f mean per step\n", last.MeanReward)
	fmt.Fprintf(&b, "  Outcomes:   %s\n", outcomeLine(last))
	fmt.Fprintf(&b, "  Hazards:    agent=%d opponent=%d\n", last.AgentAsteroidDeaths, last.OpponentAsteroidDeaths)
	fmt.Fprintf(&b, "  Components: %s\n", rewardLine(last))
	return b.String()
}

// historyTable renders the most recent entries, newest last.
func historyTable(entries []telemetry.Entry) string {
	start := max(0, len(entries)-recentRows)
	rows := []string{fmt.Sprintf("%10s %9s %9s %9s", "step", "episodes", "win rate", "reward")}
	for _, e := range entries[start:] {
		rows = append(rows, fmt.Sprintf("%10d %9d %9s %9.4f", e.Step, e.Episodes, formatRate(e.WinRate), e.MeanReward))
	}
	return strings.Join(rows, "\n")
}
