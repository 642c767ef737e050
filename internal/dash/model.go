// Package dash renders a stage's telemetry as a live terminal dashboard,
// or as a one-shot plain summary when stdout is not a terminal.
package dash

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"
	"github.com/mattn/go-isatty"

	"github.com/k0der/SpaceInvaders/internal/telemetry"
)

// Options selects what the dashboard shows and where.
type Options struct {
	LogDir string
	Stage  int
	Out    io.Writer
	// Interactive forces the live view on or off. Nil detects a terminal.
	Interactive *bool
}

type tickMsg time.Time

type entriesMsg struct {
	entries []telemetry.Entry
	err     error
}

const tickInterval = 2 * time.Second

func tickCmd() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Load reads a stage's telemetry, preferring the snapshot file and falling
// back to the append-only log.
func Load(dir string, stage int) ([]telemetry.Entry, error) {
	entries, err := telemetry.ReadSnapshot(telemetry.SnapshotPath(dir, stage))
	if err == nil {
		return entries, nil
	}
	entries, _, logErr := telemetry.ReadLog(telemetry.LogPath(dir, stage))
	if logErr == nil {
		return entries, nil
	}
	if errors.Is(err, os.ErrNotExist) && errors.Is(logErr, os.ErrNotExist) {
		return nil, nil
	}
	return nil, logErr
}

// Model is the bubbletea model for the live dashboard.
type Model struct {
	dir     string
	stage   int
	entries []telemetry.Entry
	err     error
	width   int
	bar     progress.Model
	theme   Theme
	watcher *fsnotify.Watcher
}

// NewModel builds a dashboard for one stage's telemetry directory.
func NewModel(dir string, stage int) Model {
	return Model{
		dir:   dir,
		stage: stage,
		bar:   progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		theme: DefaultTheme(),
	}
}

func (m Model) fetch() tea.Cmd {
	dir, stage := m.dir, m.stage
	return func() tea.Msg {
		entries, err := Load(dir, stage)
		return entriesMsg{entries: entries, err: err}
	}
}

func (m Model) watch() tea.Cmd {
	return waitForChange(m.watcher, telemetry.SnapshotPath(m.dir, m.stage), telemetry.LogPath(m.dir, m.stage))
}

// Init starts the first load, the tick fallback and the file watch.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickCmd(), m.watch())
}

// Update handles keys, resizes, ticks and file changes.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(60, max(10, msg.Width-20))
	case tickMsg:
		return m, tea.Batch(m.fetch(), tickCmd())
	case fsChangeMsg:
		return m, tea.Batch(m.fetch(), m.watch())
	case entriesMsg:
		m.entries, m.err = msg.entries, msg.err
	}
	return m, nil
}

// View renders the dashboard.
func (m Model) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(m.theme.Primary).
		Render(fmt.Sprintf("Dogfight training: stage %d", m.stage))
	muted := lipgloss.NewStyle().Foreground(m.theme.Muted)

	if m.err != nil {
		warn := lipgloss.NewStyle().Foreground(m.theme.Warning)
		return title + "\n\n" + warn.Render("Error: "+m.err.Error()) + "\n\n" + muted.Render("q: quit") + "\n"
	}
	if len(m.entries) == 0 {
		return title + "\n\n" + muted.Render("Waiting for telemetry in "+m.dir) + "\n\n" + muted.Render("q: quit") + "\n"
	}

	last := m.entries[len(m.entries)-1]
	rateStyle := lipgloss.NewStyle().Foreground(m.theme.Warning)
	if last.WinRate != nil && *last.WinRate >= last.Threshold {
		rateStyle = lipgloss.NewStyle().Foreground(m.theme.Success)
	}

	body := fmt.Sprintf("%s %s\n%s  threshold %.0f%%\n\n",
		"Win rate", rateStyle.Render(formatRate(last.WinRate)),
		m.bar.ViewAs(Progress(last)), last.Threshold*100)
	body += fmt.Sprintf("Episodes %d   Steps %d   Best %.1f%%   Reward %.4f\n",
		last.Episodes, last.Step, last.BestWinRate*100, last.MeanReward)
	body += "Outcomes   " + outcomeLine(last) + "\n"
	body += fmt.Sprintf("Hazards    agent=%d opponent=%d\n", last.AgentAsteroidDeaths, last.OpponentAsteroidDeaths)
	body += "Components " + rewardLine(last) + "\n\n"
	body += muted.Render(historyTable(m.entries))

	return title + "\n\n" + body + "\n\n" + muted.Render("q: quit") + "\n"
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Run shows the dashboard until the user quits or ctx is cancelled. Without
// a terminal it prints the plain summary once and returns.
func Run(ctx context.Context, opts Options) error {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	interactive := false
	if opts.Interactive != nil {
		interactive = *opts.Interactive
	} else if f, ok := out.(*os.File); ok {
		interactive = isTerminal(f)
	}

	if !interactive {
		entries, err := Load(opts.LogDir, opts.Stage)
		if err != nil {
			return fmt.Errorf("read telemetry: %w", err)
		}
		_, err = io.WriteString(out, Summary(opts.Stage, entries))
		return err
	}

	m := NewModel(opts.LogDir, opts.Stage)
	m.watcher = initWatcher(opts.LogDir)
	if m.watcher != nil {
		defer func() { _ = m.watcher.Close() }()
	}
	p := tea.NewProgram(m, tea.WithContext(ctx), tea.WithAltScreen(), tea.WithOutput(out))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}
