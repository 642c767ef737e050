// Package telemetry appends periodic training snapshots to a per-stage JSONL
// log and keeps a derived snapshot file holding the whole sequence.
package telemetry

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/k0der/SpaceInvaders/internal/tracker"
)

// Entry is one telemetry record. Field names are the on-disk format.
type Entry struct {
	TS                     float64            `json:"ts"`
	Step                   int                `json:"step"`
	Episodes               int                `json:"episodes"`
	WinRate                *float64           `json:"win_rate"`
	MeanReward             float64            `json:"mean_reward"`
	BestWinRate            float64            `json:"best_wr"`
	Stage                  int                `json:"stage"`
	Threshold              float64            `json:"threshold"`
	OutcomeBreakdown       map[string]float64 `json:"outcome_breakdown"`
	AgentAsteroidDeaths    int                `json:"agent_asteroid_deaths"`
	OpponentAsteroidDeaths int                `json:"opponent_asteroid_deaths"`
	RewardBreakdown        map[string]float64 `json:"reward_breakdown"`
}

// LogPath returns the append-only log for a stage.
func LogPath(dir string, stage int) string {
	return filepath.Join(dir, fmt.Sprintf("stage%d.jsonl", stage))
}

// SnapshotPath returns the derived snapshot file for a stage.
func SnapshotPath(dir string, stage int) string {
	return filepath.Join(dir, fmt.Sprintf("stage%d.snapshot.json", stage))
}

// Build captures the tracker's current state as an entry.
func Build(stage, step int, tr *tracker.Tracker, meter *tracker.RewardMeter, bestWinRate float64, now time.Time) Entry {
	e := Entry{
		TS:          float64(now.Unix()) + float64(now.Nanosecond())/1e9,
		Step:        step,
		Episodes:    tr.Episodes(),
		MeanReward:  round4(meter.Mean()),
		BestWinRate: round4(bestWinRate),
		Stage:       stage,
		Threshold:   round4(tr.Threshold()),
	}
	if wr, ok := tr.RollingWinRate(); ok {
		wr = round4(wr)
		e.WinRate = &wr
	}
	e.OutcomeBreakdown = make(map[string]float64, len(tracker.Categories))
	for cat, frac := range tr.OutcomeBreakdown() {
		e.OutcomeBreakdown[string(cat)] = frac
	}
	e.AgentAsteroidDeaths, e.OpponentAsteroidDeaths = tr.HazardDeaths()
	e.RewardBreakdown = tr.RewardBreakdown()
	return e
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// Logger owns one stage's log and snapshot. It is single-writer.
type Logger struct {
	dir      string
	stage    int
	interval time.Duration
	now      func() time.Time
	armed    bool
	last     time.Time
	entries  []Entry
	skipped  int
}

// Open prepares the log directory and replays any existing log for the
// stage. Lines that do not parse are skipped and counted.
func Open(dir string, stage int, interval time.Duration) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create telemetry dir: %w", err)
	}
	entries, skipped, err := ReadLog(LogPath(dir, stage))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return &Logger{
		dir:      dir,
		stage:    stage,
		interval: interval,
		now:      time.Now,
		entries:  entries,
		skipped:  skipped,
	}, nil
}

// Entries returns the in-memory sequence, replayed entries first.
func (l *Logger) Entries() []Entry {
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Skipped reports how many malformed lines the replay dropped.
func (l *Logger) Skipped() int { return l.skipped }

// Due reports whether an entry should be appended now. The first call only
// arms the timer.
func (l *Logger) Due() bool {
	now := l.now()
	if !l.armed {
		l.armed = true
		l.last = now
		return false
	}
	if now.Sub(l.last) < l.interval {
		return false
	}
	l.last = now
	return true
}

// Append records e in memory, appends it to the log and rewrites the snapshot.
func (l *Logger) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode telemetry entry: %w", err)
	}
	l.entries = append(l.entries, e)

	//nolint:gosec // log path is deterministic
	f, err := os.OpenFile(LogPath(l.dir, l.stage), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open telemetry log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("append telemetry log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close telemetry log: %w", err)
	}
	return l.writeSnapshot()
}

// writeSnapshot replaces the snapshot file through a temp file and rename so
// readers never see a partial document.
func (l *Logger) writeSnapshot() error {
	data, err := json.Marshal(l.entries)
	if err != nil {
		return fmt.Errorf("encode telemetry snapshot: %w", err)
	}
	tmp, err := os.CreateTemp(l.dir, fmt.Sprintf(".stage%d-*.tmp", l.stage))
	if err != nil {
		return fmt.Errorf("create snapshot temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), SnapshotPath(l.dir, l.stage)); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

// ReadLog parses a JSONL telemetry log, skipping blank and malformed lines.
func ReadLog(path string) (entries []Entry, skipped int, err error) {
	//nolint:gosec // log path is deterministic
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, fmt.Errorf("read telemetry log: %w", err)
	}
	return entries, skipped, nil
}

// ReadSnapshot loads a stage snapshot file.
func ReadSnapshot(path string) ([]Entry, error) {
	//nolint:gosec // snapshot path is deterministic
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse telemetry snapshot: %w", err)
	}
	return entries, nil
}
