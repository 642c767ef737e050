// Package watcher hot-reloads the curriculum while a stage trains and
// patches the live promotion threshold and learning rate.
package watcher

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/k0der/SpaceInvaders/internal/config"
)

// ThresholdTarget holds the live promotion threshold.
type ThresholdTarget interface {
	Threshold() float64
	SetThreshold(v float64)
}

// LearningRateTarget holds the live optimizer learning rate.
type LearningRateTarget interface {
	LearningRate() float64
	SetLearningRate(v float64)
}

// Field names reported in a Change.
const (
	FieldThreshold    = "promotionThreshold"
	FieldLearningRate = "learning_rate"
)

// Change is one live value the reload patched.
type Change struct {
	Field string
	Old   float64
	New   float64
}

func (c Change) String() string {
	if c.Field == FieldThreshold {
		return fmt.Sprintf("%s: %.0f%% → %.0f%%", c.Field, c.Old*100, c.New*100)
	}
	return fmt.Sprintf("%s: %g → %g", c.Field, c.Old, c.New)
}

// Watcher polls one curriculum file. Poll is called from the control loop
// once per tick; only the fsnotify goroutine runs concurrently and it only
// raises a flag.
type Watcher struct {
	path      string
	stage     int
	interval  time.Duration
	threshold ThresholdTarget
	optimizer LearningRateTarget

	now       func() time.Time
	lastCheck time.Time
	lastMtime time.Time

	fs    *fsnotify.Watcher
	dirty atomic.Bool
	done  chan struct{}
}

// New returns a watcher for stage's entry in the curriculum at path. The
// file's current modification time is the baseline; only later edits are
// reloaded.
func New(path string, stage int, interval time.Duration, threshold ThresholdTarget, optimizer LearningRateTarget) (*Watcher, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("watch curriculum: %w", err)
	}
	return &Watcher{
		path:      filepath.Clean(path),
		stage:     stage,
		interval:  interval,
		threshold: threshold,
		optimizer: optimizer,
		now:       time.Now,
		lastMtime: info.ModTime(),
	}, nil
}

// Notify subscribes to filesystem events for the curriculum's directory so
// an edit is picked up on the next Poll instead of waiting for the interval.
// Without it the watcher polls on its interval alone.
func (w *Watcher) Notify() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	// Editors often replace the file, so watch the directory.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fs = fw
	w.done = make(chan struct{})
	go w.listen(fw, w.done)
	return nil
}

func (w *Watcher) listen(fw *fsnotify.Watcher, done <-chan struct{}) {
	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) == w.path && event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				w.dirty.Store(true)
			}
		case _, ok := <-fw.Errors:
			if !ok {
				return
			}
		case <-done:
			return
		}
	}
}

// Poll reloads the curriculum if its cadence is due (or a change event
// arrived) and the file's modification time moved forward. Differing values
// are applied to the live targets and returned. Failures come back as a
// *config.ReloadError and leave every live value untouched.
func (w *Watcher) Poll() ([]Change, error) {
	now := w.now()
	hinted := w.dirty.Swap(false)
	if !hinted && now.Sub(w.lastCheck) < w.interval {
		return nil, nil
	}
	w.lastCheck = now

	info, err := os.Stat(w.path)
	if err != nil {
		return nil, &config.ReloadError{Path: w.path, Err: err}
	}
	if !info.ModTime().After(w.lastMtime) {
		return nil, nil
	}
	w.lastMtime = info.ModTime()

	cur, err := config.LoadCurriculum(w.path)
	if err != nil {
		return nil, &config.ReloadError{Path: w.path, Err: err}
	}

	var changes []Change
	// A stage that vanished from the file keeps its live threshold.
	if stage, err := cur.Stage(w.stage); err == nil {
		if old := w.threshold.Threshold(); stage.PromotionThreshold != old {
			w.threshold.SetThreshold(stage.PromotionThreshold)
			changes = append(changes, Change{Field: FieldThreshold, Old: old, New: stage.PromotionThreshold})
		}
	}
	if lr, old := cur.LearningRate(), w.optimizer.LearningRate(); lr != old {
		w.optimizer.SetLearningRate(lr)
		changes = append(changes, Change{Field: FieldLearningRate, Old: old, New: lr})
	}
	return changes, nil
}

// Close stops the filesystem subscription, if any.
func (w *Watcher) Close() {
	if w.fs == nil {
		return
	}
	close(w.done)
	_ = w.fs.Close()
	w.fs = nil
}
