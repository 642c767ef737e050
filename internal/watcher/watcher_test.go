package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/k0der/SpaceInvaders/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type live struct {
	threshold float64
	lr        float64
}

func (l *live) Threshold() float64        { return l.threshold }
func (l *live) SetThreshold(v float64)    { l.threshold = v }
func (l *live) LearningRate() float64     { return l.lr }
func (l *live) SetLearningRate(v float64) { l.lr = v }

func writeCurriculum(t *testing.T, path, threshold, lr string, mtime time.Time) {
	t.Helper()
	content := []byte(fmtCurriculum(threshold, lr))
	require.NoError(t, os.WriteFile(path, content, 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func fmtCurriculum(threshold, lr string) string {
	return "stages:\n  2:\n    promotionThreshold: " + threshold + "\nppo:\n  learning_rate: " + lr + "\n"
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func setup(t *testing.T) (*Watcher, *live, *clock, string, time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	base := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeCurriculum(t, path, "0.8", "0.0003", base)

	l := &live{threshold: 0.8, lr: 0.0003}
	w, err := New(path, 2, 30*time.Second, l, l)
	require.NoError(t, err)
	c := &clock{t: base.Add(time.Minute)}
	w.now = c.now
	return w, l, c, path, base
}

func TestWatcher_ThresholdEdit(t *testing.T) {
	w, l, c, path, base := setup(t)

	changes, err := w.Poll()
	require.NoError(t, err)
	assert.Empty(t, changes, "unchanged file is a no-op")

	writeCurriculum(t, path, "0.9", "0.0003", base.Add(10*time.Second))
	c.t = c.t.Add(30 * time.Second)

	changes, err = w.Poll()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, FieldThreshold, changes[0].Field)
	assert.Equal(t, 0.8, changes[0].Old)
	assert.Equal(t, 0.9, changes[0].New)
	assert.Equal(t, "promotionThreshold: 80% → 90%", changes[0].String())
	assert.Equal(t, 0.9, l.threshold)
	assert.Equal(t, 0.0003, l.lr)
}

func TestWatcher_LearningRateEdit(t *testing.T) {
	w, l, c, path, base := setup(t)

	writeCurriculum(t, path, "0.8", "0.0001", base.Add(10*time.Second))
	c.t = c.t.Add(time.Minute)

	changes, err := w.Poll()
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, FieldLearningRate, changes[0].Field)
	assert.Equal(t, "learning_rate: 0.0003 → 0.0001", changes[0].String())
	assert.Equal(t, 0.0001, l.lr)
}

func TestWatcher_RespectsInterval(t *testing.T) {
	w, l, c, path, base := setup(t)

	_, err := w.Poll()
	require.NoError(t, err)

	writeCurriculum(t, path, "0.95", "0.0003", base.Add(10*time.Second))
	c.t = c.t.Add(10 * time.Second)

	changes, err := w.Poll()
	require.NoError(t, err)
	assert.Empty(t, changes, "interval has not elapsed")
	assert.Equal(t, 0.8, l.threshold)

	w.dirty.Store(true)
	changes, err = w.Poll()
	require.NoError(t, err)
	assert.Len(t, changes, 1, "a change hint bypasses the interval")
}

func TestWatcher_ReloadFailuresKeepLiveValues(t *testing.T) {
	t.Run("parse error", func(t *testing.T) {
		w, l, c, path, base := setup(t)
		require.NoError(t, os.WriteFile(path, []byte("stages: [oops"), 0o644))
		require.NoError(t, os.Chtimes(path, base.Add(time.Second), base.Add(time.Second)))
		c.t = c.t.Add(time.Minute)

		changes, err := w.Poll()
		var reloadErr *config.ReloadError
		require.ErrorAs(t, err, &reloadErr)
		assert.Empty(t, changes)
		assert.Equal(t, 0.8, l.threshold)
	})

	t.Run("missing file", func(t *testing.T) {
		w, l, c, path, _ := setup(t)
		require.NoError(t, os.Remove(path))
		c.t = c.t.Add(time.Minute)

		_, err := w.Poll()
		var reloadErr *config.ReloadError
		require.ErrorAs(t, err, &reloadErr)
		assert.Equal(t, 0.0003, l.lr)
	})

	t.Run("stage removed keeps threshold", func(t *testing.T) {
		w, l, c, path, base := setup(t)
		content := "stages:\n  3:\n    promotionThreshold: 0.5\nppo:\n  learning_rate: 0.0003\n"
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		require.NoError(t, os.Chtimes(path, base.Add(time.Second), base.Add(time.Second)))
		c.t = c.t.Add(time.Minute)

		changes, err := w.Poll()
		require.NoError(t, err)
		assert.Empty(t, changes)
		assert.Equal(t, 0.8, l.threshold)
	})
}

func TestWatcher_NotifySetsHint(t *testing.T) {
	w, _, _, path, base := setup(t)
	require.NoError(t, w.Notify())
	defer w.Close()

	writeCurriculum(t, path, "0.85", "0.0003", base.Add(5*time.Second))

	assert.Eventually(t, func() bool { return w.dirty.Load() }, 2*time.Second, 10*time.Millisecond)
}

func TestNew_MissingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "nope.yaml"), 1, time.Second, &live{}, &live{})
	assert.Error(t, err)
}
