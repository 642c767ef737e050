package dash

import (
	"os"
	"path/filepath"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the stage's telemetry files change.
type fsChangeMsg struct{}

const debounceDuration = 100 * time.Millisecond

// initWatcher watches the telemetry directory. It returns nil when the
// directory is missing or fsnotify fails; the dashboard then refreshes on
// its tick alone.
func initWatcher(dir string) *fsnotify.Watcher {
	if _, err := os.Stat(dir); err != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil
	}
	return w
}

// waitForChange returns a command that blocks until a write to one of the
// watched files settles, then reports it once.
func waitForChange(w *fsnotify.Watcher, names ...string) tea.Cmd {
	if w == nil {
		return nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[filepath.Clean(n)] = true
	}
	return func() tea.Msg {
		timer := time.NewTimer(debounceDuration)
		timer.Stop()
		pending := false
		for {
			select {
			case event, ok := <-w.Events:
				if !ok {
					return nil
				}
				if !wanted[filepath.Clean(event.Name)] {
					continue
				}
				pending = true
				timer.Reset(debounceDuration)
			case <-timer.C:
				if pending {
					return fsChangeMsg{}
				}
			case _, ok := <-w.Errors:
				if !ok {
					return nil
				}
			}
		}
	}
}
