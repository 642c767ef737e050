// Package best keeps the best checkpoint of a stage, judged by rolling win
// rate and checked on an episode-count cadence.
package best

import (
	"fmt"

	"github.com/k0der/SpaceInvaders/internal/checkpoint"
)

// SaveFunc writes the current policy to path.
type SaveFunc func(path string) error

// Tracker decides when to persist a new best checkpoint. One Tracker lives
// for one stage and starts with a best win rate of 0.
type Tracker struct {
	dir         string
	checkEvery  int
	minEpisodes int
	save        SaveFunc

	best        float64
	lastChecked int
}

// New returns a tracker writing best.ckpt and best_meta.json into dir.
// A check runs whenever the episode count has grown by checkEvery since the
// previous check, and never before minEpisodes episodes have been counted.
func New(dir string, checkEvery, minEpisodes int, save SaveFunc) *Tracker {
	if checkEvery < 1 {
		checkEvery = 1
	}
	return &Tracker{dir: dir, checkEvery: checkEvery, minEpisodes: minEpisodes, save: save}
}

// Best returns the best win rate saved so far this stage.
func (t *Tracker) Best() float64 { return t.best }

// Check runs once per tick. It returns the saved record when the rolling
// win rate strictly beat every previous check, and nil otherwise.
func (t *Tracker) Check(episodes int, winRate float64, haveRate bool, step int) (*checkpoint.BestMeta, error) {
	if episodes < t.minEpisodes {
		return nil, nil
	}
	if episodes-t.lastChecked < t.checkEvery {
		return nil, nil
	}
	t.lastChecked = episodes

	if !haveRate || winRate <= t.best {
		return nil, nil
	}
	if err := t.save(checkpoint.BestPath(t.dir)); err != nil {
		return nil, fmt.Errorf("save best checkpoint: %w", err)
	}
	t.best = winRate

	meta := checkpoint.BestMeta{
		WinRate:   winRate,
		Episodes:  episodes,
		Step:      step,
		Timestamp: checkpoint.Now(),
	}
	if _, err := checkpoint.SaveBestMeta(t.dir, meta); err != nil {
		return nil, err
	}
	return &meta, nil
}
