// Package checkpoint lays out per-stage checkpoint directories and persists
// the metadata records written next to each saved policy.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	finalName    = "final.ckpt"
	bestName     = "best.ckpt"
	metaName     = "meta.json"
	bestMetaName = "best_meta.json"
)

// StageDir returns <root>/stage<N>.
func StageDir(root string, stage int) string {
	return filepath.Join(root, fmt.Sprintf("stage%d", stage))
}

// FinalPath is the checkpoint always written when a stage ends.
func FinalPath(dir string) string { return filepath.Join(dir, finalName) }

// BestPath is the checkpoint written on each strict win-rate improvement.
func BestPath(dir string) string { return filepath.Join(dir, bestName) }

// Meta describes a stage's final checkpoint.
type Meta struct {
	Stage                    int            `json:"stage"`
	Timestamp                float64        `json:"timestamp"`
	EnvConfig                map[string]any `json:"env_config"`
	PPOConfig                map[string]any `json:"ppo_config"`
	PromotionThreshold       float64        `json:"promotion_threshold"`
	TimestepsBudget          int            `json:"timesteps_budget"`
	EpisodesCounted          int            `json:"episodes_counted"`
	RollingWinRate           *float64       `json:"rolling_win_rate"`
	WindowSize               int            `json:"window_size"`
	MinEpisodesBeforePromote int            `json:"min_episodes_before_promote"`
}

// BestMeta describes the best checkpoint of a stage.
type BestMeta struct {
	WinRate   float64 `json:"win_rate"`
	Episodes  int     `json:"episodes"`
	Step      int     `json:"step"`
	Timestamp float64 `json:"timestamp"`
}

// Now returns the current time as fractional Unix seconds.
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// SaveMeta writes dir/meta.json and returns its path.
func SaveMeta(dir string, m Meta) (string, error) {
	return writeJSON(filepath.Join(dir, metaName), m)
}

// LoadMeta reads dir/meta.json.
func LoadMeta(dir string) (*Meta, error) {
	var m Meta
	if err := readJSON(filepath.Join(dir, metaName), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// SaveBestMeta writes dir/best_meta.json and returns its path.
func SaveBestMeta(dir string, m BestMeta) (string, error) {
	return writeJSON(filepath.Join(dir, bestMetaName), m)
}

// LoadBestMeta reads dir/best_meta.json.
func LoadBestMeta(dir string) (*BestMeta, error) {
	var m BestMeta
	if err := readJSON(filepath.Join(dir, bestMetaName), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeJSON(path string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return path, nil
}

func readJSON(path string, v any) error {
	//nolint:gosec // path is built from the checkpoint root
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}
