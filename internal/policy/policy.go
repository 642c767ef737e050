// Package policy defines the optimizer collaborator the training loop drives
// and ships a seeded uniform-random baseline behind it.
//
// The loop only ever sees the Policy interface: New and Load both return
// one, so a fresh stage and a resumed stage train through the same surface.
package policy

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/k0der/SpaceInvaders/internal/bridge"
	"github.com/k0der/SpaceInvaders/internal/pool"
)

// Action space of the simulation: MultiDiscrete([10, 2]).
const (
	MoveActions = 10
	FireActions = 2
)

// Policy is the trainable unit. Implementations are driven from a single
// goroutine.
type Policy interface {
	// Act returns one action per observation, positionally aligned.
	Act(observations [][]float64) []bridge.Action
	// Observe feeds back the results of the actions last returned by Act.
	Observe(results []pool.Result)
	LearningRate() float64
	SetLearningRate(lr float64)
	// Save writes a checkpoint that Load can restore.
	Save(path string) error
}

// Options configure a new or restored policy.
type Options struct {
	Seed            int64
	Hyperparameters map[string]any // the curriculum's optimizer block
	Architecture    map[string]any // the curriculum's policy block
}

const kindUniform = "uniform"

// Uniform picks every action uniformly at random. It learns nothing and is
// the reference point other policies are measured against.
type Uniform struct {
	rng   *rand.Rand
	state checkpointDoc
}

type checkpointDoc struct {
	Kind            string         `json:"kind"`
	Seed            int64          `json:"seed"`
	LearningRate    float64        `json:"learning_rate"`
	StepsObserved   int            `json:"steps_observed"`
	Episodes        int            `json:"episodes"`
	Hyperparameters map[string]any `json:"hyperparameters"`
	Architecture    map[string]any `json:"architecture"`
}

// New builds a fresh policy from opts.
func New(opts Options) Policy {
	hp := make(map[string]any, len(opts.Hyperparameters))
	for k, v := range opts.Hyperparameters {
		hp[k] = v
	}
	lr := number(hp["learning_rate"])
	return &Uniform{
		rng: rand.New(rand.NewSource(opts.Seed)),
		state: checkpointDoc{
			Kind:            kindUniform,
			Seed:            opts.Seed,
			LearningRate:    lr,
			Hyperparameters: hp,
			Architecture:    opts.Architecture,
		},
	}
}

// Load restores a policy saved with Save. The learning rate is taken from
// opts so a curriculum edit between stages applies to resumed training.
func Load(path string, opts Options) (Policy, error) {
	//nolint:gosec // checkpoint path comes from operator configuration
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var doc checkpointDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	if doc.Kind != kindUniform {
		return nil, fmt.Errorf("checkpoint %s: unsupported policy kind %q", path, doc.Kind)
	}

	p := New(opts).(*Uniform)
	p.state.StepsObserved = doc.StepsObserved
	p.state.Episodes = doc.Episodes
	if opts.Hyperparameters == nil && doc.Hyperparameters != nil {
		p.state.Hyperparameters = doc.Hyperparameters
		p.state.LearningRate = doc.LearningRate
	}
	if opts.Architecture == nil {
		p.state.Architecture = doc.Architecture
	}
	return p, nil
}

// number reads a decoded YAML, TOML or JSON scalar as a float. Integer
// learning rates are valid curriculum values.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	default:
		return 0
	}
}

// Act implements Policy.
func (u *Uniform) Act(observations [][]float64) []bridge.Action {
	actions := make([]bridge.Action, len(observations))
	for i := range actions {
		actions[i] = bridge.Action{
			Move: u.rng.Intn(MoveActions),
			Fire: u.rng.Intn(FireActions),
		}
	}
	return actions
}

// Observe implements Policy. Failed slots are not counted.
func (u *Uniform) Observe(results []pool.Result) {
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		u.state.StepsObserved++
		if r.Done {
			u.state.Episodes++
		}
	}
}

// LearningRate implements Policy.
func (u *Uniform) LearningRate() float64 { return u.state.LearningRate }

// SetLearningRate implements Policy.
func (u *Uniform) SetLearningRate(lr float64) {
	u.state.LearningRate = lr
	u.state.Hyperparameters["learning_rate"] = lr
}

// StepsObserved returns the number of successful steps fed to Observe.
func (u *Uniform) StepsObserved() int { return u.state.StepsObserved }

// Save implements Policy.
func (u *Uniform) Save(path string) error {
	data, err := json.MarshalIndent(u.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}
