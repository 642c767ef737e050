// Package pool fans one request per tick out to N simulation bridges and
// gathers the replies positionally.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/k0der/SpaceInvaders/internal/bridge"
)

// Result is one slot's outcome for a reset or step. Err is non-nil when the
// slot failed this tick; the other fields are then zero.
type Result struct {
	Slot        int
	Observation []float64
	Reward      float64
	Done        bool
	Info        bridge.Info
	Err         error
}

// ErrSkipped marks a slot StepAll left out because it has no episode in
// progress. Nothing was sent to its worker.
var ErrSkipped = errors.New("slot skipped: no episode in progress")

// Crashed reports whether the slot's worker died this tick.
func (r Result) Crashed() bool {
	return r.Err != nil && errors.Is(r.Err, bridge.ErrCrashed)
}

// Pool owns N bridges, one per slot. Each bridge is touched by at most one
// goroutine at a time, so tick k+1 for a slot never starts before tick k's
// reply for that slot has been read.
type Pool struct {
	bridges []*bridge.Bridge
}

// New builds a pool of size unstarted bridges. Workers are launched lazily by
// the first reset of each slot.
func New(size int, cfg bridge.Config) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}
	p := &Pool{bridges: make([]*bridge.Bridge, size)}
	for i := range p.bridges {
		p.bridges[i] = bridge.New(i, cfg)
	}
	return p, nil
}

// Size returns the number of slots.
func (p *Pool) Size() int { return len(p.bridges) }

// States returns the liveness of every slot.
func (p *Pool) States() []bridge.State {
	states := make([]bridge.State, len(p.bridges))
	for i, b := range p.bridges {
		states[i] = b.State()
	}
	return states
}

// Reset starts a fresh episode on one slot, relaunching its worker first if
// it is not Running. This is the only place a crashed slot heals.
func (p *Pool) Reset(ctx context.Context, slot int, envConfig map[string]any) Result {
	if slot < 0 || slot >= len(p.bridges) {
		return Result{Slot: slot, Err: fmt.Errorf("slot %d out of range [0,%d)", slot, len(p.bridges))}
	}
	b := p.bridges[slot]
	if b.State() != bridge.Running {
		if err := b.Start(); err != nil {
			return Result{Slot: slot, Err: err}
		}
	}
	reply, err := b.Send(ctx, bridge.ResetRequest{Config: envConfig})
	if err != nil {
		return Result{Slot: slot, Err: err}
	}
	return Result{Slot: slot, Observation: reply.Observation, Info: reply.Info}
}

// ResetAll resets every slot with the same environment configuration.
func (p *Pool) ResetAll(ctx context.Context, envConfig map[string]any) []Result {
	return p.each(func(slot int) Result {
		return p.Reset(ctx, slot, envConfig)
	})
}

// StepAll sends actions[i] to slot i and returns the replies in slot order.
// A failing slot yields a Result with Err set; the others are unaffected.
// When active is non-nil, slots with active[i] false are not stepped and
// return ErrSkipped.
func (p *Pool) StepAll(ctx context.Context, actions []bridge.Action, active []bool) ([]Result, error) {
	if len(actions) != len(p.bridges) {
		return nil, fmt.Errorf("got %d actions for %d slots", len(actions), len(p.bridges))
	}
	if active != nil && len(active) != len(p.bridges) {
		return nil, fmt.Errorf("got %d active flags for %d slots", len(active), len(p.bridges))
	}
	return p.each(func(slot int) Result {
		if active != nil && !active[slot] {
			return Result{Slot: slot, Err: ErrSkipped}
		}
		reply, err := p.bridges[slot].Send(ctx, bridge.StepRequest{Action: actions[slot]})
		if err != nil {
			return Result{Slot: slot, Err: err}
		}
		return Result{
			Slot:        slot,
			Observation: reply.Observation,
			Reward:      reply.Reward,
			Done:        reply.Done,
			Info:        reply.Info,
		}
	}), nil
}

// Close stops every worker. It is safe to call more than once.
func (p *Pool) Close() {
	p.each(func(slot int) Result {
		p.bridges[slot].Stop()
		return Result{Slot: slot}
	})
}

// each runs fn once per slot and blocks until all have returned. A single
// slot runs inline on the caller's goroutine.
func (p *Pool) each(fn func(slot int) Result) []Result {
	results := make([]Result, len(p.bridges))
	if len(p.bridges) == 1 {
		results[0] = fn(0)
		return results
	}

	var wg sync.WaitGroup
	for i := range p.bridges {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			results[slot] = fn(slot)
		}(i)
	}
	wg.Wait()
	return results
}
