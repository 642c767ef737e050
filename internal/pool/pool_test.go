package pool_test

import (
	"context"
	"os"
	"testing"

	"github.com/k0der/SpaceInvaders/internal/bridge"
	"github.com/k0der/SpaceInvaders/internal/bridge/bridgetest"
	"github.com/k0der/SpaceInvaders/internal/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	bridgetest.RunIfRequested()
	os.Exit(m.Run())
}

func actions(n int) []bridge.Action {
	return make([]bridge.Action, n)
}

func TestNew(t *testing.T) {
	t.Run("rejects an empty pool", func(t *testing.T) {
		_, err := pool.New(0, bridgetest.Config(bridgetest.Options{}))
		assert.Error(t, err)
	})

	t.Run("slots start unstarted", func(t *testing.T) {
		p, err := pool.New(3, bridgetest.Config(bridgetest.Options{}))
		require.NoError(t, err)
		assert.Equal(t, 3, p.Size())
		assert.Equal(t, []bridge.State{bridge.Unstarted, bridge.Unstarted, bridge.Unstarted}, p.States())
	})
}

func TestPool_ResetAndStep(t *testing.T) {
	for _, size := range []int{1, 3} {
		t.Run(map[int]string{1: "single slot", 3: "three slots"}[size], func(t *testing.T) {
			p, err := pool.New(size, bridgetest.Config(bridgetest.Options{EpisodeLen: 2}))
			require.NoError(t, err)
			defer p.Close()

			ctx := context.Background()
			resets := p.ResetAll(ctx, map[string]any{"maxTicks": 10})
			require.Len(t, resets, size)
			for i, r := range resets {
				require.NoError(t, r.Err)
				assert.Equal(t, i, r.Slot)
				assert.Len(t, r.Observation, bridge.ObservationSize)
			}

			first, err := p.StepAll(ctx, actions(size), nil)
			require.NoError(t, err)
			second, err := p.StepAll(ctx, actions(size), nil)
			require.NoError(t, err)
			for i := 0; i < size; i++ {
				assert.Equal(t, i, second[i].Slot, "results are positionally aligned")
				assert.False(t, first[i].Done)
				assert.True(t, second[i].Done)
			}
		})
	}
}

func TestPool_StepAllRejectsWrongActionCount(t *testing.T) {
	p, err := pool.New(2, bridgetest.Config(bridgetest.Options{}))
	require.NoError(t, err)
	defer p.Close()

	_, err = p.StepAll(context.Background(), actions(3), nil)
	assert.Error(t, err)
}

func TestPool_CrashHealsOnReset(t *testing.T) {
	// Workers die after answering reset plus one step.
	p, err := pool.New(2, bridgetest.Config(bridgetest.Options{Mode: bridgetest.DieAfter(2), EpisodeLen: 100}))
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	for _, r := range p.ResetAll(ctx, nil) {
		require.NoError(t, r.Err)
	}
	results, err := p.StepAll(ctx, actions(2), nil)
	require.NoError(t, err)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	results, err = p.StepAll(ctx, actions(2), nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Crashed(), "slot %d should report a crash", r.Slot)
		assert.Nil(t, r.Observation)
	}
	assert.Equal(t, []bridge.State{bridge.Dead, bridge.Dead}, p.States())

	// Reset heals each slot independently.
	healed := p.Reset(ctx, 1, nil)
	require.NoError(t, healed.Err)
	assert.Len(t, healed.Observation, bridge.ObservationSize)
	assert.Equal(t, []bridge.State{bridge.Dead, bridge.Running}, p.States())
}

func TestPool_DeadSlotDoesNotAbortSiblings(t *testing.T) {
	p, err := pool.New(2, bridgetest.Config(bridgetest.Options{}))
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	for _, r := range p.ResetAll(ctx, nil) {
		require.NoError(t, r.Err)
	}
	// Stop everything, then bring back only slot 1.
	p.Close()
	require.NoError(t, p.Reset(ctx, 1, nil).Err)

	results, err := p.StepAll(ctx, actions(2), nil)
	require.NoError(t, err)
	assert.True(t, results[0].Crashed())
	assert.NoError(t, results[1].Err)
	assert.Len(t, results[1].Observation, bridge.ObservationSize)
}

func TestPool_StepAllSkipsInactiveSlots(t *testing.T) {
	p, err := pool.New(2, bridgetest.Config(bridgetest.Options{EpisodeLen: 2}))
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	for _, r := range p.ResetAll(ctx, nil) {
		require.NoError(t, r.Err)
	}

	results, err := p.StepAll(ctx, actions(2), []bool{false, true})
	require.NoError(t, err)
	assert.ErrorIs(t, results[0].Err, pool.ErrSkipped)
	assert.False(t, results[0].Crashed())
	assert.NoError(t, results[1].Err)
	assert.Equal(t, []bridge.State{bridge.Running, bridge.Running}, p.States())

	// The skipped worker never saw a step: its episode is one step behind.
	results, err = p.StepAll(ctx, actions(2), nil)
	require.NoError(t, err)
	assert.False(t, results[0].Done)
	assert.True(t, results[1].Done)

	_, err = p.StepAll(ctx, actions(2), []bool{true})
	assert.Error(t, err)
}

func TestPool_ResetOutOfRange(t *testing.T) {
	p, err := pool.New(1, bridgetest.Config(bridgetest.Options{}))
	require.NoError(t, err)
	assert.Error(t, p.Reset(context.Background(), 4, nil).Err)
}

func TestPool_SpawnFailureIsPerSlot(t *testing.T) {
	p, err := pool.New(2, bridge.Config{Executable: "/nonexistent/dogfight-sim"})
	require.NoError(t, err)
	defer p.Close()

	for _, r := range p.ResetAll(context.Background(), nil) {
		var spawnErr *bridge.SpawnError
		assert.ErrorAs(t, r.Err, &spawnErr)
		assert.False(t, r.Crashed())
	}
}
