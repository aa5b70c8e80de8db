package noop

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drone-runners/drone-autoscaler/types"
)

func TestPool(t *testing.T) {
	ctx := context.Background()
	p := New(WithRegion("eu"), WithSize("small"))

	size, err := p.PoolSize(ctx)
	assert.NoError(t, err)
	assert.Equal(t, &types.PoolSizeSummary{}, size)

	assert.NoError(t, p.SetDesiredSize(ctx, 3))
	machines, err := p.MachinePool(ctx)
	assert.NoError(t, err)
	assert.Len(t, machines.Machines, 3)
	for _, m := range machines.Machines {
		assert.Equal(t, types.MachineRunning, m.State)
		assert.Equal(t, "eu", m.Region)
		assert.Equal(t, "small", m.Size)
		assert.Equal(t, "noop", m.Origin)
	}

	assert.NoError(t, p.SetDesiredSize(ctx, 1))
	size, err = p.PoolSize(ctx)
	assert.NoError(t, err)
	assert.Equal(t, &types.PoolSizeSummary{Desired: 1, Allocated: 1, Active: 1}, size)

	assert.Error(t, p.SetDesiredSize(ctx, -1))
}

func TestPool_Pending(t *testing.T) {
	ctx := context.Background()
	p := New(WithPending(true))
	assert.NoError(t, p.SetDesiredSize(ctx, 2))

	size, err := p.PoolSize(ctx)
	assert.NoError(t, err)
	assert.Equal(t, &types.PoolSizeSummary{Desired: 2, Allocated: 2, Active: 0}, size)
}
