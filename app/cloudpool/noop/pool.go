// Package noop provides an in-memory cloud pool. Machines appear and
// disappear as soon as the desired size changes.
package noop

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

var _ cloudpool.CloudPool = (*pool)(nil)

type pool struct {
	region  string
	size    string
	pending bool

	mu       sync.Mutex
	desired  int
	machines []types.Machine
}

func New(opts ...Option) cloudpool.CloudPool {
	p := &pool{
		region:  "local",
		size:    "noop",
		desired: -1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *pool) PoolSize(context.Context) (*types.PoolSizeSummary, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloudpool.Summarize(p.machines, p.desired), nil
}

func (p *pool) SetDesiredSize(_ context.Context, n int) error {
	if n < 0 {
		return apptypes.NewBadRequestError(fmt.Sprintf("invalid desired size %d", n))
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.desired = n
	launch, terminate := cloudpool.Plan(p.machines, n)

	if len(terminate) > 0 {
		drop := make(map[string]bool, len(terminate))
		for _, m := range terminate {
			drop[m.ID] = true
		}
		kept := p.machines[:0]
		for _, m := range p.machines {
			if !drop[m.ID] {
				kept = append(kept, m)
			}
		}
		p.machines = kept
	}

	state := types.MachineRunning
	if p.pending {
		state = types.MachinePending
	}
	for i := 0; i < launch; i++ {
		id := uuid.New().String()
		p.machines = append(p.machines, types.Machine{
			ID:         id,
			Name:       id,
			State:      state,
			Origin:     string(types.Noop),
			Region:     p.region,
			Size:       p.size,
			LaunchTime: time.Now().UTC(),
		})
	}
	return nil
}

func (p *pool) MachinePool(context.Context) (*types.MachinePool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &types.MachinePool{
		Machines:  append([]types.Machine(nil), p.machines...),
		Timestamp: time.Now().UTC(),
	}, nil
}
