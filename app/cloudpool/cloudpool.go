// Package cloudpool defines the contract of the machine pool the
// autoscaler actuates, and the helpers its adapters share.
package cloudpool

import (
	"context"
	"sort"

	"github.com/drone-runners/drone-autoscaler/types"
)

// CloudPool is a group of machines whose size is controlled by the
// autoscaler.
type CloudPool interface {
	// PoolSize returns the desired, allocated and active size.
	PoolSize(ctx context.Context) (*types.PoolSizeSummary, error)

	// SetDesiredSize asks the pool to converge on n machines.
	SetDesiredSize(ctx context.Context, n int) error

	// MachinePool returns the current pool members.
	MachinePool(ctx context.Context) (*types.MachinePool, error)
}

// Summarize returns the size of a pool given its members and the
// last requested desired size. A negative desired size means the pool
// has not been resized yet and the allocated count is used.
func Summarize(machines []types.Machine, desired int) *types.PoolSizeSummary {
	pool := &types.MachinePool{Machines: machines}
	summary := pool.Summary()
	if desired >= 0 {
		summary.Desired = desired
	}
	return summary
}

// Plan computes how to move the pool to the desired size: the number
// of machines to launch, or the machines to terminate. Machines that
// are not running yet are terminated first, then the newest ones.
func Plan(machines []types.Machine, desired int) (launch int, terminate []types.Machine) {
	var allocated []types.Machine
	for _, m := range machines {
		if m.State.Allocated() {
			allocated = append(allocated, m)
		}
	}
	if len(allocated) <= desired {
		return desired - len(allocated), nil
	}

	sort.SliceStable(allocated, func(i, j int) bool {
		a, b := allocated[i], allocated[j]
		if a.State.Active() != b.State.Active() {
			return !a.State.Active()
		}
		return a.LaunchTime.After(b.LaunchTime)
	})
	return 0, allocated[:len(allocated)-desired]
}
