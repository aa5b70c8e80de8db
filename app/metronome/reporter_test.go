package metronome

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

func newTestReporter(pool *mockPool) (*Reporter, *recorder) {
	bus := eventbus.New()
	rec := record(bus)
	r := NewReporter(bus, pool)
	r.now = func() time.Time { return epoch }
	return r, rec
}

func TestReporter_Report(t *testing.T) {
	pool := &mockPool{
		MachinePoolFunc: func(context.Context) (*types.MachinePool, error) {
			return &types.MachinePool{Machines: []types.Machine{
				{ID: "1", State: types.MachineRunning, Origin: "amazon", Region: "us-east-2a", Size: "t3.nano"},
				{ID: "2", State: types.MachineRunning, Origin: "amazon", Region: "us-east-2a", Size: "t3.nano"},
				{ID: "3", State: types.MachinePending, Origin: "amazon", Region: "us-east-2b", Size: "t3.nano"},
			}}, nil
		},
	}
	r, rec := newTestReporter(pool)
	r.Report(context.Background())

	samples := rec.named(types.MetricPoolMachines)
	assert.Len(t, samples, 2*len(types.MachineStates))

	counts := map[string]float64{}
	for _, s := range samples {
		assert.Equal(t, epoch, s.Timestamp)
		assert.Equal(t, "amazon", s.Tags["origin"])
		assert.Equal(t, "t3.nano", s.Tags["size"])
		counts[s.Tags["region"]+"/"+s.Tags["state"]] = s.Value
	}
	assert.Equal(t, 2.0, counts["us-east-2a/running"])
	assert.Equal(t, 0.0, counts["us-east-2a/pending"])
	assert.Equal(t, 1.0, counts["us-east-2b/pending"])
	assert.Equal(t, 0.0, counts["us-east-2b/running"])
	assert.Contains(t, counts, "us-east-2b/terminated")
}

func TestReporter_EmptyPool(t *testing.T) {
	r, rec := newTestReporter(&mockPool{})
	r.Report(context.Background())

	samples := rec.named(types.MetricPoolMachines)
	assert.Len(t, samples, len(types.MachineStates))
	for i, s := range samples {
		assert.Zero(t, s.Value)
		assert.Equal(t, string(types.MachineStates[i]), s.Tags["state"])
		assert.Empty(t, s.Tags["origin"])
	}
}

func TestReporter_FetchFailure(t *testing.T) {
	pool := &mockPool{
		MachinePoolFunc: func(context.Context) (*types.MachinePool, error) {
			return nil, errors.New("throttled")
		},
	}
	r, rec := newTestReporter(pool)
	r.Report(context.Background())

	assert.Empty(t, rec.named(types.MetricPoolMachines))
	alerts := rec.alertList()
	if assert.Len(t, alerts, 1) {
		assert.Equal(t, types.TopicCloudPool, alerts[0].Topic)
	}
}
