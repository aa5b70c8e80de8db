package metronome

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

// Reporter samples the members of a cloud pool and emits one machine
// count per lifecycle state and machine tags.
type Reporter struct {
	bus  *eventbus.Bus
	pool cloudpool.CloudPool
	now  func() time.Time
}

func NewReporter(bus *eventbus.Bus, pool cloudpool.CloudPool) *Reporter {
	return &Reporter{bus: bus, pool: pool, now: time.Now}
}

type machineTags struct {
	origin, region, size string
}

func (t machineTags) key() string {
	return strings.Join([]string{t.origin, t.region, t.size}, "\x00")
}

// Report emits the pool composition. Every state is reported for
// every observed tag combination, with zero counts where no machine
// matches. Fetch failures raise an alert and emit nothing.
func (r *Reporter) Report(ctx context.Context) {
	pool, err := r.pool.MachinePool(ctx)
	if err != nil {
		r.bus.Alert(types.TopicCloudPool, types.SeverityWarning,
			fmt.Sprintf("cannot fetch machine pool: %s", err), nil)
		return
	}
	ts := r.now().UTC()

	combos := map[string]machineTags{}
	counts := map[string]map[types.MachineState]int{}
	for _, m := range pool.Machines {
		tags := machineTags{origin: m.Origin, region: m.Region, size: m.Size}
		key := tags.key()
		if _, ok := combos[key]; !ok {
			combos[key] = tags
			counts[key] = map[types.MachineState]int{}
		}
		counts[key][m.State]++
	}
	if len(combos) == 0 {
		empty := machineTags{}
		combos[empty.key()] = empty
		counts[empty.key()] = map[types.MachineState]int{}
	}

	keys := maps.Keys(combos)
	slices.Sort(keys)
	for _, key := range keys {
		tags := combos[key]
		for _, state := range types.MachineStates {
			r.bus.Metric(types.MetricPoolMachines, float64(counts[key][state]), ts, map[string]string{
				"state":  string(state),
				"origin": tags.origin,
				"region": tags.region,
				"size":   tags.size,
			})
		}
	}
	logrus.WithField("machines", len(pool.Machines)).Traceln("metronome: reported pool composition")
}
