package prediction

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

// schedules use the standard five field cron format and are
// evaluated in UTC unless prefixed with CRON_TZ=.
var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

func parseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("empty schedule")
	}
	if !strings.HasPrefix(spec, "CRON_TZ=") && !strings.HasPrefix(spec, "TZ=") {
		spec = "CRON_TZ=UTC " + spec
	}
	schedule, err := scheduleParser.Parse(spec)
	if err != nil {
		return nil, err
	}
	if _, ok := schedule.(cron.ConstantDelaySchedule); ok {
		return nil, fmt.Errorf("interval schedules are not supported")
	}
	return schedule, nil
}

type limit struct {
	config   types.CapacityLimitConfig
	schedule cron.Schedule
}

// Limits holds the scheduled capacity limits.
type Limits struct {
	limits []limit
}

// ValidateLimits checks ids, bounds and schedules.
func ValidateLimits(configs []types.CapacityLimitConfig) error {
	_, err := NewLimits(configs)
	return err
}

// NewLimits parses the limit schedules. Limits are kept in
// precedence order: highest priority first, then smallest id.
func NewLimits(configs []types.CapacityLimitConfig) (*Limits, error) {
	seen := make(map[string]bool, len(configs))
	l := &Limits{limits: make([]limit, 0, len(configs))}
	for _, c := range configs {
		if c.ID == "" {
			return nil, apptypes.NewConfigurationError(component, "capacity limit: missing id")
		}
		if seen[c.ID] {
			return nil, apptypes.NewConfigurationError(component, "duplicate capacity limit id %q", c.ID)
		}
		seen[c.ID] = true
		if c.Min < 0 || c.Min > c.Max {
			return nil, apptypes.NewConfigurationError(component, "capacity limit %q: require 0 <= min <= max, got [%d, %d]", c.ID, c.Min, c.Max)
		}
		schedule, err := parseSchedule(c.Schedule)
		if err != nil {
			return nil, &apptypes.ConfigurationError{
				Component: component,
				Msg:       fmt.Sprintf("capacity limit %q: invalid schedule %q", c.ID, c.Schedule),
				Err:       err,
			}
		}
		l.limits = append(l.limits, limit{config: c, schedule: schedule})
	}
	sort.SliceStable(l.limits, func(i, j int) bool {
		a, b := l.limits[i].config, l.limits[j].config
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.ID < b.ID
	})
	return l, nil
}

// Active returns the limit in effect at the given time, or nil. A
// limit is in effect when its schedule fires in the minute of at.
func (l *Limits) Active(at time.Time) *types.CapacityLimitConfig {
	minute := at.Truncate(time.Minute)
	for _, lim := range l.limits {
		if lim.schedule.Next(minute.Add(-time.Second)).Equal(minute) {
			c := lim.config
			return &c
		}
	}
	return nil
}

// Clamp bounds x to [min, max].
func Clamp(x float64, min, max int) float64 {
	return math.Max(float64(min), math.Min(x, float64(max)))
}
