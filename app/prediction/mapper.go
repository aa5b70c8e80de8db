package prediction

import (
	"fmt"

	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

// Mapper converts metric unit predictions into compute units.
type Mapper struct {
	perUnit map[string]float64
}

// ValidateMappings checks that every mapping names a metric once and
// has a positive capacity per unit.
func ValidateMappings(configs []types.CapacityMappingConfig) error {
	seen := make(map[string]bool, len(configs))
	for _, c := range configs {
		if c.Metric == "" {
			return apptypes.NewConfigurationError(component, "capacity mapping: missing metric")
		}
		if seen[c.Metric] {
			return apptypes.NewConfigurationError(component, "duplicate capacity mapping for metric %q", c.Metric)
		}
		seen[c.Metric] = true
		if c.CapacityPerUnit <= 0 {
			return apptypes.NewConfigurationError(component, "capacity mapping %q: capacity per unit must be positive", c.Metric)
		}
	}
	return nil
}

// NewMapper creates a mapper from validated mappings.
func NewMapper(configs []types.CapacityMappingConfig) *Mapper {
	m := &Mapper{perUnit: make(map[string]float64, len(configs))}
	for _, c := range configs {
		m.perUnit[c.Metric] = c.CapacityPerUnit
	}
	return m
}

// ToCompute returns value / capacityPerUnit of the metric's mapping.
func (m *Mapper) ToCompute(metric string, value float64) (float64, error) {
	perUnit, ok := m.perUnit[metric]
	if !ok {
		return 0, fmt.Errorf("no capacity mapping for metric %q", metric)
	}
	return value / perUnit, nil
}
