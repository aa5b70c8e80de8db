package prediction

import (
	"math"
	"time"

	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

// ValidatePolicies checks the scaling policy values.
func ValidatePolicies(config *types.ScalingPoliciesConfig) error {
	if config == nil {
		return nil
	}
	if config.Tolerance() < 0 {
		return apptypes.NewConfigurationError(component, "machine delta tolerance must not be negative")
	}
	if config.OverprovisioningGracePeriod != nil && config.OverprovisioningGracePeriod.Duration < 0 {
		return apptypes.NewConfigurationError(component, "overprovisioning grace period must not be negative")
	}
	return nil
}

// Enforcer smooths the aggregate prediction relative to the current
// pool size. Changes within the tolerance keep the desired size, and
// scale-in is held back until predictions stayed below the desired
// size for the grace period.
type Enforcer struct {
	Tolerance   float64
	GracePeriod time.Duration

	// start of the current run of scale-in predictions.
	belowSince time.Time
}

// NewEnforcer creates an enforcer, applying defaults for a missing config.
func NewEnforcer(config *types.ScalingPoliciesConfig) *Enforcer {
	e := &Enforcer{Tolerance: config.Tolerance()}
	if config != nil {
		e.GracePeriod = types.DurationOr(config.OverprovisioningGracePeriod, 0)
	}
	return e
}

// Enforce returns the smoothed prediction for the given time.
func (e *Enforcer) Enforce(aggregate float64, poolSize *types.PoolSizeSummary, at time.Time) float64 {
	if poolSize == nil {
		e.belowSince = time.Time{}
		return aggregate
	}
	return e.enforce(aggregate, float64(poolSize.Desired), at)
}

func (e *Enforcer) enforce(aggregate, desired float64, at time.Time) float64 {
	if math.Abs(aggregate-desired) <= e.Tolerance {
		e.belowSince = time.Time{}
		return desired
	}
	if aggregate > desired || e.GracePeriod <= 0 {
		e.belowSince = time.Time{}
		return aggregate
	}
	if e.belowSince.IsZero() || at.Before(e.belowSince) {
		e.belowSince = at
	}
	if at.Sub(e.belowSince) < e.GracePeriod {
		return desired
	}
	return aggregate
}
