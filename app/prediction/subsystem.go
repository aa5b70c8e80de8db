package prediction

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	"github.com/drone-runners/drone-autoscaler/app/predictor"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const component = "prediction"

// pipeline stages named in prediction errors and alerts.
const (
	StagePredict   = "predict"
	StageMap       = "map"
	StageAggregate = "aggregate"
)

// ErrNotConfigured is returned by Predict before the first Configure.
var ErrNotConfigured = errors.New("prediction subsystem is not configured")

// Subsystem runs the prediction pipeline: predict, map to compute
// units, aggregate, apply the scaling policy and clamp to the active
// capacity limit.
type Subsystem struct {
	bus      *eventbus.Bus
	registry *predictor.Registry

	mu         sync.Mutex
	config     *types.PredictionConfig
	mapper     *Mapper
	aggregator *Aggregator
	enforcer   *Enforcer
	limits     *Limits
	started    bool
	health     types.Health
}

// New creates an unconfigured prediction subsystem.
func New(bus *eventbus.Bus, catalog *predictor.Catalog, streams monitoring.StreamResolver) *Subsystem {
	return &Subsystem{
		bus:      bus,
		registry: predictor.NewRegistry(catalog, streams),
		health:   types.Health{Status: types.HealthOK},
	}
}

// Validate checks the configuration in isolation. Metric stream
// references are resolved by Configure.
func (s *Subsystem) Validate(cfg *types.PredictionConfig) error {
	if cfg == nil {
		return apptypes.NewConfigurationError(component, "missing prediction config")
	}
	if err := s.registry.Validate(cfg.Predictors); err != nil {
		return err
	}
	if err := ValidateMappings(cfg.CapacityMappings); err != nil {
		return err
	}
	if err := ValidateAggregator(cfg.Aggregator); err != nil {
		return err
	}
	if err := ValidatePolicies(cfg.ScalingPolicies); err != nil {
		return err
	}
	return ValidateLimits(cfg.CapacityLimits)
}

// Configure applies the configuration. Either everything is applied
// or nothing is.
func (s *Subsystem) Configure(ctx context.Context, cfg *types.PredictionConfig) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}
	if err := s.registry.ValidateMetricStreamExistence(cfg.Predictors); err != nil {
		return err
	}
	limits, err := NewLimits(cfg.CapacityLimits)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.registry.Configure(ctx, cfg.Predictors); err != nil {
		return err
	}

	s.mapper = NewMapper(cfg.CapacityMappings)
	s.aggregator = NewAggregator(cfg.Aggregator)
	s.limits = limits
	// grace period tracking survives an unchanged policy
	if s.config == nil || s.enforcer == nil || !cmp.Equal(s.config.ScalingPolicies, cfg.ScalingPolicies) {
		s.enforcer = NewEnforcer(cfg.ScalingPolicies)
	}
	s.config = CopyConfig(cfg)

	logrus.WithFields(logrus.Fields{
		"predictors": len(cfg.Predictors),
		"limits":     len(cfg.CapacityLimits),
	}).Debugln("prediction: configuration applied")
	return nil
}

// Start starts the configured predictors.
func (s *Subsystem) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	if err := s.registry.Start(ctx); err != nil {
		return err
	}
	s.started = true
	return nil
}

// Stop stops all predictors.
func (s *Subsystem) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if err := s.registry.Stop(ctx); err != nil {
		return err
	}
	s.started = false
	return nil
}

// Started returns true if the subsystem is started.
func (s *Subsystem) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Status returns the health of the last prediction run.
func (s *Subsystem) Status() types.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Configuration returns a copy of the applied configuration.
func (s *Subsystem) Configuration() *types.PredictionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return CopyConfig(s.config)
}

// Registry returns the predictor registry.
func (s *Subsystem) Registry() *predictor.Registry {
	return s.registry
}

// Predict runs the pipeline and returns the compute unit target for
// the prediction time. The result is absent when no predictor
// produced a value and the pool size is unknown.
func (s *Subsystem) Predict(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (int, bool, error) {
	if at.IsZero() {
		return 0, false, fmt.Errorf("%w: missing prediction time", apptypes.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.config == nil {
		return 0, false, ErrNotConfigured
	}

	value, ok, err := s.predict(ctx, poolSize, at)
	if err != nil {
		s.health = types.Health{Status: types.HealthNotOK, Detail: err.Error()}
		stage := ""
		var predErr *apptypes.PredictionError
		if errors.As(err, &predErr) {
			stage = predErr.Stage
		}
		s.bus.Alert(types.TopicPrediction, types.SeverityError,
			fmt.Sprintf("prediction failed: %s", err),
			map[string]string{"stage": stage},
		)
		return 0, false, err
	}
	s.health = types.Health{Status: types.HealthOK}
	return value, ok, nil
}

// computed is a predictor result in compute units.
type computed struct {
	id    string
	value float64
}

func (s *Subsystem) predict(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (int, bool, error) {
	var results []computed
	for _, inst := range s.registry.StartedPredictors() {
		prediction, err := inst.Predict(ctx, poolSize, at)
		if err != nil {
			return 0, false, &apptypes.PredictionError{
				Stage: StagePredict,
				Err:   fmt.Errorf("predictor %q: %w", inst.ID(), err),
			}
		}
		if prediction == nil {
			continue
		}
		value, err := s.toCompute(inst, prediction, at)
		if err != nil {
			return 0, false, err
		}
		results = append(results, computed{id: inst.ID(), value: value})
	}

	var aggregate float64
	switch {
	case len(results) > 0:
		values := make(map[string]float64, len(results))
		for _, r := range results {
			values[r.id] = r.value
		}
		var err error
		aggregate, err = s.aggregator.Aggregate(values)
		if err != nil {
			return 0, false, &apptypes.PredictionError{Stage: StageAggregate, Err: err}
		}
		s.bus.Metric(types.MetricAggregatePrediction, aggregate, at, nil)
	case poolSize != nil:
		aggregate = float64(poolSize.Desired)
	default:
		return 0, false, nil
	}

	value := s.enforcer.Enforce(aggregate, poolSize, at)

	if limit := s.limits.Active(at); limit != nil {
		tags := map[string]string{"limit": limit.ID}
		s.bus.Metric(types.MetricCapacityLimitMin, float64(limit.Min), at, tags)
		s.bus.Metric(types.MetricCapacityLimitMax, float64(limit.Max), at, tags)
		value = Clamp(value, limit.Min, limit.Max)
	}
	value = math.Max(0, value)

	s.bus.Metric(types.MetricBoundedPrediction, value, at, nil)
	return int(math.Round(value)), true, nil
}

// toCompute emits the predictor events and converts metric unit
// predictions into compute units.
func (s *Subsystem) toCompute(inst *predictor.Instance, prediction *types.Prediction, at time.Time) (float64, error) {
	metric := inst.Metric()
	tags := func(unit types.Unit) map[string]string {
		return map[string]string{
			"predictor": inst.ID(),
			"unit":      string(unit),
			"metric":    metric,
		}
	}

	switch prediction.Unit {
	case types.UnitCompute:
		s.bus.Metric(types.MetricPredictorPrediction, prediction.Value, at, tags(types.UnitCompute))
		return prediction.Value, nil
	case types.UnitMetric:
		s.bus.Metric(types.MetricPredictorPrediction, prediction.Value, at, tags(types.UnitMetric))
		value, err := s.mapper.ToCompute(metric, prediction.Value)
		if err != nil {
			return 0, &apptypes.PredictionError{
				Stage: StageMap,
				Err:   fmt.Errorf("predictor %q: %w", inst.ID(), err),
			}
		}
		s.bus.Metric(types.MetricPredictorPrediction, value, at, tags(types.UnitCompute))
		return value, nil
	default:
		return 0, &apptypes.PredictionError{
			Stage: StageMap,
			Err:   fmt.Errorf("predictor %q: unknown unit %q", inst.ID(), prediction.Unit),
		}
	}
}

// CopyConfig returns a deep copy of a prediction config.
func CopyConfig(cfg *types.PredictionConfig) *types.PredictionConfig {
	if cfg == nil {
		return nil
	}
	out := &types.PredictionConfig{
		CapacityMappings: append([]types.CapacityMappingConfig(nil), cfg.CapacityMappings...),
		CapacityLimits:   append([]types.CapacityLimitConfig(nil), cfg.CapacityLimits...),
	}
	for _, p := range cfg.Predictors {
		if p.Parameters != nil {
			params := make(map[string]interface{}, len(p.Parameters))
			for k, v := range p.Parameters {
				params[k] = v
			}
			p.Parameters = params
		}
		out.Predictors = append(out.Predictors, p)
	}
	if cfg.Aggregator != nil {
		a := *cfg.Aggregator
		out.Aggregator = &a
	}
	if cfg.ScalingPolicies != nil {
		p := *cfg.ScalingPolicies
		if p.MachineDeltaTolerance != nil {
			t := *p.MachineDeltaTolerance
			p.MachineDeltaTolerance = &t
		}
		if p.OverprovisioningGracePeriod != nil {
			d := *p.OverprovisioningGracePeriod
			p.OverprovisioningGracePeriod = &d
		}
		out.ScalingPolicies = &p
	}
	return out
}
