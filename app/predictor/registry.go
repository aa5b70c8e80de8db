package predictor

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const component = "predictor registry"

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// reserved words of the aggregator expression language.
var reserved = map[string]bool{
	"true": true, "false": true, "nil": true,
	"and": true, "or": true, "not": true, "in": true,
	"matches": true, "contains": true, "startsWith": true, "endsWith": true,
	"len": true, "all": true, "none": true, "any": true, "one": true,
	"filter": true, "map": true, "count": true,
	"max": true, "min": true, "sum": true, "avg": true,
}

// ValidIdentifier returns true if id can be used as a variable name
// in aggregator expressions.
func ValidIdentifier(id string) bool {
	return identifier.MatchString(id) && !reserved[id]
}

// Registry owns the configured predictor instances. Configuration
// changes are applied by diffing against the previous configuration
// so that unchanged instances keep their internal state.
type Registry struct {
	catalog *Catalog
	streams monitoring.StreamResolver

	mu        sync.Mutex
	configs   []types.PredictorConfig
	instances map[string]*Instance
	started   bool
}

// NewRegistry creates an empty registry.
func NewRegistry(catalog *Catalog, streams monitoring.StreamResolver) *Registry {
	return &Registry{
		catalog:   catalog,
		streams:   streams,
		instances: make(map[string]*Instance),
	}
}

// Validate checks every predictor config in isolation. Metric stream
// references are not resolved here.
func (r *Registry) Validate(configs []types.PredictorConfig) error {
	seen := make(map[string]bool, len(configs))
	for i := range configs {
		c := &configs[i]
		if !ValidIdentifier(c.ID) {
			return apptypes.NewConfigurationError(component, "predictor id %q is not a valid identifier", c.ID)
		}
		if seen[c.ID] {
			return apptypes.NewConfigurationError(component, "duplicate predictor id %q", c.ID)
		}
		seen[c.ID] = true

		switch c.State {
		case types.PredictorStarted, types.PredictorStopped:
		default:
			return apptypes.NewConfigurationError(component, "predictor %q: invalid state %q", c.ID, c.State)
		}
		if c.MetricStream == "" {
			return apptypes.NewConfigurationError(component, "predictor %q: missing metric stream", c.ID)
		}

		p, err := r.catalog.New(c.Type)
		if err != nil {
			return &apptypes.ConfigurationError{
				Component: component,
				Msg:       fmt.Sprintf("predictor %q of type %q cannot be created", c.ID, c.Type),
				Err:       err,
			}
		}
		if err := p.Validate(c); err != nil {
			return &apptypes.ConfigurationError{
				Component: component,
				Msg:       fmt.Sprintf("predictor %q of type %q", c.ID, c.Type),
				Err:       err,
			}
		}
	}
	return nil
}

// ValidateMetricStreamExistence checks that every referenced metric
// stream is published by a metric streamer.
func (r *Registry) ValidateMetricStreamExistence(configs []types.PredictorConfig) error {
	streamers := r.streams.MetricStreamers()
	for _, c := range configs {
		if _, err := monitoring.FindStream(streamers, c.MetricStream); err != nil {
			return &apptypes.ConfigurationError{
				Component: component,
				Msg:       fmt.Sprintf("predictor %q references metric stream %q", c.ID, c.MetricStream),
				Err:       err,
			}
		}
	}
	return nil
}

// Configure reconciles the live predictors with configs.
func (r *Registry) Configure(ctx context.Context, configs []types.PredictorConfig) error {
	if err := r.Validate(configs); err != nil {
		return err
	}
	if err := r.ValidateMetricStreamExistence(configs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	diff := Diff(r.configs, configs)
	if diff.Empty() {
		// the order may still differ.
		r.configs = copyPredictorConfigs(configs)
		return nil
	}

	logr := logrus.WithFields(logrus.Fields{
		"added":    diff.Added,
		"deleted":  diff.Deleted,
		"modified": diff.Modified,
	})

	byID := make(map[string]types.PredictorConfig, len(configs))
	for _, c := range configs {
		byID[c.ID] = copyPredictorConfig(c)
	}
	streamers := r.streams.MetricStreamers()

	// new instances are fully prepared before the live set is touched.
	added := make([]*Instance, 0, len(diff.Added))
	for _, id := range diff.Added {
		inst, err := r.create(ctx, byID[id], streamers)
		if err != nil {
			return err
		}
		added = append(added, inst)
	}

	// a predictor whose type changed is replaced by a new instance.
	replaced := make(map[string]*Instance)
	reconfigured := make([]string, 0, len(diff.Modified))
	for _, id := range diff.Modified {
		if r.instances[id].Config().Type == byID[id].Type {
			reconfigured = append(reconfigured, id)
			continue
		}
		inst, err := r.create(ctx, byID[id], streamers)
		if err != nil {
			return err
		}
		replaced[id] = inst
	}

	wasStarted := r.started
	affected := append(append([]string{}, diff.Deleted...), diff.Modified...)
	if wasStarted {
		r.stopLocked(ctx, affected)
	}

	modified := make([]*Instance, 0, len(reconfigured))
	previous := make([]types.PredictorConfig, 0, len(reconfigured))
	for _, id := range reconfigured {
		inst := r.instances[id]
		prev := inst.Config()
		stream := monitoring.Follow(r.streams, byID[id].MetricStream)
		if err := inst.configure(ctx, byID[id], stream); err != nil {
			err = &apptypes.ConfigurationError{
				Component: component,
				Msg:       fmt.Sprintf("predictor %q cannot be reconfigured", id),
				Err:       err,
			}
			r.rollback(ctx, modified, previous)
			if wasStarted {
				err = multierr.Append(err, r.startLocked(ctx, affected))
			}
			return err
		}
		modified = append(modified, inst)
		previous = append(previous, prev)
	}

	prevInstances := make(map[string]*Instance, len(r.instances))
	for id, inst := range r.instances {
		prevInstances[id] = inst
	}
	prevConfigs := r.configs

	for _, id := range diff.Deleted {
		delete(r.instances, id)
	}
	for _, inst := range added {
		r.instances[inst.ID()] = inst
	}
	for id, inst := range replaced {
		r.instances[id] = inst
	}
	r.configs = copyPredictorConfigs(configs)

	if wasStarted {
		if err := r.startLocked(ctx, append(append([]string{}, diff.Modified...), diff.Added...)); err != nil {
			// back to the previous predictors.
			r.rollback(ctx, modified, previous)
			r.instances = prevInstances
			r.configs = prevConfigs
			err = &apptypes.ConfigurationError{Component: component, Msg: "configuration cannot be started", Err: err}
			return multierr.Append(err, r.startLocked(ctx, affected))
		}
	}

	logr.Infoln("predictor registry: configuration applied")
	return nil
}

func (r *Registry) create(ctx context.Context, config types.PredictorConfig, streamers []monitoring.MetricStreamer) (*Instance, error) {
	p, err := r.catalog.New(config.Type)
	if err != nil {
		return nil, &apptypes.ConfigurationError{Component: component, Msg: fmt.Sprintf("predictor %q", config.ID), Err: err}
	}
	if _, err := monitoring.FindStream(streamers, config.MetricStream); err != nil {
		return nil, &apptypes.ConfigurationError{Component: component, Msg: fmt.Sprintf("predictor %q", config.ID), Err: err}
	}
	inst := &Instance{predictor: p}
	if err := inst.configure(ctx, config, monitoring.Follow(r.streams, config.MetricStream)); err != nil {
		return nil, &apptypes.ConfigurationError{
			Component: component,
			Msg:       fmt.Sprintf("predictor %q of type %q cannot be configured", config.ID, config.Type),
			Err:       err,
		}
	}
	return inst, nil
}

// rollback restores the previous configuration of instances that
// were already reconfigured.
func (r *Registry) rollback(ctx context.Context, instances []*Instance, previous []types.PredictorConfig) {
	for i, inst := range instances {
		stream := monitoring.Follow(r.streams, previous[i].MetricStream)
		if err := inst.configure(ctx, previous[i], stream); err != nil {
			logrus.WithError(err).WithField("predictor", previous[i].ID).
				Errorln("predictor registry: failed to restore previous configuration")
		}
	}
}

// Start starts every predictor whose configured state is STARTED.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	ids := make([]string, 0, len(r.configs))
	for _, c := range r.configs {
		ids = append(ids, c.ID)
	}
	if err := r.startLocked(ctx, ids); err != nil {
		return err
	}
	r.started = true
	return nil
}

// Stop stops every started predictor.
func (r *Registry) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	ids := make([]string, 0, len(r.configs))
	for _, c := range r.configs {
		ids = append(ids, c.ID)
	}
	r.stopLocked(ctx, ids)
	r.started = false
	return nil
}

// startLocked starts the instances, or none of them: on failure the
// instances started by this call are stopped again.
func (r *Registry) startLocked(ctx context.Context, ids []string) error {
	var started []string
	for _, id := range ids {
		inst, ok := r.instances[id]
		if !ok || inst.Started() {
			continue
		}
		if err := inst.start(ctx); err != nil {
			r.stopLocked(ctx, started)
			return fmt.Errorf("predictor registry: cannot start predictor %q: %w", id, err)
		}
		if inst.Started() {
			started = append(started, id)
		}
	}
	return nil
}

func (r *Registry) stopLocked(ctx context.Context, ids []string) {
	for _, id := range ids {
		inst, ok := r.instances[id]
		if !ok {
			continue
		}
		if err := inst.stop(ctx); err != nil {
			logrus.WithError(err).WithField("predictor", id).
				Warnln("predictor registry: failed to stop predictor")
		}
	}
}

// Started returns true if the registry is started.
func (r *Registry) Started() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// Predictors returns all instances in configuration order.
func (r *Registry) Predictors() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*Instance, 0, len(r.configs))
	for _, c := range r.configs {
		result = append(result, r.instances[c.ID])
	}
	return result
}

// StartedPredictors returns the started instances in configuration order.
func (r *Registry) StartedPredictors() []*Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]*Instance, 0, len(r.configs))
	for _, c := range r.configs {
		if inst := r.instances[c.ID]; inst.Started() {
			result = append(result, inst)
		}
	}
	return result
}

// Configuration returns a copy of the applied configuration.
func (r *Registry) Configuration() []types.PredictorConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyPredictorConfigs(r.configs)
}

func copyPredictorConfigs(configs []types.PredictorConfig) []types.PredictorConfig {
	result := make([]types.PredictorConfig, 0, len(configs))
	for _, c := range configs {
		result = append(result, copyPredictorConfig(c))
	}
	return result
}
