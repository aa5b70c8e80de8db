package predictor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	"github.com/drone-runners/drone-autoscaler/types"
)

// Predictor defines the interface for a capacity prediction strategy.
// Instances are stateful: they are created once per configured id
// and reconfigured in place on configuration changes.
type Predictor interface {
	// Validate checks the strategy specific parameters of the config.
	Validate(config *types.PredictorConfig) error

	// Configure applies the config. It is called once after creation
	// and again on every change of the config.
	Configure(ctx context.Context, config *types.PredictorConfig, stream monitoring.MetricStream) error

	// Start and Stop toggle the predictor's background activity.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// Predict estimates the capacity needed at the given time. A nil
	// prediction means the predictor has no opinion.
	Predict(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (*types.Prediction, error)
}

// Factory creates a new, unconfigured predictor.
type Factory func() Predictor

// Catalog maps predictor type names to factories.
type Catalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{factories: make(map[string]Factory)}
}

// DefaultCatalog returns a catalog with the built-in predictor types.
func DefaultCatalog() *Catalog {
	c := NewCatalog()
	c.Register(ConstantType, NewConstant)
	c.Register(EMAType, NewEMA, "ExponentialMovingAverage")
	return c
}

// Register adds a factory under a type name and optional aliases.
func (c *Catalog) Register(name string, factory Factory, aliases ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.factories[name] = factory
	for _, alias := range aliases {
		c.factories[alias] = factory
	}
}

// New creates a predictor of the given type.
func (c *Catalog) New(typ string) (Predictor, error) {
	c.mu.RLock()
	factory, ok := c.factories[typ]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown predictor type %q", typ)
	}
	return factory(), nil
}

// Types returns the registered type names.
func (c *Catalog) Types() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Instance is a live predictor bound to its configuration.
type Instance struct {
	predictor Predictor

	mu      sync.RWMutex
	config  types.PredictorConfig
	stream  monitoring.MetricStream
	started bool
}

func (i *Instance) ID() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.config.ID
}

// Config returns a copy of the instance configuration.
func (i *Instance) Config() types.PredictorConfig {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return copyPredictorConfig(i.config)
}

// Metric returns the name of the metric behind the instance's stream.
func (i *Instance) Metric() string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	if i.stream == nil {
		return ""
	}
	return i.stream.Metric()
}

func (i *Instance) Started() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.started
}

// Predictor returns the underlying strategy.
func (i *Instance) Predictor() Predictor {
	return i.predictor
}

// Predict delegates to the underlying strategy.
func (i *Instance) Predict(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (*types.Prediction, error) {
	return i.predictor.Predict(ctx, poolSize, at)
}

func (i *Instance) configure(ctx context.Context, config types.PredictorConfig, stream monitoring.MetricStream) error {
	if err := i.predictor.Configure(ctx, &config, stream); err != nil {
		return err
	}
	i.mu.Lock()
	i.config = config
	i.stream = stream
	i.mu.Unlock()
	return nil
}

func (i *Instance) start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started || i.config.State != types.PredictorStarted {
		return nil
	}
	if err := i.predictor.Start(ctx); err != nil {
		return err
	}
	i.started = true
	return nil
}

func (i *Instance) stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.started {
		return nil
	}
	i.started = false
	return i.predictor.Stop(ctx)
}

func copyPredictorConfig(c types.PredictorConfig) types.PredictorConfig {
	if c.Parameters != nil {
		params := make(map[string]interface{}, len(c.Parameters))
		for k, v := range c.Parameters {
			params[k] = v
		}
		c.Parameters = params
	}
	return c
}
