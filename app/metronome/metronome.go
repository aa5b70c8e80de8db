// Package metronome drives the resize loop of a control-loop
// instance: fetch the pool size, predict, actuate.
package metronome

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/app/scheduler"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const component = "metronome"

// Job names registered on the scheduler.
const (
	ResizeJobName = "resize"
	ReportJobName = "pool-report"
)

var (
	// ErrNotConfigured is returned by Start and Resize before the
	// first Configure.
	ErrNotConfigured = errors.New("metronome is not configured")
)

// Predictor produces the compute unit target for a point in time.
type Predictor interface {
	Predict(ctx context.Context, poolSize *types.PoolSizeSummary, at time.Time) (int, bool, error)
}

// Metronome periodically resizes a cloud pool to the predicted
// capacity and reports the pool composition.
type Metronome struct {
	bus       *eventbus.Bus
	pool      cloudpool.CloudPool
	predictor Predictor
	reporter  *Reporter
	now       func() time.Time

	// lifecycle serializes Configure, Start and Stop.
	lifecycle   sync.Mutex
	sched       *scheduler.Scheduler
	unsubscribe func()

	mu      sync.RWMutex
	config  *types.MetronomeConfig
	started bool
	lastErr error

	// resize serializes iterations.
	resize sync.Mutex
}

// New creates a stopped, unconfigured metronome.
func New(bus *eventbus.Bus, pool cloudpool.CloudPool, predictor Predictor) *Metronome {
	return &Metronome{
		bus:       bus,
		pool:      pool,
		predictor: predictor,
		reporter:  NewReporter(bus, pool),
		now:       time.Now,
	}
}

// Validate checks the configuration without applying it.
func Validate(cfg *types.MetronomeConfig) error {
	if cfg == nil {
		return nil
	}
	if cfg.Interval != nil && cfg.Interval.Duration <= 0 {
		return apptypes.NewConfigurationError(component, "interval must be positive, got %s", cfg.Interval)
	}
	if cfg.Horizon != nil && cfg.Horizon.Duration < 0 {
		return apptypes.NewConfigurationError(component, "horizon must not be negative, got %s", cfg.Horizon)
	}
	if cfg.ReportInterval != nil && cfg.ReportInterval.Duration <= 0 {
		return apptypes.NewConfigurationError(component, "report interval must be positive, got %s", cfg.ReportInterval)
	}
	return nil
}

// Configure applies the configuration. A nil config selects the
// defaults. A started metronome reschedules its jobs.
func (m *Metronome) Configure(cfg *types.MetronomeConfig) error {
	if err := Validate(cfg); err != nil {
		return err
	}
	applied := CopyConfig(cfg)
	if applied == nil {
		applied = &types.MetronomeConfig{}
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	m.config = applied
	m.mu.Unlock()

	if m.sched != nil {
		m.register(m.sched, applied)
	}
	logrus.WithFields(logrus.Fields{
		"interval": types.DurationOr(applied.Interval, types.DefaultMetronomeInterval),
		"horizon":  types.DurationOr(applied.Horizon, types.DefaultMetronomeHorizon),
		"log_only": applied.LogOnly,
	}).Debugln("metronome: configuration applied")
	return nil
}

// Start schedules the resize and report jobs and subscribes to
// metric batch notifications. The context bounds the scheduler.
func (m *Metronome) Start(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	cfg := m.Configuration()
	if cfg == nil {
		return ErrNotConfigured
	}
	if m.sched != nil {
		return nil
	}

	sched := scheduler.New(ctx)
	m.register(sched, cfg)
	sched.Start()

	m.unsubscribe = m.bus.Subscribe(func(event interface{}) {
		batch, ok := event.(types.MetricBatch)
		if !ok {
			return
		}
		if err := sched.Trigger(ResizeJobName); err != nil {
			logrus.WithError(err).
				WithField("stream", batch.Stream).
				Debugln("metronome: cannot trigger resize")
		}
	})
	m.sched = sched

	m.mu.Lock()
	m.started = true
	m.mu.Unlock()

	logrus.Infoln("metronome: started")
	return nil
}

// Stop cancels the scheduled jobs and waits for a running iteration
// to finish.
func (m *Metronome) Stop() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.sched == nil {
		return
	}
	m.unsubscribe()
	m.sched.Stop()
	m.sched = nil
	m.unsubscribe = nil

	m.mu.Lock()
	m.started = false
	m.mu.Unlock()

	logrus.Infoln("metronome: stopped")
}

// Started returns true if the metronome is started.
func (m *Metronome) Started() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Configuration returns a copy of the applied configuration.
func (m *Metronome) Configuration() *types.MetronomeConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return CopyConfig(m.config)
}

// LastError returns the failure of the last resize iteration, if any.
func (m *Metronome) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// Status reports the outcome of the last resize iteration.
func (m *Metronome) Status() types.Health {
	if err := m.LastError(); err != nil {
		return types.Health{Status: types.HealthNotOK, Detail: err.Error()}
	}
	return types.Health{Status: types.HealthOK}
}

// Resize runs one resize iteration. Iterations never overlap: a
// concurrent call waits for the running one to finish.
func (m *Metronome) Resize(ctx context.Context) error {
	m.resize.Lock()
	defer m.resize.Unlock()

	cfg := m.Configuration()
	if cfg == nil {
		return ErrNotConfigured
	}
	at := m.now().Add(types.DurationOr(cfg.Horizon, types.DefaultMetronomeHorizon))
	logr := logrus.WithField("prediction_time", at)

	poolSize, err := m.pool.PoolSize(ctx)
	if err != nil {
		poolSize = nil
		m.bus.Alert(types.TopicMetronome, types.SeverityWarning,
			fmt.Sprintf("cannot fetch pool size: %s", err), nil)
	}

	value, ok, err := m.predictor.Predict(ctx, poolSize, at)
	if err != nil {
		return m.fail(fmt.Errorf("predict: %w", err), "predict")
	}
	if !ok {
		logr.Debugln("metronome: no prediction, pool left unchanged")
		m.record(nil)
		return nil
	}

	m.bus.Metric(types.MetricComputeUnitDecision, float64(value), at, nil)
	logr = logr.WithField("desired", value)

	if cfg.LogOnly {
		logr.Infoln("metronome: log only, skipping resize")
		m.record(nil)
		return nil
	}
	if err := m.pool.SetDesiredSize(ctx, value); err != nil {
		return m.fail(fmt.Errorf("set desired size: %w", err), "actuate")
	}
	logr.Debugln("metronome: desired size applied")
	m.record(nil)
	return nil
}

func (m *Metronome) fail(err error, step string) error {
	m.record(err)
	m.bus.Alert(types.TopicMetronome, types.SeverityError,
		fmt.Sprintf("resize iteration failed: %s", err),
		map[string]string{"step": step},
	)
	return err
}

func (m *Metronome) record(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Metronome) register(sched *scheduler.Scheduler, cfg *types.MetronomeConfig) {
	sched.Register(&resizeJob{
		metronome: m,
		interval:  types.DurationOr(cfg.Interval, types.DefaultMetronomeInterval),
	})
	sched.Register(&reportJob{
		reporter: m.reporter,
		interval: types.DurationOr(cfg.ReportInterval, types.DefaultReportInterval),
	})
}

// CopyConfig returns a copy of a metronome config.
func CopyConfig(cfg *types.MetronomeConfig) *types.MetronomeConfig {
	if cfg == nil {
		return nil
	}
	out := *cfg
	out.Interval = copyDuration(cfg.Interval)
	out.Horizon = copyDuration(cfg.Horizon)
	out.ReportInterval = copyDuration(cfg.ReportInterval)
	return &out
}

func copyDuration(d *types.Duration) *types.Duration {
	if d == nil {
		return nil
	}
	out := *d
	return &out
}
