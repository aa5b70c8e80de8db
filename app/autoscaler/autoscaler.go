// Package autoscaler assembles a control-loop instance from the
// monitoring, prediction and metronome subsystems.
package autoscaler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/drone-runners/drone-autoscaler/app/cloudpool"
	"github.com/drone-runners/drone-autoscaler/app/cloudpool/noop"
	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/app/metronome"
	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	"github.com/drone-runners/drone-autoscaler/app/prediction"
	"github.com/drone-runners/drone-autoscaler/app/predictor"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const component = "autoscaler"

// ErrNotConfigured is returned by Start before the first Configure.
var ErrNotConfigured = errors.New("autoscaler is not configured")

// Status is the health of a control-loop instance.
type Status struct {
	Started    bool         `json:"started"`
	Prediction types.Health `json:"prediction"`
	Metronome  types.Health `json:"metronome"`
}

// OK returns true if every subsystem is healthy.
func (s Status) OK() bool {
	return s.Prediction.Status == types.HealthOK && s.Metronome.Status == types.HealthOK
}

// Autoscaler is a control-loop instance.
type Autoscaler struct {
	catalog *predictor.Catalog

	monitoring *monitoring.Subsystem
	prediction *prediction.Subsystem
	metronome  *metronome.Metronome

	mu      sync.Mutex
	config  *types.AutoscalerConfig
	started bool
}

// New creates an unconfigured instance actuating pool.
func New(bus *eventbus.Bus, catalog *predictor.Catalog, pool cloudpool.CloudPool) *Autoscaler {
	mon := monitoring.New(bus)
	pred := prediction.New(bus, catalog, mon)
	return &Autoscaler{
		catalog:    catalog,
		monitoring: mon,
		prediction: pred,
		metronome:  metronome.New(bus, pool, pred),
	}
}

// Validate checks cfg in two phases. Every sub-configuration is first
// validated in isolation and all errors are reported together. The
// configuration is then applied to a disposable instance to catch
// cross references that do not resolve, such as a predictor naming a
// metric stream no streamer publishes.
func (a *Autoscaler) Validate(ctx context.Context, cfg *types.AutoscalerConfig) error {
	if cfg == nil {
		return apptypes.NewConfigurationError(component, "missing configuration")
	}
	var err error
	err = multierr.Append(err, a.monitoring.Validate(cfg.Monitoring))
	err = multierr.Append(err, a.prediction.Validate(cfg.Prediction))
	err = multierr.Append(err, metronome.Validate(cfg.Metronome))
	if err != nil {
		return err
	}

	dryRun := New(eventbus.New(), a.catalog, noop.New())
	return dryRun.apply(ctx, cfg)
}

// Configure validates and applies cfg. On failure the running
// configuration is left unchanged.
func (a *Autoscaler) Configure(ctx context.Context, cfg *types.AutoscalerConfig) error {
	if err := a.Validate(ctx, cfg); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.apply(ctx, cfg); err != nil {
		return err
	}
	a.config = CopyConfig(cfg)
	logrus.Infoln("autoscaler: configuration applied")
	return nil
}

// apply configures monitoring, prediction and metronome in order,
// restoring the previous configurations if a later step fails.
func (a *Autoscaler) apply(ctx context.Context, cfg *types.AutoscalerConfig) error {
	prevMonitoring := a.monitoring.Configuration()
	prevPrediction := a.prediction.Configuration()

	if err := a.monitoring.Configure(ctx, cfg.Monitoring); err != nil {
		return err
	}
	if err := a.prediction.Configure(ctx, cfg.Prediction); err != nil {
		a.restoreMonitoring(ctx, prevMonitoring)
		return err
	}
	if err := a.metronome.Configure(cfg.Metronome); err != nil {
		if prevPrediction != nil {
			if rerr := a.prediction.Configure(ctx, prevPrediction); rerr != nil {
				logrus.WithError(rerr).Errorln("autoscaler: cannot restore prediction configuration")
			}
		}
		a.restoreMonitoring(ctx, prevMonitoring)
		return err
	}
	return nil
}

func (a *Autoscaler) restoreMonitoring(ctx context.Context, cfg *types.MonitoringConfig) {
	if err := a.monitoring.Configure(ctx, cfg); err != nil {
		logrus.WithError(err).Errorln("autoscaler: cannot restore monitoring configuration")
	}
}

// Start starts the metric streamers, the predictors and the resize
// loop.
func (a *Autoscaler) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.config == nil {
		return ErrNotConfigured
	}
	if a.started {
		return nil
	}
	a.monitoring.Start(ctx)
	if err := a.prediction.Start(ctx); err != nil {
		a.monitoring.Stop()
		return err
	}
	if err := a.metronome.Start(ctx); err != nil {
		_ = a.prediction.Stop(ctx)
		a.monitoring.Stop()
		return err
	}
	a.started = true
	logrus.Infoln("autoscaler: started")
	return nil
}

// Stop stops the resize loop, then the predictors and streamers.
func (a *Autoscaler) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.metronome.Stop()
	err := a.prediction.Stop(ctx)
	a.monitoring.Stop()
	a.started = false
	logrus.Infoln("autoscaler: stopped")
	return err
}

// Resize runs one resize iteration outside the schedule.
func (a *Autoscaler) Resize(ctx context.Context) error {
	return a.metronome.Resize(ctx)
}

// Configuration returns a copy of the applied configuration.
func (a *Autoscaler) Configuration() *types.AutoscalerConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	return CopyConfig(a.config)
}

// Status returns the health of the instance.
func (a *Autoscaler) Status() Status {
	a.mu.Lock()
	started := a.started
	a.mu.Unlock()
	return Status{
		Started:    started,
		Prediction: a.prediction.Status(),
		Metronome:  a.metronome.Status(),
	}
}

// CopyConfig returns a deep copy of cfg.
func CopyConfig(cfg *types.AutoscalerConfig) *types.AutoscalerConfig {
	if cfg == nil {
		return nil
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	out := new(types.AutoscalerConfig)
	if err := json.Unmarshal(raw, out); err != nil {
		return nil
	}
	return out
}
