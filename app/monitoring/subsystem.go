package monitoring

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const component = "monitoring"

var _ StreamResolver = (*Subsystem)(nil)

type streamer interface {
	MetricStreamer
	start(ctx context.Context)
	stop()
}

// Subsystem owns the configured metric streamers of a control-loop
// instance.
type Subsystem struct {
	bus *eventbus.Bus

	mu        sync.RWMutex
	config    *types.MonitoringConfig
	streamers []streamer
	started   bool
	ctx       context.Context
}

// New creates an unconfigured monitoring subsystem.
func New(bus *eventbus.Bus) *Subsystem {
	return &Subsystem{bus: bus}
}

// Validate checks the configuration without applying it.
func (s *Subsystem) Validate(cfg *types.MonitoringConfig) error {
	if cfg == nil {
		return nil
	}
	streamerIDs := map[string]bool{}
	streamIDs := map[string]bool{}
	for i := range cfg.MetricStreamers {
		sc := &cfg.MetricStreamers[i]
		if sc.ID == "" {
			return apptypes.NewConfigurationError(component, "metric streamer %d: missing id", i)
		}
		if streamerIDs[sc.ID] {
			return apptypes.NewConfigurationError(component, "duplicate metric streamer id %q", sc.ID)
		}
		streamerIDs[sc.ID] = true

		switch sc.Type {
		case types.StreamerMemory:
		case types.StreamerPrometheus:
			if sc.URL == "" {
				return apptypes.NewConfigurationError(component, "metric streamer %q: missing url", sc.ID)
			}
		default:
			return apptypes.NewConfigurationError(component, "metric streamer %q: unknown type %q", sc.ID, sc.Type)
		}

		for _, stream := range sc.Streams {
			if stream.ID == "" || stream.Metric == "" {
				return apptypes.NewConfigurationError(component, "metric streamer %q: stream requires id and metric", sc.ID)
			}
			if streamIDs[stream.ID] {
				return apptypes.NewConfigurationError(component, "duplicate metric stream id %q", stream.ID)
			}
			streamIDs[stream.ID] = true
			if sc.Type == types.StreamerPrometheus && stream.Query == "" {
				return apptypes.NewConfigurationError(component, "metric stream %q: missing query", stream.ID)
			}
		}
	}
	return nil
}

// Configure replaces the streamers. An unchanged configuration
// leaves the running streamers untouched.
func (s *Subsystem) Configure(ctx context.Context, cfg *types.MonitoringConfig) error {
	if err := s.Validate(cfg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cmp.Equal(s.config, cfg) {
		return nil
	}

	var streamers []streamer
	if cfg != nil {
		for i := range cfg.MetricStreamers {
			st, err := s.build(&cfg.MetricStreamers[i])
			if err != nil {
				return &apptypes.ConfigurationError{Component: component, Msg: "cannot create metric streamer", Err: err}
			}
			streamers = append(streamers, st)
		}
	}

	if s.started {
		for _, st := range s.streamers {
			st.stop()
		}
		for _, st := range streamers {
			st.start(s.ctx)
		}
	}
	s.streamers = streamers
	s.config = copyConfig(cfg)

	logrus.WithField("streamers", len(streamers)).Debugln("monitoring: configured metric streamers")
	return nil
}

func (s *Subsystem) build(cfg *types.MetricStreamerConfig) (streamer, error) {
	switch cfg.Type {
	case types.StreamerPrometheus:
		return NewPrometheusStreamer(s.bus, cfg)
	case types.StreamerMemory:
		return NewMemoryStreamer(s.bus, cfg), nil
	default:
		return nil, fmt.Errorf("unknown metric streamer type %q", cfg.Type)
	}
}

// Start starts polling streamers. The context bounds the lifetime
// of the poll loops.
func (s *Subsystem) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = ctx
	for _, st := range s.streamers {
		st.start(ctx)
	}
}

// Stop stops all poll loops.
func (s *Subsystem) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	for _, st := range s.streamers {
		st.stop()
	}
}

// MetricStreamers returns the configured streamers.
func (s *Subsystem) MetricStreamers() []MetricStreamer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]MetricStreamer, 0, len(s.streamers))
	for _, st := range s.streamers {
		result = append(result, st)
	}
	return result
}

// Configuration returns a copy of the current configuration.
func (s *Subsystem) Configuration() *types.MonitoringConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyConfig(s.config)
}

func copyConfig(cfg *types.MonitoringConfig) *types.MonitoringConfig {
	if cfg == nil {
		return nil
	}
	out := &types.MonitoringConfig{}
	for _, sc := range cfg.MetricStreamers {
		sc.Streams = append([]types.MetricStreamConfig(nil), sc.Streams...)
		out.MetricStreamers = append(out.MetricStreamers, sc)
	}
	return out
}
