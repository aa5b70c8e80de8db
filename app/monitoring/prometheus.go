package monitoring

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

const defaultQueryStep = time.Minute

var _ MetricStreamer = (*PrometheusStreamer)(nil)

// rangeQuerier is the subset of the prometheus api used by the streamer.
type rangeQuerier interface {
	QueryRange(ctx context.Context, query string, r v1.Range, opts ...v1.Option) (model.Value, v1.Warnings, error)
}

// PrometheusStreamer serves metric streams from range queries
// against a prometheus server. A poll loop announces new samples
// on the bus.
type PrometheusStreamer struct {
	id       string
	bus      *eventbus.Bus
	client   rangeQuerier
	interval time.Duration
	streams  map[string]*prometheusStream
	order    []string

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastPoll time.Time
}

type prometheusStream struct {
	id       string
	metric   string
	query    string
	step     time.Duration
	lookback time.Duration
	client   rangeQuerier
}

// NewPrometheusStreamer creates a streamer from its configuration.
func NewPrometheusStreamer(bus *eventbus.Bus, cfg *types.MetricStreamerConfig) (*PrometheusStreamer, error) {
	client, err := api.NewClient(api.Config{Address: cfg.URL})
	if err != nil {
		return nil, fmt.Errorf("prometheus streamer %s: %w", cfg.ID, err)
	}
	return newPrometheusStreamer(bus, cfg, v1.NewAPI(client)), nil
}

func newPrometheusStreamer(bus *eventbus.Bus, cfg *types.MetricStreamerConfig, client rangeQuerier) *PrometheusStreamer {
	s := &PrometheusStreamer{
		id:       cfg.ID,
		bus:      bus,
		client:   client,
		interval: types.DurationOr(cfg.PollInterval, types.DefaultStreamerPollInterval),
		streams:  make(map[string]*prometheusStream),
	}
	for _, sc := range cfg.Streams {
		s.streams[sc.ID] = &prometheusStream{
			id:       sc.ID,
			metric:   sc.Metric,
			query:    sc.Query,
			step:     types.DurationOr(sc.Step, defaultQueryStep),
			lookback: types.DurationOr(sc.Lookback, 0),
			client:   client,
		}
		s.order = append(s.order, sc.ID)
	}
	return s
}

func (s *PrometheusStreamer) ID() string { return s.id }

func (s *PrometheusStreamer) MetricStream(id string) (MetricStream, error) {
	stream, ok := s.streams[id]
	if !ok {
		return nil, ErrStreamNotFound
	}
	return stream, nil
}

func (s *PrometheusStreamer) Streams() []MetricStream {
	streams := make([]MetricStream, 0, len(s.order))
	for _, id := range s.order {
		streams = append(streams, s.streams[id])
	}
	return streams
}

func (s *PrometheusStreamer) start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastPoll = time.Now().UTC()

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.poll(ctx)
			}
		}
	}(s.done)
}

func (s *PrometheusStreamer) stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// poll queries every stream for samples newer than the previous
// poll and announces non-empty batches.
func (s *PrometheusStreamer) poll(ctx context.Context) {
	now := time.Now().UTC()
	s.mu.Lock()
	since := s.lastPoll
	s.lastPoll = now
	s.mu.Unlock()

	for _, id := range s.order {
		values, err := s.streams[id].Query(ctx, since, now)
		if err != nil {
			logrus.WithError(err).WithFields(logrus.Fields{
				"streamer": s.id,
				"stream":   id,
			}).Warnln("prometheus streamer: failed to poll stream")
			continue
		}
		if len(values) == 0 {
			continue
		}
		s.bus.Publish(types.MetricBatch{
			Streamer:  s.id,
			Stream:    id,
			Count:     len(values),
			Timestamp: now,
		})
	}
}

func (p *prometheusStream) ID() string     { return p.id }
func (p *prometheusStream) Metric() string { return p.metric }

func (p *prometheusStream) Query(ctx context.Context, start, end time.Time) ([]types.MetricValue, error) {
	if p.lookback > 0 && end.Sub(start) > p.lookback {
		start = end.Add(-p.lookback)
	}
	value, warnings, err := p.client.QueryRange(ctx, p.query, v1.Range{
		Start: start,
		End:   end,
		Step:  p.step,
	})
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", p.query, err)
	}
	if len(warnings) > 0 {
		logrus.WithField("stream", p.id).WithField("warnings", warnings).
			Debugln("prometheus streamer: query returned warnings")
	}

	matrix, ok := value.(model.Matrix)
	if !ok {
		return nil, fmt.Errorf("query %q: unexpected result type %s", p.query, value.Type())
	}

	var result []types.MetricValue
	for _, series := range matrix {
		tags := make(map[string]string, len(series.Metric))
		for k, v := range series.Metric {
			tags[string(k)] = string(v)
		}
		for _, pair := range series.Values {
			result = append(result, types.MetricValue{
				Metric:    p.metric,
				Value:     float64(pair.Value),
				Timestamp: pair.Timestamp.Time().UTC(),
				Tags:      tags,
			})
		}
	}
	return result, nil
}
