package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

func memoryConfig() *types.MonitoringConfig {
	return &types.MonitoringConfig{
		MetricStreamers: []types.MetricStreamerConfig{
			{
				ID:   "memory",
				Type: types.StreamerMemory,
				Streams: []types.MetricStreamConfig{
					{ID: "request.rate.stream", Metric: "request.rate"},
					{ID: "cpu.stream", Metric: "cpu"},
				},
			},
		},
	}
}

func TestSubsystem_ConfigureAndResolve(t *testing.T) {
	s := New(eventbus.New())
	assert.NoError(t, s.Configure(context.Background(), memoryConfig()))

	stream, err := FindStream(s.MetricStreamers(), "cpu.stream")
	assert.NoError(t, err)
	assert.Equal(t, "cpu", stream.Metric())

	_, err = FindStream(s.MetricStreamers(), "missing.stream")
	assert.True(t, errors.Is(err, ErrStreamNotFound))
}

func TestSubsystem_UnchangedConfigKeepsStreamers(t *testing.T) {
	s := New(eventbus.New())
	assert.NoError(t, s.Configure(context.Background(), memoryConfig()))
	before := s.MetricStreamers()[0]

	assert.NoError(t, s.Configure(context.Background(), memoryConfig()))
	assert.Same(t, before, s.MetricStreamers()[0])
}

func TestSubsystem_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  *types.MonitoringConfig
	}{
		{
			name: "unknown type",
			cfg: &types.MonitoringConfig{MetricStreamers: []types.MetricStreamerConfig{
				{ID: "x", Type: "graphite"},
			}},
		},
		{
			name: "prometheus without url",
			cfg: &types.MonitoringConfig{MetricStreamers: []types.MetricStreamerConfig{
				{ID: "x", Type: types.StreamerPrometheus},
			}},
		},
		{
			name: "duplicate stream",
			cfg: &types.MonitoringConfig{MetricStreamers: []types.MetricStreamerConfig{
				{ID: "a", Type: types.StreamerMemory, Streams: []types.MetricStreamConfig{{ID: "s", Metric: "m"}}},
				{ID: "b", Type: types.StreamerMemory, Streams: []types.MetricStreamConfig{{ID: "s", Metric: "m"}}},
			}},
		},
	}
	s := New(eventbus.New())
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := s.Validate(test.cfg)
			var cfgErr *apptypes.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "expected configuration error, got %v", err)
		})
	}
}

func TestMemoryStreamer_PushAndQuery(t *testing.T) {
	bus := eventbus.New()
	var batches []types.MetricBatch
	bus.Subscribe(func(event interface{}) {
		if b, ok := event.(types.MetricBatch); ok {
			batches = append(batches, b)
		}
	})

	cfg := memoryConfig().MetricStreamers[0]
	s := NewMemoryStreamer(bus, &cfg)
	now := time.Now().UTC()

	err := s.Push("cpu.stream",
		types.MetricValue{Value: 2, Timestamp: now.Add(-2 * time.Minute)},
		types.MetricValue{Value: 1, Timestamp: now.Add(-5 * time.Minute)},
	)
	assert.NoError(t, err)
	assert.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].Count)

	stream, _ := s.MetricStream("cpu.stream")
	values, err := stream.Query(context.Background(), now.Add(-3*time.Minute), now)
	assert.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Equal(t, 2.0, values[0].Value)
	assert.Equal(t, "cpu", values[0].Metric)

	assert.Error(t, s.Push("nope"))
}

func TestMemoryStreamer_Retention(t *testing.T) {
	s := NewMemoryStreamer(nil, &types.MetricStreamerConfig{
		ID:   "memory",
		Type: types.StreamerMemory,
		Streams: []types.MetricStreamConfig{
			{ID: "short", Metric: "cpu", Lookback: &types.Duration{Duration: time.Hour}},
			{ID: "default", Metric: "cpu"},
		},
	})
	now := time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	assert.NoError(t, s.Push("short",
		types.MetricValue{Value: 1, Timestamp: now.Add(-3 * time.Hour)},
		types.MetricValue{Value: 2, Timestamp: now.Add(-30 * time.Minute)},
	))
	short, _ := s.MetricStream("short")
	values, err := short.Query(ctx, now.Add(-24*time.Hour), now)
	assert.NoError(t, err)
	if assert.Len(t, values, 1) {
		assert.Equal(t, 2.0, values[0].Value)
	}

	// a newer value moves the window
	assert.NoError(t, s.Push("short", types.MetricValue{Value: 3, Timestamp: now.Add(time.Hour)}))
	values, _ = short.Query(ctx, now.Add(-24*time.Hour), now.Add(time.Hour))
	if assert.Len(t, values, 1) {
		assert.Equal(t, 3.0, values[0].Value)
	}

	assert.NoError(t, s.Push("default",
		types.MetricValue{Value: 1, Timestamp: now.Add(-6 * 7 * 24 * time.Hour)},
		types.MetricValue{Value: 2, Timestamp: now.Add(-4 * 7 * 24 * time.Hour)},
		types.MetricValue{Value: 3, Timestamp: now},
	))
	long, _ := s.MetricStream("default")
	values, _ = long.Query(ctx, now.Add(-10*7*24*time.Hour), now)
	assert.Len(t, values, 2)
}

func TestPrometheusStreamer_Query(t *testing.T) {
	ts := float64(time.Now().Add(-time.Minute).Unix())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"success","data":{"resultType":"matrix","result":[{"metric":{"job":"web"},"values":[[%f,"42"]]}]}}`, ts)
	}))
	defer srv.Close()

	cfg := &types.MetricStreamerConfig{
		ID:   "prom",
		Type: types.StreamerPrometheus,
		URL:  srv.URL,
		Streams: []types.MetricStreamConfig{
			{ID: "rate.stream", Metric: "http_requests", Query: "sum(rate(http_requests_total[1m]))"},
		},
	}
	s, err := NewPrometheusStreamer(eventbus.New(), cfg)
	assert.NoError(t, err)

	stream, err := s.MetricStream("rate.stream")
	assert.NoError(t, err)

	now := time.Now()
	values, err := stream.Query(context.Background(), now.Add(-5*time.Minute), now)
	assert.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Equal(t, 42.0, values[0].Value)
	assert.Equal(t, "http_requests", values[0].Metric)
	assert.Equal(t, "web", values[0].Tags["job"])
}

func TestFollow_TracksReconfiguration(t *testing.T) {
	s := New(eventbus.New())
	assert.NoError(t, s.Configure(context.Background(), memoryConfig()))

	stream := Follow(s, "cpu.stream")
	assert.Equal(t, "cpu.stream", stream.ID())
	assert.Equal(t, "cpu", stream.Metric())

	cfg := memoryConfig()
	cfg.MetricStreamers[0].Streams[1].Metric = "cpu.total"
	assert.NoError(t, s.Configure(context.Background(), cfg))
	assert.Equal(t, "cpu.total", stream.Metric())

	memory := s.MetricStreamers()[0].(*MemoryStreamer)
	now := time.Now().UTC()
	assert.NoError(t, memory.Push("cpu.stream", types.MetricValue{Value: 3, Timestamp: now}))
	values, err := stream.Query(context.Background(), now.Add(-time.Minute), now)
	assert.NoError(t, err)
	assert.Len(t, values, 1)

	cfg.MetricStreamers[0].Streams = cfg.MetricStreamers[0].Streams[:1]
	assert.NoError(t, s.Configure(context.Background(), cfg))
	assert.Empty(t, stream.Metric())
	_, err = stream.Query(context.Background(), now.Add(-time.Minute), now)
	assert.True(t, errors.Is(err, ErrStreamNotFound))
}
