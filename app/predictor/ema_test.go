package predictor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	"github.com/drone-runners/drone-autoscaler/types"
)

// countingStream wraps a stream and records queries.
type countingStream struct {
	monitoring.MetricStream
	queries int
	err     error
}

func (s *countingStream) Query(ctx context.Context, start, end time.Time) ([]types.MetricValue, error) {
	s.queries++
	if s.err != nil {
		return nil, s.err
	}
	return s.MetricStream.Query(ctx, start, end)
}

func newMemory(t *testing.T) (*monitoring.MemoryStreamer, monitoring.MetricStream) {
	s := monitoring.NewMemoryStreamer(eventbus.New(), &types.MetricStreamerConfig{
		ID:      "memory",
		Type:    types.StreamerMemory,
		Streams: []types.MetricStreamConfig{{ID: "requests", Metric: "request.rate"}, {ID: "cpu", Metric: "cpu"}},
	})
	stream, err := s.MetricStream("requests")
	assert.NoError(t, err)
	return s, stream
}

func emaConfig(params map[string]interface{}) *types.PredictorConfig {
	return &types.PredictorConfig{
		ID:           "p1",
		Type:         EMAType,
		State:        types.PredictorStarted,
		MetricStream: "requests",
		Parameters:   params,
	}
}

// a wednesday, so weekend handling does not kick in unless asked.
var wednesday = time.Date(2024, 3, 13, 12, 0, 0, 0, time.UTC)

func newEMA(t *testing.T, stream monitoring.MetricStream, params map[string]interface{}) *EMA {
	p := NewEMA().(*EMA)
	p.now = func() time.Time { return wednesday }
	assert.NoError(t, p.Configure(context.Background(), emaConfig(params), stream))
	return p
}

func TestEMA_EmptyHistory(t *testing.T) {
	_, stream := newMemory(t)
	p := newEMA(t, stream, nil)

	prediction, err := p.Predict(context.Background(), nil, wednesday)
	assert.NoError(t, err)
	assert.Nil(t, prediction)
}

func TestEMA_Average(t *testing.T) {
	memory, stream := newMemory(t)
	for i := 5; i > 0; i-- {
		_ = memory.Push("requests", types.MetricValue{Value: 100, Timestamp: wednesday.Add(-time.Duration(i) * time.Minute)})
	}
	p := newEMA(t, stream, map[string]interface{}{"lookback": "10m", "safetyBuffer": 0.5})

	prediction, err := p.Predict(context.Background(), nil, wednesday.Add(3*time.Minute))
	assert.NoError(t, err)
	assert.Equal(t, types.UnitMetric, prediction.Unit)
	assert.InDelta(t, 150.0, prediction.Value, 1e-9)
}

func TestEMA_Smoothing(t *testing.T) {
	memory, stream := newMemory(t)
	_ = memory.Push("requests",
		types.MetricValue{Value: 10, Timestamp: wednesday.Add(-3 * time.Minute)},
		types.MetricValue{Value: 20, Timestamp: wednesday.Add(-2 * time.Minute)},
		types.MetricValue{Value: 40, Timestamp: wednesday.Add(-1 * time.Minute)},
	)
	p := newEMA(t, stream, map[string]interface{}{"smoothing": 0.5, "safetyBuffer": 0})

	prediction, err := p.Predict(context.Background(), nil, wednesday)
	assert.NoError(t, err)
	// 10 -> 15 -> 27.5
	assert.InDelta(t, 27.5, prediction.Value, 1e-9)
}

func TestEMA_WeekDecay(t *testing.T) {
	memory, stream := newMemory(t)
	for i := 10; i > 0; i-- {
		_ = memory.Push("requests", types.MetricValue{Value: 10, Timestamp: wednesday.Add(-time.Duration(i) * time.Minute)})
	}
	_ = memory.Push("requests",
		types.MetricValue{Value: 20, Timestamp: wednesday.Add(-1*week - time.Minute)},
		types.MetricValue{Value: 15, Timestamp: wednesday.Add(-2*week - time.Minute)},
		types.MetricValue{Value: 12, Timestamp: wednesday.Add(-3*week - time.Minute)},
	)
	p := newEMA(t, stream, map[string]interface{}{
		"weekDecay":    []interface{}{0.5, 0.3, 0.2},
		"safetyBuffer": 0,
	})

	prediction, err := p.Predict(context.Background(), nil, wednesday)
	assert.NoError(t, err)
	// historical: 20*0.5 + 15*0.3 + 12*0.2 = 16.9
	// combined: 0.4*10 + 0.6*16.9 = 14.14
	assert.InDelta(t, 14.14, prediction.Value, 1e-9)
}

func TestEMA_WeekendAware(t *testing.T) {
	saturday := time.Date(2024, 3, 16, 12, 0, 0, 0, time.UTC)
	memory, stream := newMemory(t)
	_ = memory.Push("requests",
		types.MetricValue{Value: 50, Timestamp: saturday.Add(-time.Minute)},
		types.MetricValue{Value: 8, Timestamp: saturday.Add(-1*week - time.Minute)},
	)
	p := newEMA(t, stream, map[string]interface{}{
		"weekDecay":    []interface{}{1},
		"weekendAware": true,
		"safetyBuffer": 0,
	})
	p.now = func() time.Time { return saturday }

	prediction, err := p.Predict(context.Background(), nil, saturday)
	assert.NoError(t, err)
	assert.InDelta(t, 8.0, prediction.Value, 1e-9)
}

func TestEMA_CacheSurvivesReconfiguration(t *testing.T) {
	memory, stream := newMemory(t)
	counted := &countingStream{MetricStream: stream}
	_ = memory.Push("requests", types.MetricValue{Value: 10, Timestamp: wednesday.Add(-2 * time.Minute)})

	p := newEMA(t, counted, map[string]interface{}{"lookback": "1h"})
	_, err := p.Predict(context.Background(), nil, wednesday)
	assert.NoError(t, err)
	assert.Equal(t, 1, counted.queries)
	assert.Len(t, p.cache, 1)

	// changing an unrelated parameter keeps the cached window
	assert.NoError(t, p.Configure(context.Background(), emaConfig(map[string]interface{}{"lookback": "1h", "safetyBuffer": 0.2}), counted))
	assert.Len(t, p.cache, 1)

	// the stream is now unavailable, yet the cached samples still count
	counted.err = errors.New("unavailable")
	_, err = p.Predict(context.Background(), nil, wednesday)
	assert.NoError(t, err)

	// switching streams drops the cache
	cpu, _ := memory.MetricStream("cpu")
	assert.NoError(t, p.Configure(context.Background(), emaConfig(nil), cpu))
	assert.Empty(t, p.cache)
}

func TestEMA_Validate(t *testing.T) {
	p := NewEMA()
	assert.NoError(t, p.Validate(emaConfig(nil)))
	for _, params := range []map[string]interface{}{
		{"lookback": "soon"},
		{"lookback": -1},
		{"smoothing": 1.5},
		{"period": 0},
		{"period": 2.5},
		{"safetyBuffer": -0.1},
		{"weekDecay": []interface{}{"heavy"}},
		{"weekDecay": []interface{}{0.5, -0.1}},
		{"emaWeight": 2},
		{"weekendAware": "yes"},
		{"value": 3},
	} {
		assert.Error(t, p.Validate(emaConfig(params)), "params %v", params)
	}
}

func TestEMA_PredictUnconfigured(t *testing.T) {
	p := NewEMA()
	_, err := p.Predict(context.Background(), nil, wednesday)
	assert.Error(t, err)
}

func TestEMA_ParseParams(t *testing.T) {
	p, err := parseEMAParams(nil)
	assert.NoError(t, err)
	assert.Equal(t, time.Hour, p.Lookback)
	assert.Equal(t, 12, p.Period)
	assert.InDelta(t, 2.0/13, p.Smoothing, 1e-9)
	assert.Equal(t, 0.1, p.SafetyBuffer)
	assert.Equal(t, 0.4, p.EMAWeight)

	p, err = parseEMAParams(map[string]interface{}{
		"lookback":     "30m",
		"period":       "4",
		"safetyBuffer": 0,
		"weekDecay":    []interface{}{1, 0.5},
		"weekendAware": true,
	})
	assert.NoError(t, err)
	assert.Equal(t, 30*time.Minute, p.Lookback)
	assert.Equal(t, 4, p.Period)
	assert.InDelta(t, 0.4, p.Smoothing, 1e-9)
	assert.Equal(t, 0.0, p.SafetyBuffer)
	assert.Equal(t, []float64{1, 0.5}, p.WeekDecay)
	assert.True(t, p.WeekendAware)

	// plain numbers are seconds
	p, err = parseEMAParams(map[string]interface{}{"lookback": 90, "smoothing": 1})
	assert.NoError(t, err)
	assert.Equal(t, 90*time.Second, p.Lookback)
	assert.Equal(t, 1.0, p.Smoothing)
}
