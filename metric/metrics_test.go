package metric

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

func TestMetrics_Predictions(t *testing.T) {
	bus := eventbus.New()
	m := NewMetrics(prometheus.NewRegistry())
	unsubscribe := m.Subscribe(bus)
	defer unsubscribe()

	now := time.Now()
	bus.Metric(types.MetricPredictorPrediction, 600, now, map[string]string{"predictor": "p2", "unit": "METRIC", "metric": "requests"})
	bus.Metric(types.MetricPredictorPrediction, 6, now, map[string]string{"predictor": "p2", "unit": "COMPUTE", "metric": "requests"})
	bus.Metric(types.MetricAggregatePrediction, 6, now, nil)
	bus.Metric(types.MetricCapacityLimitMin, 2, now, map[string]string{"limit": "day"})
	bus.Metric(types.MetricCapacityLimitMax, 4, now, map[string]string{"limit": "day"})
	bus.Metric(types.MetricBoundedPrediction, 4, now, nil)
	bus.Metric(types.MetricComputeUnitDecision, 4, now, nil)

	assert.Equal(t, 600.0, testutil.ToFloat64(m.PredictorPrediction.WithLabelValues("p2", "METRIC", "requests")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.PredictorPrediction.WithLabelValues("p2", "COMPUTE", "requests")))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.AggregatePrediction))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CapacityLimitMin.WithLabelValues("day")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.CapacityLimitMax.WithLabelValues("day")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BoundedPrediction))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.ComputeUnitDecision))

	// only the active limit is exported
	bus.Metric(types.MetricCapacityLimitMax, 8, now, map[string]string{"limit": "night"})
	assert.Equal(t, 1, testutil.CollectAndCount(m.CapacityLimitMax))
}

func TestMetrics_PoolMachines(t *testing.T) {
	bus := eventbus.New()
	m := NewMetrics(prometheus.NewRegistry())
	m.Subscribe(bus)

	first := time.Now()
	bus.Metric(types.MetricPoolMachines, 2, first, map[string]string{"state": "running", "origin": "amazon", "region": "a", "size": "s"})
	bus.Metric(types.MetricPoolMachines, 1, first, map[string]string{"state": "running", "origin": "amazon", "region": "b", "size": "s"})
	assert.Equal(t, 2, testutil.CollectAndCount(m.PoolMachines))

	// a newer sample drops combinations that are gone
	second := first.Add(time.Minute)
	bus.Metric(types.MetricPoolMachines, 3, second, map[string]string{"state": "running", "origin": "amazon", "region": "a", "size": "s"})
	assert.Equal(t, 1, testutil.CollectAndCount(m.PoolMachines))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.PoolMachines.WithLabelValues("running", "amazon", "a", "s")))
}

func TestMetrics_Counters(t *testing.T) {
	bus := eventbus.New()
	m := NewMetrics(prometheus.NewRegistry())
	m.Subscribe(bus)

	bus.Alert(types.TopicPrediction, types.SeverityError, "prediction failed", nil)
	bus.Alert(types.TopicPrediction, types.SeverityError, "prediction failed", nil)
	bus.Publish(types.MetricBatch{Streamer: "prom", Stream: "queue", Count: 3})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.AlertCount.WithLabelValues(types.TopicPrediction, "ERROR")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MetricBatchCount.WithLabelValues("prom", "queue")))
}
