// Package metric translates the events published on the event bus
// into prometheus collectors.
package metric

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drone-runners/drone-autoscaler/app/eventbus"
	"github.com/drone-runners/drone-autoscaler/types"
)

type Metrics struct {
	PredictorPrediction *prometheus.GaugeVec
	AggregatePrediction prometheus.Gauge
	CapacityLimitMin    *prometheus.GaugeVec
	CapacityLimitMax    *prometheus.GaugeVec
	BoundedPrediction   prometheus.Gauge
	ComputeUnitDecision prometheus.Gauge
	PoolMachines        *prometheus.GaugeVec
	AlertCount          *prometheus.CounterVec
	MetricBatchCount    *prometheus.CounterVec

	mu         sync.Mutex
	poolSample time.Time
}

// PredictorPrediction provides the last prediction of every predictor,
// before and after conversion to compute units
func PredictorPrediction() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_predictor_prediction",
			Help: "Last prediction of a predictor",
		},
		[]string{"predictor", "unit", "metric"}, // unit can be METRIC or COMPUTE
	)
}

// AggregatePrediction provides the last aggregated prediction in compute units
func AggregatePrediction() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_aggregate_prediction",
			Help: "Last aggregated prediction in compute units",
		},
	)
}

// CapacityLimitMin provides the lower bound of the active capacity limit
func CapacityLimitMin() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_capacity_limit_min",
			Help: "Lower bound of the active capacity limit",
		},
		[]string{"limit"},
	)
}

// CapacityLimitMax provides the upper bound of the active capacity limit
func CapacityLimitMax() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_capacity_limit_max",
			Help: "Upper bound of the active capacity limit",
		},
		[]string{"limit"},
	)
}

// BoundedPrediction provides the last prediction after policies and limits
func BoundedPrediction() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_bounded_prediction",
			Help: "Last prediction after scaling policies and capacity limits",
		},
	)
}

// ComputeUnitDecision provides the last desired size decided by the resize loop
func ComputeUnitDecision() prometheus.Gauge {
	return prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_desired_compute_units",
			Help: "Last desired pool size decided by the resize loop",
		},
	)
}

// PoolMachines provides the number of pool machines per lifecycle state
func PoolMachines() *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "drone_autoscaler_pool_machines",
			Help: "Number of cloud pool machines",
		},
		[]string{"state", "origin", "region", "size"},
	)
}

// AlertCount provides metrics for total alerts raised
func AlertCount() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_autoscaler_alerts_total",
			Help: "Total number of alerts raised",
		},
		[]string{"topic", "severity"},
	)
}

// MetricBatchCount provides metrics for total metric batches delivered by streamers
func MetricBatchCount() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drone_autoscaler_metric_batches_total",
			Help: "Total number of metric batches delivered by metric streamers",
		},
		[]string{"streamer", "stream"},
	)
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PredictorPrediction: PredictorPrediction(),
		AggregatePrediction: AggregatePrediction(),
		CapacityLimitMin:    CapacityLimitMin(),
		CapacityLimitMax:    CapacityLimitMax(),
		BoundedPrediction:   BoundedPrediction(),
		ComputeUnitDecision: ComputeUnitDecision(),
		PoolMachines:        PoolMachines(),
		AlertCount:          AlertCount(),
		MetricBatchCount:    MetricBatchCount(),
	}
	reg.MustRegister(
		m.PredictorPrediction,
		m.AggregatePrediction,
		m.CapacityLimitMin,
		m.CapacityLimitMax,
		m.BoundedPrediction,
		m.ComputeUnitDecision,
		m.PoolMachines,
		m.AlertCount,
		m.MetricBatchCount,
	)
	return m
}

// RegisterMetrics registers the collectors with the default registry.
func RegisterMetrics() *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer)
}

// Subscribe feeds the collectors from the bus until the returned
// function is called.
func (m *Metrics) Subscribe(bus *eventbus.Bus) (unsubscribe func()) {
	return bus.Subscribe(m.Handle)
}

// Handle updates the collectors from a bus event.
func (m *Metrics) Handle(event interface{}) {
	switch e := event.(type) {
	case types.SystemMetric:
		m.handleMetric(&e)
	case types.Alert:
		m.AlertCount.WithLabelValues(e.Topic, string(e.Severity)).Inc()
	case types.MetricBatch:
		m.MetricBatchCount.WithLabelValues(e.Streamer, e.Stream).Inc()
	}
}

func (m *Metrics) handleMetric(e *types.SystemMetric) {
	switch e.Name {
	case types.MetricPredictorPrediction:
		m.PredictorPrediction.WithLabelValues(e.Tags["predictor"], e.Tags["unit"], e.Tags["metric"]).Set(e.Value)
	case types.MetricAggregatePrediction:
		m.AggregatePrediction.Set(e.Value)
	case types.MetricCapacityLimitMin:
		m.CapacityLimitMin.Reset()
		m.CapacityLimitMin.WithLabelValues(e.Tags["limit"]).Set(e.Value)
	case types.MetricCapacityLimitMax:
		m.CapacityLimitMax.Reset()
		m.CapacityLimitMax.WithLabelValues(e.Tags["limit"]).Set(e.Value)
	case types.MetricBoundedPrediction:
		m.BoundedPrediction.Set(e.Value)
	case types.MetricComputeUnitDecision:
		m.ComputeUnitDecision.Set(e.Value)
	case types.MetricPoolMachines:
		m.mu.Lock()
		// a new sample replaces the previous pool composition
		if !e.Timestamp.Equal(m.poolSample) {
			m.PoolMachines.Reset()
			m.poolSample = e.Timestamp
		}
		m.mu.Unlock()
		m.PoolMachines.WithLabelValues(e.Tags["state"], e.Tags["origin"], e.Tags["region"], e.Tags["size"]).Set(e.Value)
	}
}
