package types

import "time"

type Severity string

// Severity type enumeration.
const (
	SeverityInfo    = Severity("INFO")
	SeverityWarning = Severity("WARN")
	SeverityError   = Severity("ERROR")
)

// System metric names emitted on the event bus.
const (
	MetricPredictorPrediction = "prediction.predictor"
	MetricAggregatePrediction = "prediction.aggregate"
	MetricCapacityLimitMin    = "prediction.capacitylimit.min"
	MetricCapacityLimitMax    = "prediction.capacitylimit.max"
	MetricBoundedPrediction   = "prediction.bounded"
	MetricComputeUnitDecision = "metronome.prediction"
	MetricPoolMachines        = "cloudpool.machines"
)

// Alert topics.
const (
	TopicPrediction = "autoscaler.prediction"
	TopicMetronome  = "autoscaler.metronome"
	TopicCloudPool  = "autoscaler.cloudpool"
)

// SystemMetric is an observability data point emitted by the autoscaler.
type SystemMetric struct {
	Name      string            `json:"name"`
	Value     float64           `json:"value"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Alert is a notable condition reported to alert subscribers.
type Alert struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Severity  Severity          `json:"severity"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// MetricBatch announces that a metric streamer delivered new values.
type MetricBatch struct {
	Streamer  string    `json:"streamer"`
	Stream    string    `json:"stream"`
	Count     int       `json:"count"`
	Timestamp time.Time `json:"timestamp"`
}

type EventKind string

// EventKind type enumeration.
const (
	EventMetric = EventKind("metric")
	EventAlert  = EventKind("alert")
)

// Event is a system metric or alert kept by the event historian.
// Name holds the metric name or the alert topic.
type Event struct {
	ID        string            `json:"id"`
	Kind      EventKind         `json:"kind"`
	Name      string            `json:"name"`
	Value     float64           `json:"value,omitempty"`
	Severity  Severity          `json:"severity,omitempty"`
	Message   string            `json:"message,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// EventQuery selects historian events. Zero fields match everything.
type EventQuery struct {
	Kind  EventKind
	Name  string
	Since time.Time
	Until time.Time
	Limit int
}
