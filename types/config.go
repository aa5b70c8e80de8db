package types

import (
	"encoding/json"
	"fmt"
	"time"
)

type PredictorState string
type StreamerType string

// PredictorState type enumeration.
const (
	PredictorStarted = PredictorState("STARTED")
	PredictorStopped = PredictorState("STOPPED")
)

// StreamerType type enumeration.
const (
	StreamerMemory     = StreamerType("memory")
	StreamerPrometheus = StreamerType("prometheus")
)

// Duration is a time.Duration that is decoded from either a
// duration string ("30s") or a number of seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch value := v.(type) {
	case float64:
		d.Duration = time.Duration(value * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// AutoscalerConfig is the configuration document of a control-loop instance.
type AutoscalerConfig struct {
	Monitoring *MonitoringConfig `json:"monitoring,omitempty"`
	Prediction *PredictionConfig `json:"prediction"`
	Metronome  *MetronomeConfig  `json:"metronome,omitempty"`
}

// MonitoringConfig configures the metric streamers of an instance.
type MonitoringConfig struct {
	MetricStreamers []MetricStreamerConfig `json:"metric_streamers"`
}

type MetricStreamerConfig struct {
	ID           string               `json:"id"`
	Type         StreamerType         `json:"type"`
	URL          string               `json:"url,omitempty"`
	PollInterval *Duration            `json:"poll_interval,omitempty"`
	Streams      []MetricStreamConfig `json:"streams"`
}

type MetricStreamConfig struct {
	ID       string    `json:"id"`
	Metric   string    `json:"metric"`
	Query    string    `json:"query,omitempty"`
	Step     *Duration `json:"step,omitempty"`
	Lookback *Duration `json:"lookback,omitempty"`
}

// PredictionConfig configures the prediction pipeline.
type PredictionConfig struct {
	Predictors       []PredictorConfig       `json:"predictors"`
	CapacityMappings []CapacityMappingConfig `json:"capacity_mappings"`
	Aggregator       *AggregatorConfig       `json:"aggregator"`
	ScalingPolicies  *ScalingPoliciesConfig  `json:"scaling_policies,omitempty"`
	CapacityLimits   []CapacityLimitConfig   `json:"capacity_limits,omitempty"`
}

// PredictorConfig configures a single predictor instance. The ID
// is used as a variable name in aggregator expressions.
type PredictorConfig struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	State        PredictorState         `json:"state"`
	MetricStream string                 `json:"metric_stream"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
}

// CapacityMappingConfig maps a raw metric onto compute units.
type CapacityMappingConfig struct {
	Metric          string  `json:"metric"`
	CapacityPerUnit float64 `json:"capacity_per_unit"`
}

type AggregatorConfig struct {
	Expression string `json:"expression"`
}

// ScalingPoliciesConfig smooths the aggregate prediction. Omitted
// fields take their defaults.
type ScalingPoliciesConfig struct {
	MachineDeltaTolerance       *float64  `json:"machine_delta_tolerance,omitempty"`
	OverprovisioningGracePeriod *Duration `json:"overprovisioning_grace_period,omitempty"`
}

// CapacityLimitConfig is a scheduled bound on the predicted capacity.
type CapacityLimitConfig struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Schedule string `json:"schedule"`
	Min      int    `json:"min"`
	Max      int    `json:"max"`
}

// MetronomeConfig configures the resize loop.
type MetronomeConfig struct {
	Interval       *Duration `json:"interval,omitempty"`
	Horizon        *Duration `json:"horizon,omitempty"`
	LogOnly        bool      `json:"log_only"`
	ReportInterval *Duration `json:"report_interval,omitempty"`
}

const (
	DefaultMachineDeltaTolerance = 0.1
	DefaultMetronomeInterval     = 30 * time.Second
	DefaultMetronomeHorizon      = 3 * time.Minute
	DefaultReportInterval        = 30 * time.Second
	DefaultStreamerPollInterval  = 30 * time.Second
)

// Tolerance returns the machine delta tolerance, or the default if unset.
func (c *ScalingPoliciesConfig) Tolerance() float64 {
	if c == nil || c.MachineDeltaTolerance == nil {
		return DefaultMachineDeltaTolerance
	}
	return *c.MachineDeltaTolerance
}

// DurationOr returns the duration, or def if d is unset.
func DurationOr(d *Duration, def time.Duration) time.Duration {
	if d == nil {
		return def
	}
	return d.Duration
}
