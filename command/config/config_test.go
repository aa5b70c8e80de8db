package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/drone-runners/drone-autoscaler/types"
)

const document = `
monitoring:
  metric_streamers:
  - id: local
    type: memory
    streams:
    - id: requests.stream
      metric: http_requests
prediction:
  predictors:
  - id: p1
    type: ema
    state: STARTED
    metric_stream: requests.stream
    parameters:
      smoothing: 0.4
  capacity_mappings:
  - metric: http_requests
    capacity_per_unit: ${CAPACITY}
  aggregator:
    expression: max(p1, 1)
  capacity_limits:
  - id: business-hours
    priority: 1
    schedule: "* 8-18 * * 1-5"
    min: 2
    max: 10
metronome:
  interval: 1m
  horizon: 90
  log_only: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader(document), map[string]string{"CAPACITY": "250"})
	assert.NoError(t, err)

	assert.Len(t, cfg.Monitoring.MetricStreamers, 1)
	assert.Equal(t, types.StreamerMemory, cfg.Monitoring.MetricStreamers[0].Type)
	assert.Equal(t, "requests.stream", cfg.Prediction.Predictors[0].MetricStream)
	assert.Equal(t, 0.4, cfg.Prediction.Predictors[0].Parameters["smoothing"])
	assert.Equal(t, 250.0, cfg.Prediction.CapacityMappings[0].CapacityPerUnit)
	assert.Equal(t, "max(p1, 1)", cfg.Prediction.Aggregator.Expression)
	assert.Equal(t, "* 8-18 * * 1-5", cfg.Prediction.CapacityLimits[0].Schedule)
	assert.Equal(t, time.Minute, cfg.Metronome.Interval.Duration)
	assert.Equal(t, 90*time.Second, cfg.Metronome.Horizon.Duration)
	assert.True(t, cfg.Metronome.LogOnly)
}

func TestParse_JSON(t *testing.T) {
	cfg, err := Parse(strings.NewReader(`{"prediction": {"aggregator": {"expression": "p1"}}}`), nil)
	assert.NoError(t, err)
	assert.Equal(t, "p1", cfg.Prediction.Aggregator.Expression)
	assert.Nil(t, cfg.Metronome)
}

func TestParse_ProcessEnvironmentFallback(t *testing.T) {
	t.Setenv("AUTOSCALER_TEST_EXPRESSION", "p2")
	cfg, err := Parse(strings.NewReader("prediction:\n  aggregator:\n    expression: ${AUTOSCALER_TEST_EXPRESSION}\n"), map[string]string{})
	assert.NoError(t, err)
	assert.Equal(t, "p2", cfg.Prediction.Aggregator.Expression)
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse(strings.NewReader("prediction: [unterminated"), nil)
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("predictions: {}\n"), nil)
	assert.Error(t, err)

	_, err = Parse(strings.NewReader("metronome:\n  interval: often\n"), nil)
	assert.Error(t, err)
}

func TestProcessConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "autoscaler.yml")
	assert.NoError(t, os.WriteFile(path, []byte(document), 0o600))

	cfg, err := ProcessConfigFile(path, map[string]string{"CAPACITY": "10"})
	assert.NoError(t, err)
	assert.Equal(t, 10.0, cfg.Prediction.CapacityMappings[0].CapacityPerUnit)

	_, err = ProcessConfigFile(filepath.Join(t.TempDir(), "missing.yml"), nil)
	assert.Error(t, err)
}

func TestFromEnviron(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), "autoscaler.env")
	assert.NoError(t, os.WriteFile(envFile, []byte("CAPACITY=42\n"), 0o600))

	t.Setenv("DRONE_DEBUG", "true")
	t.Cleanup(func() { os.Unsetenv("AUTOSCALER_DEBUG") })
	t.Setenv("AUTOSCALER_POOL_DRIVER", DriverAmazon)
	t.Setenv("AUTOSCALER_AMAZON_TAGS", "team:ci,env:prod")
	t.Setenv("AUTOSCALER_HISTORY_RETENTION", "24h")
	t.Setenv("AUTOSCALER_CONFIG_ENV_FILE", envFile)

	config, err := FromEnviron()
	assert.NoError(t, err)
	assert.True(t, config.Debug)
	assert.Equal(t, ":8080", config.Server.Port)
	assert.Equal(t, DriverAmazon, config.Pool.Driver)
	assert.Equal(t, "default", config.Pool.Name)
	assert.Equal(t, 30*time.Second, config.Pool.RetryBudget)
	assert.Equal(t, map[string]string{"team": "ci", "env": "prod"}, config.Amazon.Tags)
	assert.Equal(t, 24*time.Hour, config.History.Retention)
	assert.Equal(t, time.Hour, config.History.CleanupInterval)
	assert.Equal(t, "42", config.Autoscaler.Environ["CAPACITY"])
}
