package predictor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	"github.com/drone-runners/drone-autoscaler/types"
)

// EMAType is the catalog name of the exponential moving average predictor.
const EMAType = "ema"

const week = 7 * 24 * time.Hour

// emaParams contains the parameters of the ema predictor.
type emaParams struct {
	// Lookback is the window of recent samples the average is computed
	// over. Default: 1h
	Lookback time.Duration `mapstructure:"lookback"`

	// Smoothing is the EMA smoothing factor. When not set it is derived
	// from Period as 2 / (period + 1).
	Smoothing float64 `mapstructure:"smoothing"`

	// Period is the number of samples considered by the average.
	// Default: 12
	Period int `mapstructure:"period"`

	// SafetyBuffer is a relative buffer added to predictions
	// (0.1 = 10%). Default: 0.1
	SafetyBuffer float64 `mapstructure:"safetyBuffer"`

	// WeekDecay are the weights of the peak values seen at the same
	// time 1, 2, ... weeks ago. Empty disables the seasonal component.
	WeekDecay []float64 `mapstructure:"weekDecay"`

	// EMAWeight is the weight of the recent average against the
	// seasonal component (0.0 to 1.0). Default: 0.4
	EMAWeight float64 `mapstructure:"emaWeight"`

	// WeekendAware drops weekend samples from the average and relies
	// on the seasonal component alone for weekend predictions.
	WeekendAware bool `mapstructure:"weekendAware"`
}

func parseEMAParams(params map[string]interface{}) (emaParams, error) {
	p := emaParams{
		Lookback:     time.Hour,
		Period:       12,  //nolint:mnd
		SafetyBuffer: 0.1, //nolint:mnd
		EMAWeight:    0.4, //nolint:mnd
	}
	if err := decodeParams(params, &p); err != nil {
		return p, err
	}
	if p.Lookback <= 0 {
		return p, fmt.Errorf("parameter %q must be positive", "lookback")
	}
	if p.Period < 1 {
		return p, fmt.Errorf("parameter %q must be at least 1", "period")
	}
	if v, ok := params["smoothing"]; !ok || v == nil {
		p.Smoothing = 2.0 / float64(p.Period+1)
	}
	if p.Smoothing <= 0 || p.Smoothing > 1 {
		return p, fmt.Errorf("parameter %q must be in (0, 1]", "smoothing")
	}
	if p.SafetyBuffer < 0 {
		return p, fmt.Errorf("parameter %q must not be negative", "safetyBuffer")
	}
	for _, w := range p.WeekDecay {
		if w < 0 {
			return p, fmt.Errorf("parameter %q must not contain negative weights", "weekDecay")
		}
	}
	if p.EMAWeight < 0 || p.EMAWeight > 1 {
		return p, fmt.Errorf("parameter %q must be in [0, 1]", "emaWeight")
	}
	return p, nil
}

// EMA predicts the value of its metric using an exponential moving
// average of recent samples, optionally blended with the peak values
// observed at the same time in previous weeks. Predictions are in
// metric units.
type EMA struct {
	now func() time.Time

	mu       sync.Mutex
	params   emaParams
	stream   monitoring.MetricStream
	streamID string

	// recent samples cache, covering [cacheFrom, cacheTo].
	cache     []types.MetricValue
	cacheFrom time.Time
	cacheTo   time.Time
}

// NewEMA returns an unconfigured ema predictor.
func NewEMA() Predictor {
	return &EMA{now: time.Now}
}

func (p *EMA) Validate(config *types.PredictorConfig) error {
	_, err := parseEMAParams(config.Parameters)
	return err
}

// Configure applies the parameters. The sample cache survives
// reconfiguration unless the metric stream changes.
func (p *EMA) Configure(_ context.Context, config *types.PredictorConfig, stream monitoring.MetricStream) error {
	params, err := parseEMAParams(config.Parameters)
	if err != nil {
		return err
	}
	if stream == nil {
		return errors.New("ema predictor requires a metric stream")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.streamID != stream.ID() {
		p.resetCache()
	}
	p.params = params
	p.stream = stream
	p.streamID = stream.ID()
	return nil
}

func (p *EMA) Start(context.Context) error { return nil }

func (p *EMA) Stop(context.Context) error { return nil }

// Predict returns nil when neither recent nor seasonal samples exist.
func (p *EMA) Predict(ctx context.Context, _ *types.PoolSizeSummary, at time.Time) (*types.Prediction, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stream == nil {
		return nil, errors.New("ema predictor is not configured")
	}

	end := at
	if now := p.now(); end.After(now) {
		end = now
	}
	recent, err := p.window(ctx, end.Add(-p.params.Lookback), end)
	if err != nil {
		return nil, err
	}
	historical, hasHistory, err := p.seasonal(ctx, at)
	if err != nil {
		return nil, err
	}

	var (
		base float64
		ok   bool
	)
	if p.params.WeekendAware && isWeekend(at) {
		base, ok = historical, hasHistory
	} else {
		if p.params.WeekendAware {
			recent = weekdays(recent)
		}
		average, hasAverage := p.average(recent)
		base, ok = p.combine(average, hasAverage, historical, hasHistory)
	}
	if !ok {
		return nil, nil
	}
	return &types.Prediction{
		Value: base * (1.0 + p.params.SafetyBuffer),
		Unit:  types.UnitMetric,
	}, nil
}

// window returns the samples in [start, end], fetching from the
// stream only what the cache does not cover.
func (p *EMA) window(ctx context.Context, start, end time.Time) ([]types.MetricValue, error) {
	from := start
	covered := !p.cacheTo.IsZero() &&
		!p.cacheFrom.After(start) &&
		!p.cacheTo.Before(start) &&
		!end.Before(p.cacheTo)
	if covered {
		from = p.cacheTo
	} else {
		p.resetCache()
	}

	if end.After(from) || len(p.cache) == 0 {
		values, err := p.stream.Query(ctx, from, end)
		if err != nil {
			return nil, err
		}
		var last time.Time
		if n := len(p.cache); n > 0 {
			last = p.cache[n-1].Timestamp
		}
		sort.Slice(values, func(i, j int) bool {
			return values[i].Timestamp.Before(values[j].Timestamp)
		})
		for _, v := range values {
			if len(p.cache) > 0 && !v.Timestamp.After(last) {
				continue
			}
			p.cache = append(p.cache, v)
		}
	}

	// drop samples that left the window
	i := sort.Search(len(p.cache), func(i int) bool {
		return !p.cache[i].Timestamp.Before(start)
	})
	p.cache = append([]types.MetricValue(nil), p.cache[i:]...)
	p.cacheFrom = start
	p.cacheTo = end

	return append([]types.MetricValue(nil), p.cache...), nil
}

func (p *EMA) resetCache() {
	p.cache = nil
	p.cacheFrom = time.Time{}
	p.cacheTo = time.Time{}
}

// average computes the exponential moving average of samples sorted
// oldest first.
func (p *EMA) average(samples []types.MetricValue) (float64, bool) {
	if len(samples) == 0 {
		return 0, false
	}
	alpha := p.params.Smoothing
	ema := samples[0].Value
	for _, s := range samples[1:] {
		ema = alpha*s.Value + (1-alpha)*ema
	}
	return ema, true
}

// seasonal computes the decay weighted average of the peak values seen
// in the lookback window ending at the same time in previous weeks.
func (p *EMA) seasonal(ctx context.Context, at time.Time) (float64, bool, error) {
	totalWeight := 0.0
	weightedSum := 0.0
	for i, weight := range p.params.WeekDecay {
		end := at.Add(-time.Duration(i+1) * week)
		values, err := p.stream.Query(ctx, end.Add(-p.params.Lookback), end)
		if err != nil {
			return 0, false, err
		}
		if len(values) == 0 {
			continue
		}
		weightedSum += peak(values) * weight
		totalWeight += weight
	}
	if totalWeight == 0 {
		return 0, false, nil
	}
	return weightedSum / totalWeight, true, nil
}

// combine blends the recent average and the seasonal value. Either
// may be missing.
func (p *EMA) combine(average float64, hasAverage bool, historical float64, hasHistory bool) (float64, bool) {
	switch {
	case hasAverage && hasHistory:
		return p.params.EMAWeight*average + (1-p.params.EMAWeight)*historical, true
	case hasAverage:
		return average, true
	case hasHistory:
		return historical, true
	default:
		return 0, false
	}
}

func peak(values []types.MetricValue) float64 {
	highest := values[0].Value
	for _, v := range values[1:] {
		if v.Value > highest {
			highest = v.Value
		}
	}
	return highest
}

func weekdays(values []types.MetricValue) []types.MetricValue {
	result := make([]types.MetricValue, 0, len(values))
	for _, v := range values {
		if !isWeekend(v.Timestamp) {
			result = append(result, v)
		}
	}
	return result
}

func isWeekend(t time.Time) bool {
	weekday := t.UTC().Weekday()
	return weekday == time.Saturday || weekday == time.Sunday
}
