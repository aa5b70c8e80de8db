package predictor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/drone-runners/drone-autoscaler/app/monitoring"
	"github.com/drone-runners/drone-autoscaler/types"
)

// ConstantType is the catalog name of the constant predictor.
const ConstantType = "constant"

// Constant always predicts the configured value.
type Constant struct {
	mu         sync.RWMutex
	prediction types.Prediction
}

// NewConstant returns an unconfigured constant predictor.
func NewConstant() Predictor {
	return &Constant{}
}

func (p *Constant) Validate(config *types.PredictorConfig) error {
	_, err := p.parse(config)
	return err
}

// constantParams contains the parameters of the constant predictor.
type constantParams struct {
	Value *float64 `mapstructure:"value"`
	Unit  string   `mapstructure:"unit"`
}

func (p *Constant) parse(config *types.PredictorConfig) (types.Prediction, error) {
	params := constantParams{Unit: string(types.UnitCompute)}
	if err := decodeParams(config.Parameters, &params); err != nil {
		return types.Prediction{}, err
	}
	if params.Value == nil {
		return types.Prediction{}, fmt.Errorf("missing parameter %q", "value")
	}
	if *params.Value < 0 {
		return types.Prediction{}, fmt.Errorf("parameter %q must not be negative", "value")
	}
	switch types.Unit(params.Unit) {
	case types.UnitCompute, types.UnitMetric:
	default:
		return types.Prediction{}, fmt.Errorf("parameter %q: unknown unit %q", "unit", params.Unit)
	}
	return types.Prediction{Value: *params.Value, Unit: types.Unit(params.Unit)}, nil
}

func (p *Constant) Configure(_ context.Context, config *types.PredictorConfig, _ monitoring.MetricStream) error {
	prediction, err := p.parse(config)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.prediction = prediction
	p.mu.Unlock()
	return nil
}

func (p *Constant) Start(context.Context) error { return nil }

func (p *Constant) Stop(context.Context) error { return nil }

func (p *Constant) Predict(context.Context, *types.PoolSizeSummary, time.Time) (*types.Prediction, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prediction := p.prediction
	return &prediction, nil
}
