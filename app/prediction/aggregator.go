package prediction

import (
	"fmt"
	"strings"

	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/ast"
	"github.com/antonmedv/expr/parser"

	apptypes "github.com/drone-runners/drone-autoscaler/app/types"
	"github.com/drone-runners/drone-autoscaler/types"
)

const predictionProperty = "prediction"

// Aggregator combines the compute unit predictions of all predictors
// into a single value. Every predictor that produced a value is bound
// to a variable named after its id, read as <id>.prediction or as the
// bare <id>.
type Aggregator struct {
	expression string
}

// ValidateAggregator checks that the expression is present and parses.
// Identifiers are resolved at evaluation time since the set of bound
// predictors changes from run to run.
func ValidateAggregator(config *types.AggregatorConfig) error {
	if config == nil || strings.TrimSpace(config.Expression) == "" {
		return apptypes.NewConfigurationError(component, "missing aggregator expression")
	}
	if _, err := parser.Parse(config.Expression); err != nil {
		return &apptypes.ConfigurationError{Component: component, Msg: "invalid aggregator expression", Err: err}
	}
	return nil
}

// NewAggregator creates an aggregator from a validated config.
func NewAggregator(config *types.AggregatorConfig) *Aggregator {
	return &Aggregator{expression: config.Expression}
}

// Aggregate evaluates the expression against the predictions, keyed
// by predictor id.
func (a *Aggregator) Aggregate(predictions map[string]float64) (float64, error) {
	env := map[string]interface{}{
		"max": _max,
		"min": _min,
		"sum": _sum,
		"avg": _avg,
	}
	for id, value := range predictions {
		env[id] = value
	}

	program, err := expr.Compile(a.expression, expr.Env(env), expr.Patch(predictionField{bound: predictions}))
	if err != nil {
		return 0, fmt.Errorf("unable to compile expression '%s': %s", a.expression, err)
	}
	result, err := expr.Run(program, env)
	if err != nil {
		return 0, fmt.Errorf("unable to evaluate expression '%s': %s", a.expression, err)
	}
	return toFloat(result)
}

// predictionField rewrites <id>.prediction to the bound value of id.
type predictionField struct {
	bound map[string]float64
}

func (predictionField) Enter(*ast.Node) {}

func (p predictionField) Exit(node *ast.Node) {
	prop, ok := (*node).(*ast.PropertyNode)
	if !ok || prop.Property != predictionProperty {
		return
	}
	ident, ok := prop.Node.(*ast.IdentifierNode)
	if !ok {
		return
	}
	if _, ok := p.bound[ident.Value]; ok {
		ast.Patch(node, &ast.IdentifierNode{Value: ident.Value})
	}
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("aggregator expression returned %T, expected a number", v)
	}
}

// aggregation functions. They panic on invalid input, which the
// expression vm turns into an evaluation error.

func numbers(values []interface{}) []float64 {
	if len(values) == 0 {
		panic(fmt.Errorf("at least one argument is required"))
	}
	result := make([]float64, 0, len(values))
	for _, v := range values {
		f, err := toFloat(v)
		if err != nil {
			panic(fmt.Errorf("cannot use %v as a number", v))
		}
		result = append(result, f)
	}
	return result
}

func _max(values ...interface{}) float64 {
	nums := numbers(values)
	result := nums[0]
	for _, n := range nums[1:] {
		if n > result {
			result = n
		}
	}
	return result
}

func _min(values ...interface{}) float64 {
	nums := numbers(values)
	result := nums[0]
	for _, n := range nums[1:] {
		if n < result {
			result = n
		}
	}
	return result
}

func _sum(values ...interface{}) float64 {
	total := 0.0
	for _, n := range numbers(values) {
		total += n
	}
	return total
}

func _avg(values ...interface{}) float64 {
	nums := numbers(values)
	return _sum(values...) / float64(len(nums))
}
