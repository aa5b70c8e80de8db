package predictor

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

var durationType = reflect.TypeOf(time.Duration(0))

// decodeParams decodes predictor parameters into out. Parameters
// arrive from JSON or YAML documents, so numbers may be float64, int
// or json.Number. Unknown keys are rejected.
func decodeParams(params map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		Result:           out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			numberHook,
		),
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(params); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	return nil
}

// numberHook reads plain numbers as seconds when decoding a duration
// and rejects fractions when decoding an integer.
func numberHook(f, t reflect.Type, data interface{}) (interface{}, error) {
	if f == durationType {
		return data, nil
	}
	var n float64
	switch f.Kind() {
	case reflect.Float32, reflect.Float64:
		n = reflect.ValueOf(data).Float()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n = float64(reflect.ValueOf(data).Int())
	default:
		return data, nil
	}
	if t == durationType {
		return time.Duration(n * float64(time.Second)), nil
	}
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("expected an integer, got %v", n)
		}
	}
	return data, nil
}
