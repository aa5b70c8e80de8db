package types

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned when an operation is called with
// arguments that violate its contract.
var ErrInvalidArgument = errors.New("invalid argument")

type BadRequestError struct {
	Msg string
}

func (e *BadRequestError) Error() string { return e.Msg }

func NewBadRequestError(msg string) *BadRequestError {
	return &BadRequestError{Msg: msg}
}

// ConfigurationError is returned when a configuration is rejected.
type ConfigurationError struct {
	Component string
	Msg       string
	Err       error
}

func NewConfigurationError(component, format string, args ...interface{}) *ConfigurationError {
	return &ConfigurationError{Component: component, Msg: fmt.Sprintf(format, args...)}
}

func (e *ConfigurationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Component, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Component, e.Msg)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// PredictionError is returned when a prediction pipeline run fails.
type PredictionError struct {
	Stage string
	Err   error
}

func (e *PredictionError) Error() string {
	return fmt.Sprintf("prediction failed in %s stage: %s", e.Stage, e.Err)
}

func (e *PredictionError) Unwrap() error { return e.Err }

// ActuationError is returned when a cloud pool call fails.
type ActuationError struct {
	Op  string
	Err error
}

func (e *ActuationError) Error() string {
	return fmt.Sprintf("cloud pool %s failed: %s", e.Op, e.Err)
}

func (e *ActuationError) Unwrap() error { return e.Err }
