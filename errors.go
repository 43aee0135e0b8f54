package reporter

import (
	"errors"
	"fmt"
)

// StartupError is a failure to bring the reporter up: bad configuration,
// missing credentials or a schema that cannot be provisioned. The test run
// is aborted with exit code 2.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("startup error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *StartupError) Unwrap() error {
	return e.Err
}

// NewStartupError creates a new StartupError
func NewStartupError(err error) *StartupError {
	return &StartupError{Err: err}
}

// IsStartupError checks if the error is or wraps a StartupError
func IsStartupError(err error) bool {
	var startupErr *StartupError
	return err != nil && errors.As(err, &startupErr)
}

// DeliveryError is a failure to store the record of one invocation under
// the strict policy.
type DeliveryError struct {
	Test string
	Err  error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver result of %s: %v", e.Test, e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsDeliveryError checks if the error is or wraps a DeliveryError
func IsDeliveryError(err error) bool {
	var deliveryErr *DeliveryError
	return err != nil && errors.As(err, &deliveryErr)
}

// RuntimeError represents an operational error that should lead to exit code 2
type RuntimeError struct {
	Err error
}

func (e *RuntimeError) Error() string {
	return fmt.Sprintf("runtime error: %v", e.Err)
}

// Unwrap implements the errors.Unwrap interface
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// NewRuntimeError creates a new RuntimeError
func NewRuntimeError(err error) *RuntimeError {
	return &RuntimeError{Err: err}
}

// IsRuntimeError checks if the error is or wraps a RuntimeError or a
// StartupError
func IsRuntimeError(err error) bool {
	var runtimeErr *RuntimeError
	return err != nil && (errors.As(err, &runtimeErr) || IsStartupError(err))
}
