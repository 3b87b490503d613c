package model

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by model construction, loading and precision
// transitions.
var (
	// ErrMissingConfig is returned when a model directory has no
	// configuration record.
	ErrMissingConfig = errors.New("model configuration not found")

	// ErrWrongFormat is returned when a weights file does not match the
	// container format its name promises.
	ErrWrongFormat = errors.New("weights file is not in the expected format")

	// ErrDTypeLocked is returned for any dtype-changing transition on a
	// 4-bit quantized model. Packed weights have no meaningful cast; only
	// pure device moves are allowed.
	ErrDTypeLocked = errors.New("model is 4-bit quantized: casting to a new dtype is not supported")
)

// ConfigError describes an invalid or unreadable model configuration.
type ConfigError struct {
	Path   string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid model config %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid model config %s: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying cause, if any.
func (e *ConfigError) Unwrap() error {
	return e.Err
}
