package equation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEquation is returned for an expression or value equation
	// that cannot be compiled or fails validation.
	ErrInvalidEquation = errors.New("invalid value equation")

	// ErrDivisionByZero is returned when an expression divides by zero.
	ErrDivisionByZero = errors.New("division by zero")

	// ErrInvalidFilter is returned for a malformed bucket filter payload.
	ErrInvalidFilter = errors.New("invalid bucket filter")
)

// ConfigError describes a configuration problem found while compiling or
// validating a value equation. Where names the bucket or rule at fault.
type ConfigError struct {
	Where  string
	Source string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	msg := e.Reason
	if e.Source != "" {
		msg = fmt.Sprintf("%s in %q", msg, e.Source)
	}
	if e.Where != "" {
		msg = e.Where + ": " + msg
	}
	return msg
}

func (e *ConfigError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrInvalidEquation, e.Err}
	}
	return []error{ErrInvalidEquation}
}

// IsConfigError reports whether err is a value equation configuration error.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidEquation) || errors.Is(err, ErrInvalidFilter)
}
