package schema

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPacket is matched by every ValidationError.
	ErrInvalidPacket = errors.New("schema: invalid packet")

	// ErrInvalidConfig is matched by every ConfigError.
	ErrInvalidConfig = errors.New("schema: invalid configuration")
)

// ValidationError reports a malformed packet or raw record. The record is
// dropped and no detection state is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidPacket for errors.Is support.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidPacket
}

// ConfigError reports an invalid threshold, duration or pipeline setting.
// Constructors return it and refuse to build the component.
type ConfigError struct {
	Field  string
	Reason string
}

// NewConfigError formats a ConfigError for field.
func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

// Unwrap returns ErrInvalidConfig for errors.Is support.
func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrInvalidPacket)
}

// IsConfigError reports whether err is or wraps a ConfigError.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}
