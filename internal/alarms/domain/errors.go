package alarms

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates a missing alarm, rule or channel record.
	ErrNotFound = errors.New("alarm: not found")
	// ErrInvalidTransition is returned when a lifecycle change is not allowed from the current status.
	ErrInvalidTransition = errors.New("alarm: invalid transition")
	// ErrCooldownActive is returned when a rule fired within its cooldown window.
	ErrCooldownActive = errors.New("alarm: cooldown active")
	// ErrStaleState is returned when a conditional update lost a race with another writer.
	ErrStaleState = errors.New("alarm: stale state")
)

// ConfigurationError reports a malformed rule or channel definition.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Field == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

func configErr(field, reason string) error {
	return &ConfigurationError{Field: field, Reason: reason}
}

// IsConfigurationError reports whether err wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}
