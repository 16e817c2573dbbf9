// Package errors provides the error taxonomy for the cistern engine.
//
// This file provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - Error wrapping utilities
//
// Ingestion-layer errors are absorbed and logged by the component that
// raised them. The presentation read path only ever sees
// ErrInvalidConfiguration, ErrUnknownTopic and ErrUnknownField.
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors
// ============================================================================

var (
	// Ingestion errors
	ErrLoadFailure      = errors.New("bulk load failed")
	ErrMalformedEvent   = errors.New("malformed event")
	ErrSubscriptionLost = errors.New("subscription lost")
	ErrNotAttached      = errors.New("topic not attached")
	ErrAlreadyAttached  = errors.New("topic already attached")
	ErrClosed           = errors.New("closed")

	// Computation errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrNoData               = errors.New("no data")

	// Lookup errors
	ErrUnknownTopic = errors.New("unknown topic")
	ErrUnknownField = errors.New("unknown field")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid config")
	ErrMissingField  = errors.New("missing required field")
	ErrInvalidValue  = errors.New("invalid value")

	// Transport errors
	ErrConnectionFailed = errors.New("connection failed")
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

// New is a convenience wrapper for errors.New
var New = errors.New

// IsValidation returns true if err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidValue) ||
		errors.Is(err, ErrInvalidConfiguration)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewLoadFailure marks err as a failed bulk load of topic.
func NewLoadFailure(topic string, err error) error {
	return fmt.Errorf("topic '%s': %w: %w", topic, ErrLoadFailure, err)
}

// NewMalformed creates a malformed-event error naming the offending field.
func NewMalformed(topic, field, reason string) error {
	return fmt.Errorf("topic '%s' field '%s': %s: %w", topic, field, reason, ErrMalformedEvent)
}

// NewSubscriptionLost marks cause as the loss of topic's live subscription.
func NewSubscriptionLost(topic string, cause error) error {
	if cause == nil {
		return fmt.Errorf("topic '%s': %w", topic, ErrSubscriptionLost)
	}
	return fmt.Errorf("topic '%s': %w: %w", topic, ErrSubscriptionLost, cause)
}

// NewUnknownTopic creates an unknown-topic error.
func NewUnknownTopic(topic string) error {
	return fmt.Errorf("'%s': %w", topic, ErrUnknownTopic)
}

// NewUnknownField creates an unknown-field error.
func NewUnknownField(topic, field string) error {
	return fmt.Errorf("topic '%s' field '%s': %w", topic, field, ErrUnknownField)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}

// NewInvalidValue creates an invalid value error.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrInvalidValue)
}
