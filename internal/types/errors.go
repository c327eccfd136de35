// Package types provides shared types, interfaces, and errors for the application.
package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for consistent error handling across the application.
// These errors can be checked with errors.Is() for type-safe error handling.
var (
	// Configuration and setup errors
	ErrConfiguration = errors.New("invalid configuration")
	ErrUnknownDevice = errors.New("unknown device profile")

	// Session lifecycle errors
	ErrLateAttach        = errors.New("interception attached after navigation started")
	ErrNavigation        = errors.New("navigation failed")
	ErrExtraction        = errors.New("page extraction failed")
	ErrProtocolViolation = errors.New("driver protocol violation")
	ErrSessionClosed     = errors.New("session is closed")
	ErrSessionNotFound   = errors.New("session not found")
	ErrTooManySessions   = errors.New("maximum number of sessions reached")

	// Browser pool errors
	ErrBrowserPoolClosed  = errors.New("browser pool is closed")
	ErrBrowserPoolTimeout = errors.New("timeout waiting for browser from pool")
	ErrBrowserUnhealthy   = errors.New("browser instance is unhealthy")

	// Context errors
	ErrContextCanceled = errors.New("operation canceled")
)

// ConfigurationError reports malformed rule, override or device configuration.
// It is always surfaced before a session starts.
type ConfigurationError struct {
	Field   string // Configuration field: "domains", "overrides[2]", ...
	Value   string // Offending value, if any
	Message string // Human-readable error message
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Message)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *ConfigurationError) Unwrap() error {
	return ErrConfiguration
}

// NewConfigurationError creates a configuration error for a field/value pair.
func NewConfigurationError(field, value, message string) *ConfigurationError {
	return &ConfigurationError{Field: field, Value: value, Message: message}
}

// UnknownDeviceError is returned when a device name is absent from the catalog.
type UnknownDeviceError struct {
	Name string
}

// Error implements the error interface.
func (e *UnknownDeviceError) Error() string {
	return fmt.Sprintf("unknown device profile %q", e.Name)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *UnknownDeviceError) Unwrap() error {
	return ErrUnknownDevice
}

// LateAttachError is a programming error: interception must be attached before
// the first navigation is issued. It is never retried.
type LateAttachError struct {
	SessionID string
	State     string // State the session was in when attach was attempted
}

// Error implements the error interface.
func (e *LateAttachError) Error() string {
	return fmt.Sprintf("session %s: cannot attach interception in state %s", e.SessionID, e.State)
}

// Unwrap returns the sentinel for errors.Is support.
func (e *LateAttachError) Unwrap() error {
	return ErrLateAttach
}

// NavigationError is fatal for a session. Retry policy belongs to the caller.
type NavigationError struct {
	URL string
	Err error // Underlying driver error
}

// Error implements the error interface.
func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %s failed: %v", e.URL, e.Err)
}

// Unwrap returns both the sentinel and the driver cause.
func (e *NavigationError) Unwrap() []error {
	return []error{ErrNavigation, e.Err}
}

// ExtractionError is recovered by the orchestrator and recorded in the summary.
type ExtractionError struct {
	URL     string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("extraction of %s failed: %s: %v", e.URL, e.Message, e.Err)
	}
	return fmt.Sprintf("extraction of %s failed: %s", e.URL, e.Message)
}

// Unwrap returns both the sentinel and the cause.
func (e *ExtractionError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrExtraction}
	}
	return []error{ErrExtraction, e.Err}
}

// ProtocolError describes a driver contract violation such as a second
// decision for the same request id or a response for an unknown request.
type ProtocolError struct {
	RequestID string
	Message   string
	Err       error // Driver error, if the driver rejected a call
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol violation for request %s: %s: %v", e.RequestID, e.Message, e.Err)
	}
	return fmt.Sprintf("protocol violation for request %s: %s", e.RequestID, e.Message)
}

// Unwrap returns the sentinel and the driver error for errors.Is support.
func (e *ProtocolError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrProtocolViolation}
	}
	return []error{ErrProtocolViolation, e.Err}
}
