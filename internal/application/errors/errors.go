// Package apperrors defines application-level error types.
package apperrors

import (
	"errors"
	"fmt"
)

// AuthKind classifies an authorization failure.
type AuthKind string

const (
	AuthInvalidSignature AuthKind = "invalid_signature"
	AuthExpired          AuthKind = "expired"
	AuthNotYetValid      AuthKind = "not_yet_valid"
	AuthCapabilityDenied AuthKind = "capability_denied"
)

// AuthError indicates a token or invocation failed authorization.
type AuthError struct {
	Cause   error
	Kind    AuthKind
	Subject string
	Message string
}

func (e *AuthError) Error() string {
	msg := fmt.Sprintf("authorization failed (%s)", e.Kind)
	if e.Subject != "" {
		msg += " for " + e.Subject
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AuthError) Unwrap() error {
	return e.Cause
}

// NewAuthError creates a new authorization error.
func NewAuthError(kind AuthKind, subject, message string, cause error) *AuthError {
	return &AuthError{
		Kind:    kind,
		Subject: subject,
		Message: message,
		Cause:   cause,
	}
}

// RoutingKind classifies a routing failure.
type RoutingKind string

const (
	RoutingNoLocalSubscriber RoutingKind = "no_local_subscriber"
	RoutingNoRemoteDelegate  RoutingKind = "no_remote_delegate"
	RoutingMailboxClosed     RoutingKind = "mailbox_closed"
	RoutingRemoteFailed      RoutingKind = "remote_failed"
)

// RoutingError indicates an invocation could not be delivered.
type RoutingError struct {
	Cause  error
	Kind   RoutingKind
	Target string
}

func (e *RoutingError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("routing failed (%s) for %s: %v", e.Kind, e.Target, e.Cause)
	}
	return fmt.Sprintf("routing failed (%s) for %s", e.Kind, e.Target)
}

func (e *RoutingError) Unwrap() error {
	return e.Cause
}

// NewRoutingError creates a new routing error.
func NewRoutingError(kind RoutingKind, target string, cause error) *RoutingError {
	return &RoutingError{
		Kind:   kind,
		Target: target,
		Cause:  cause,
	}
}

// LifecycleKind classifies a host controller command failure.
type LifecycleKind string

const (
	LifecycleAlreadyRunning LifecycleKind = "already_running"
	LifecycleUnknownUnit    LifecycleKind = "unknown_unit"
	LifecycleSpawnFailed    LifecycleKind = "spawn_failed"
	LifecycleLoadDenied     LifecycleKind = "load_denied"
)

// LifecycleError indicates a start or stop command was rejected.
type LifecycleError struct {
	Cause error
	Kind  LifecycleKind
	Unit  string
}

func (e *LifecycleError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("lifecycle error (%s) for %s: %v", e.Kind, e.Unit, e.Cause)
	}
	return fmt.Sprintf("lifecycle error (%s) for %s", e.Kind, e.Unit)
}

func (e *LifecycleError) Unwrap() error {
	return e.Cause
}

// NewLifecycleError creates a new lifecycle error.
func NewLifecycleError(kind LifecycleKind, unit string, cause error) *LifecycleError {
	return &LifecycleError{
		Kind:  kind,
		Unit:  unit,
		Cause: cause,
	}
}

// SupervisionError indicates a supervised provider failed fatally.
type SupervisionError struct {
	Cause    error
	Provider string
	Restarts int
}

func (e *SupervisionError) Error() string {
	return fmt.Sprintf("supervision failed for provider %s after %d restarts: %v", e.Provider, e.Restarts, e.Cause)
}

func (e *SupervisionError) Unwrap() error {
	return e.Cause
}

// NewSupervisionError creates a new supervision error.
func NewSupervisionError(provider string, restarts int, cause error) *SupervisionError {
	return &SupervisionError{
		Provider: provider,
		Restarts: restarts,
		Cause:    cause,
	}
}

// ValidationError indicates a command, manifest or link failed validation.
type ValidationError struct {
	Field   string   // Field that failed validation
	Message string   // Error message
	Details []string // Additional details
}

func (e *ValidationError) Error() string {
	if len(e.Details) == 0 {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s: %s (%d issues)", e.Field, e.Message, len(e.Details))
}

// NewValidationError creates a new validation error.
func NewValidationError(field, message string, details ...string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: message,
		Details: details,
	}
}

// ConfigurationError indicates host config or setup issue.
type ConfigurationError struct {
	Cause   error
	Aspect  string
	Message string
}

func (e *ConfigurationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error (%s): %s: %v", e.Aspect, e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error (%s): %s", e.Aspect, e.Message)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Cause
}

// NewConfigurationError creates a new configuration error.
func NewConfigurationError(aspect, message string, cause error) *ConfigurationError {
	return &ConfigurationError{
		Aspect:  aspect,
		Message: message,
		Cause:   cause,
	}
}

// IsAuthKind reports whether err is an AuthError of the given kind.
func IsAuthKind(err error, kind AuthKind) bool {
	var authErr *AuthError
	return errors.As(err, &authErr) && authErr.Kind == kind
}

// IsRoutingKind reports whether err is a RoutingError of the given kind.
func IsRoutingKind(err error, kind RoutingKind) bool {
	var routingErr *RoutingError
	return errors.As(err, &routingErr) && routingErr.Kind == kind
}

// IsLifecycleKind reports whether err is a LifecycleError of the given kind.
func IsLifecycleKind(err error, kind LifecycleKind) bool {
	var lifecycleErr *LifecycleError
	return errors.As(err, &lifecycleErr) && lifecycleErr.Kind == kind
}
