package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindHelpers(t *testing.T) {
	cause := errors.New("token is expired")
	wrapped := fmt.Errorf("failed to start actor: %w", NewAuthError(AuthExpired, "MABC", "", cause))

	assert.True(t, IsAuthKind(wrapped, AuthExpired))
	assert.False(t, IsAuthKind(wrapped, AuthNotYetValid))
	assert.ErrorIs(t, wrapped, cause)

	routing := NewRoutingError(RoutingMailboxClosed, "wasmbus://MABC", nil)
	assert.True(t, IsRoutingKind(routing, RoutingMailboxClosed))
	assert.Equal(t, "routing failed (mailbox_closed) for wasmbus://MABC", routing.Error())

	lifecycle := NewLifecycleError(LifecycleAlreadyRunning, "MABC", nil)
	assert.True(t, IsLifecycleKind(fmt.Errorf("wrap: %w", lifecycle), LifecycleAlreadyRunning))
	assert.False(t, IsLifecycleKind(routing, LifecycleAlreadyRunning))
}

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "auth with subject and message",
			err:  NewAuthError(AuthCapabilityDenied, "MABC", "wasmcloud:keyvalue not granted", nil),
			want: "authorization failed (capability_denied) for MABC: wasmcloud:keyvalue not granted",
		},
		{
			name: "supervision",
			err:  NewSupervisionError("VPROV", 3, errors.New("exec format error")),
			want: "supervision failed for provider VPROV after 3 restarts: exec format error",
		},
		{
			name: "validation with details",
			err:  NewValidationError("manifest", "schema mismatch", "a", "b"),
			want: "validation failed: manifest: schema mismatch (2 issues)",
		},
		{
			name: "configuration",
			err:  NewConfigurationError("links", "unknown store", nil),
			want: "configuration error (links): unknown store",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}
