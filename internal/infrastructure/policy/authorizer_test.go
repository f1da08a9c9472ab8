package policy

import (
	"context"
	"testing"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthorizer_CanLoad(t *testing.T) {
	ctx := context.Background()
	a, err := NewAuthorizer(Rules{CanLoad: `"trusted" in tags && semver(version, ">= 1.0.0")`})
	require.NoError(t, err)

	tests := []struct {
		name   string
		claims capabilities.Claims
		allow  bool
	}{
		{"trusted and new", capabilities.Claims{Subject: "MA", Tags: []string{"trusted"}, Version: "1.2.0"}, true},
		{"trusted but old", capabilities.Claims{Subject: "MA", Tags: []string{"trusted"}, Version: "0.9.0"}, false},
		{"untrusted", capabilities.Claims{Subject: "MA", Version: "2.0.0"}, false},
		{"unparseable version", capabilities.Claims{Subject: "MA", Tags: []string{"trusted"}, Version: "latest"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.CanLoad(ctx, &tt.claims)
			if tt.allow {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperrors.IsAuthKind(err, apperrors.AuthCapabilityDenied), "got %v", err)
			}
		})
	}
}

func TestAuthorizer_CanInvoke(t *testing.T) {
	ctx := context.Background()
	a, err := NewAuthorizer(Rules{CanInvoke: `contract != "wasmcloud:messaging" || operation == "Publish"`})
	require.NoError(t, err)
	claims := &capabilities.Claims{Subject: "MA"}

	assert.NoError(t, a.CanInvoke(ctx, claims, invocation.NewCapability("V", "wasmcloud:keyvalue", "default"), "Get"))
	assert.NoError(t, a.CanInvoke(ctx, claims, invocation.NewCapability("V", "wasmcloud:messaging", "default"), "Publish"))
	assert.Error(t, a.CanInvoke(ctx, claims, invocation.NewCapability("V", "wasmcloud:messaging", "default"), "Request"))
}

func TestAuthorizer_Defaults(t *testing.T) {
	ctx := context.Background()
	a := AllowAll()
	assert.NoError(t, a.CanLoad(ctx, &capabilities.Claims{}))
	assert.NoError(t, a.CanInvoke(ctx, &capabilities.Claims{}, invocation.NewActor("MB"), "Handle"))

	_, err := NewAuthorizer(Rules{CanLoad: `subject ==`})
	var cfgErr *apperrors.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)

	_, err = NewAuthorizer(Rules{CanLoad: `name`})
	assert.Error(t, err, "non-boolean expressions are rejected at compile time")
}
