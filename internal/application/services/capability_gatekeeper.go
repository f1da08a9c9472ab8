package services

import (
	"context"
	"fmt"
	"log/slog"

	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

// SecurityLevel controls how the gatekeeper treats broad capability grants.
type SecurityLevel string

const (
	// SecurityStrict denies actors whose claims hold broad capabilities.
	SecurityStrict SecurityLevel = "strict"
	// SecurityStandard warns about broad capabilities (default).
	SecurityStandard SecurityLevel = "standard"
	// SecurityPermissive loads every actor and skips the host allow-list.
	SecurityPermissive SecurityLevel = "permissive"
)

// ParseSecurityLevel returns the named level, defaulting to standard.
func ParseSecurityLevel(level string) SecurityLevel {
	switch SecurityLevel(level) {
	case SecurityStrict, SecurityPermissive:
		return SecurityLevel(level)
	default:
		return SecurityStandard
	}
}

// CapabilityGatekeeper is the load-time security boundary between the
// capabilities an actor claims and the ones this host is willing to serve.
// It runs before the wrapped authorizer's policy rules.
type CapabilityGatekeeper struct {
	next    ports.Authorizer
	level   SecurityLevel
	allowed capabilities.Grant // empty allows every contract
	policy  *capabilities.Policy
}

var _ ports.Authorizer = (*CapabilityGatekeeper)(nil)

// NewCapabilityGatekeeper wraps next with the security level and allow-list.
func NewCapabilityGatekeeper(next ports.Authorizer, level SecurityLevel, allowed capabilities.Grant) *CapabilityGatekeeper {
	return &CapabilityGatekeeper{
		next:    next,
		level:   level,
		allowed: allowed,
		policy:  capabilities.NewPolicy(),
	}
}

// CanLoad checks the actor's grant against the security level and the
// allow-list, then applies the wrapped authorizer.
func (g *CapabilityGatekeeper) CanLoad(ctx context.Context, claims *capabilities.Claims) error {
	for _, capability := range claims.Grant.Broad() {
		switch g.level {
		case SecurityStrict:
			slog.Error("broad capability denied by security policy",
				"level", g.level, "subject", claims.Subject, "capability", capability.String())
			return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, claims.Subject,
				fmt.Sprintf("broad capability denied by strict security policy: %s", capability), nil)
		case SecurityStandard:
			slog.Warn("actor claims a broad capability", "subject", claims.Subject, "capability", capability.String())
		}
	}

	if g.level != SecurityPermissive && len(g.allowed) > 0 {
		if missing := g.findMissingCapabilities(claims.Grant); len(missing) > 0 {
			return apperrors.NewAuthError(apperrors.AuthCapabilityDenied, claims.Subject,
				fmt.Sprintf("capabilities not allowed on this host: %v", missing.Strings()), nil)
		}
	}

	if g.next == nil {
		return nil
	}
	return g.next.CanLoad(ctx, claims)
}

// CanInvoke defers to the wrapped authorizer.
func (g *CapabilityGatekeeper) CanInvoke(ctx context.Context, claims *capabilities.Claims, target invocation.Entity, operation string) error {
	if g.next == nil {
		return nil
	}
	return g.next.CanInvoke(ctx, claims, target, operation)
}

// findMissingCapabilities returns the claimed capabilities the allow-list does not cover.
func (g *CapabilityGatekeeper) findMissingCapabilities(required capabilities.Grant) capabilities.Grant {
	missing := capabilities.NewGrant()
	for _, capability := range required {
		if !g.policy.IsGranted(capability, g.allowed) {
			missing.Add(capability)
		}
	}
	return missing
}
