package claims

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nkeys"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/application/ports"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
)

// Validator verifies claims tokens. Every token goes through the same
// signature, not-before and expiry checks in verify.
type Validator struct {
	now     func() time.Time
	trusted map[string]struct{}
}

var _ ports.ClaimsValidator = (*Validator)(nil)

// Option configures a Validator.
type Option func(*Validator)

// WithClock overrides the clock used for the validity window.
func WithClock(now func() time.Time) Option {
	return func(v *Validator) {
		v.now = now
	}
}

// WithTrustedIssuers restricts unit tokens to the given issuer keys.
// An empty list trusts any valid issuer.
func WithTrustedIssuers(keys ...string) Option {
	return func(v *Validator) {
		for _, k := range keys {
			v.trusted[k] = struct{}{}
		}
	}
}

// NewValidator creates a validator using the wall clock.
func NewValidator(opts ...Option) *Validator {
	v := &Validator{
		now:     time.Now,
		trusted: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Validate verifies a unit claims token and returns the decoded claims.
func (v *Validator) Validate(token string) (*capabilities.Claims, error) {
	var wire unitClaims
	if err := v.verify(token, &wire); err != nil {
		return nil, err
	}

	if _, err := nkeys.FromPublicKey(wire.Subject); err != nil {
		return nil, apperrors.NewAuthError(apperrors.AuthInvalidSignature, wire.Subject, "subject is not a valid public key", err)
	}
	if !nkeys.IsValidPublicAccountKey(wire.Issuer) {
		return nil, apperrors.NewAuthError(apperrors.AuthInvalidSignature, wire.Subject, "issuer is not an account key", nil)
	}
	if len(v.trusted) > 0 {
		if _, ok := v.trusted[wire.Issuer]; !ok {
			return nil, apperrors.NewAuthError(apperrors.AuthInvalidSignature, wire.Subject,
				fmt.Sprintf("issuer %s is not trusted", wire.Issuer), nil)
		}
	}
	return wire.toDomain(), nil
}

// verify checks the signature against the embedded issuer key and enforces the
// not-before and expiry window. It is the single contract shared by unit tokens
// and invocation tokens.
func (v *Validator) verify(token string, dst jwt.Claims) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{AlgEd25519}),
		jwt.WithTimeFunc(v.now),
	)
	_, err := parser.ParseWithClaims(token, dst, func(t *jwt.Token) (interface{}, error) {
		issuer, err := t.Claims.GetIssuer()
		if err != nil {
			return nil, err
		}
		kp, err := nkeys.FromPublicKey(issuer)
		if err != nil {
			return nil, fmt.Errorf("invalid issuer key %q: %w", issuer, err)
		}
		return kp, nil
	})
	if err == nil {
		return nil
	}

	subject, _ := dst.GetSubject()
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.NewAuthError(apperrors.AuthExpired, subject, "", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return apperrors.NewAuthError(apperrors.AuthNotYetValid, subject, "", err)
	default:
		return apperrors.NewAuthError(apperrors.AuthInvalidSignature, subject, "", err)
	}
}
