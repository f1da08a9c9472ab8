package claims

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nkeys"
	apperrors "github.com/reglet-dev/latticed/internal/application/errors"
	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

type invocationBinding struct {
	OriginURL string `json:"origin"`
	TargetURL string `json:"target"`
	Hash      string `json:"hash"`
}

type invocationClaims struct {
	jwt.RegisteredClaims
	Invocation invocationBinding `json:"wascap"`
}

// InvocationSigner mints invocations on behalf of a host.
type InvocationSigner struct {
	key    nkeys.KeyPair
	hostID string
	now    func() time.Time
}

// NewInvocationSigner creates a signer for the host identified by key.
func NewInvocationSigner(key nkeys.KeyPair) (*InvocationSigner, error) {
	hostID, err := key.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to read host public key: %w", err)
	}
	return &InvocationSigner{key: key, hostID: hostID, now: time.Now}, nil
}

// HostID returns the public key of the signing host.
func (s *InvocationSigner) HostID() string {
	return s.hostID
}

// NewInvocation creates and signs an invocation.
func (s *InvocationSigner) NewInvocation(origin, target invocation.Entity, operation string, payload []byte) (*invocation.Invocation, error) {
	inv := invocation.New(origin, target, operation, payload)
	if err := s.Sign(inv); err != nil {
		return nil, err
	}
	return inv, nil
}

// Sign stamps the host id and antiforgery token onto inv.
func (s *InvocationSigner) Sign(inv *invocation.Invocation) error {
	wire := invocationClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  inv.ID,
			Issuer:   s.hostID,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
		Invocation: invocationBinding{
			OriginURL: inv.Origin.URL(),
			TargetURL: inv.Target.URL(),
			Hash:      inv.Hash(),
		},
	}
	token, err := jwt.NewWithClaims(SigningMethodNkey, wire).SignedString(s.key)
	if err != nil {
		return fmt.Errorf("failed to sign invocation %s: %w", inv.ID, err)
	}
	inv.HostID = s.hostID
	inv.EncodedClaims = token
	return nil
}

// ValidateInvocation checks an invocation's antiforgery token: the same
// signature and window checks as unit tokens, plus the binding of id, host,
// origin, target and payload hash.
func (v *Validator) ValidateInvocation(inv *invocation.Invocation) error {
	if inv.EncodedClaims == "" {
		return apperrors.NewAuthError(apperrors.AuthInvalidSignature, inv.ID, "invocation is not signed", nil)
	}

	var wire invocationClaims
	if err := v.verify(inv.EncodedClaims, &wire); err != nil {
		return err
	}

	mismatch := func(field string) error {
		return apperrors.NewAuthError(apperrors.AuthInvalidSignature, inv.ID, field+" does not match signed claims", nil)
	}
	switch {
	case !nkeys.IsValidPublicServerKey(wire.Issuer):
		return apperrors.NewAuthError(apperrors.AuthInvalidSignature, inv.ID, "issuer is not a host key", nil)
	case wire.Subject != inv.ID:
		return mismatch("id")
	case wire.Issuer != inv.HostID:
		return mismatch("host id")
	case wire.Invocation.OriginURL != inv.Origin.URL():
		return mismatch("origin")
	case wire.Invocation.TargetURL != inv.Target.URL():
		return mismatch("target")
	case wire.Invocation.Hash != inv.Hash():
		return mismatch("payload hash")
	}
	return nil
}
