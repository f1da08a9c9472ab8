// Package claims verifies and mints the signed tokens that carry unit claims
// and invocation antiforgery data.
package claims

import (
	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nkeys"
)

// AlgEd25519 is the JWT "alg" used for nkeys ed25519 signatures.
const AlgEd25519 = "Ed25519"

// signingMethodNkey signs and verifies JWTs with an nkeys.KeyPair.
type signingMethodNkey struct{}

// SigningMethodNkey is registered with golang-jwt under AlgEd25519.
var SigningMethodNkey jwt.SigningMethod = &signingMethodNkey{}

func init() {
	jwt.RegisterSigningMethod(AlgEd25519, func() jwt.SigningMethod {
		return SigningMethodNkey
	})
}

func (m *signingMethodNkey) Alg() string {
	return AlgEd25519
}

func (m *signingMethodNkey) Sign(signingString string, key interface{}) ([]byte, error) {
	kp, ok := key.(nkeys.KeyPair)
	if !ok {
		return nil, jwt.ErrInvalidKeyType
	}
	return kp.Sign([]byte(signingString))
}

func (m *signingMethodNkey) Verify(signingString string, sig []byte, key interface{}) error {
	kp, ok := key.(nkeys.KeyPair)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if err := kp.Verify([]byte(signingString), sig); err != nil {
		return jwt.ErrTokenSignatureInvalid
	}
	return nil
}
