package claims

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/nats-io/nkeys"
	"github.com/reglet-dev/latticed/internal/domain/capabilities"
)

// wascap is the unit-specific section of a claims token.
type wascap struct {
	Kind       string   `json:"kind,omitempty"`
	Name       string   `json:"name,omitempty"`
	ContractID string   `json:"contract_id,omitempty"`
	Caps       []string `json:"caps,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Ver        string   `json:"ver,omitempty"`
	Rev        int      `json:"rev,omitempty"`
	CallAlias  string   `json:"call_alias,omitempty"`
}

type unitClaims struct {
	jwt.RegisteredClaims
	Wascap wascap `json:"wascap"`
}

// Sign mints a claims token for c, signed by issuer. The token's issuer is
// taken from the key pair, not from c.Issuer.
func Sign(issuer nkeys.KeyPair, c *capabilities.Claims) (string, error) {
	issuerKey, err := issuer.PublicKey()
	if err != nil {
		return "", fmt.Errorf("failed to read issuer public key: %w", err)
	}
	if _, err := nkeys.FromPublicKey(c.Subject); err != nil {
		return "", fmt.Errorf("invalid subject %q: %w", c.Subject, err)
	}

	issuedAt := c.IssuedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	wire := unitClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  c.Subject,
			Issuer:   issuerKey,
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		Wascap: wascap{
			Kind:       string(c.Kind),
			Name:       c.Name,
			ContractID: c.ContractID,
			Caps:       c.Grant.Strings(),
			Tags:       c.Tags,
			Ver:        c.Version,
			Rev:        c.Revision,
			CallAlias:  c.CallAlias,
		},
	}
	if !c.NotBefore.IsZero() {
		wire.NotBefore = jwt.NewNumericDate(c.NotBefore)
	}
	if !c.Expires.IsZero() {
		wire.ExpiresAt = jwt.NewNumericDate(c.Expires)
	}

	token, err := jwt.NewWithClaims(SigningMethodNkey, wire).SignedString(issuer)
	if err != nil {
		return "", fmt.Errorf("failed to sign claims: %w", err)
	}
	return token, nil
}

func (u *unitClaims) toDomain() *capabilities.Claims {
	c := &capabilities.Claims{
		Subject:    u.Subject,
		Issuer:     u.Issuer,
		Kind:       capabilities.UnitKind(u.Wascap.Kind),
		Name:       u.Wascap.Name,
		ContractID: u.Wascap.ContractID,
		Version:    u.Wascap.Ver,
		Revision:   u.Wascap.Rev,
		Tags:       u.Wascap.Tags,
		CallAlias:  u.Wascap.CallAlias,
		Grant:      capabilities.NewGrant(u.Wascap.Caps...),
	}
	if c.Kind == "" {
		c.Kind = capabilities.UnitActor
	}
	if u.NotBefore != nil {
		c.NotBefore = u.NotBefore.Time
	}
	if u.ExpiresAt != nil {
		c.Expires = u.ExpiresAt.Time
	}
	if u.IssuedAt != nil {
		c.IssuedAt = u.IssuedAt.Time
	}
	return c
}
