package capabilities

import "time"

// UnitKind distinguishes actor claims from provider claims.
type UnitKind string

const (
	// UnitActor marks claims issued to an actor module.
	UnitActor UnitKind = "actor"
	// UnitProvider marks claims issued to a capability provider.
	UnitProvider UnitKind = "provider"
)

// Claims is verified metadata attached to a unit. Subject is the unit's
// public key; Issuer is the account key that signed the token.
type Claims struct {
	Subject    string
	Issuer     string
	Kind       UnitKind
	Name       string
	ContractID string // providers only
	Version    string
	Revision   int
	Tags       []string
	CallAlias  string
	Grant      Grant
	NotBefore  time.Time // zero when absent
	Expires    time.Time // zero when absent
	IssuedAt   time.Time
}

// Allows reports whether the claims grant the given contract id.
func (c *Claims) Allows(contractID string) bool {
	request, err := ParseCapability(contractID)
	if err != nil {
		return false
	}
	return NewPolicy().IsGranted(request, c.Grant)
}
