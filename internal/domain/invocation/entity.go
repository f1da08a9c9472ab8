// Package invocation defines the identity and message types routed across the lattice.
package invocation

import (
	"fmt"
	"strings"
)

// URLScheme prefixes every entity URL.
const URLScheme = "wasmbus"

// SystemActorID identifies the host itself as the origin of an invocation.
// Bind, unbind and health requests are issued by the system actor.
const SystemActorID = "system"

// Kind distinguishes the two entity variants.
type Kind int

const (
	// KindActor is an addressable unit of guest code.
	KindActor Kind = iota + 1
	// KindCapability is an addressable capability provider instance.
	KindCapability
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindActor:
		return "actor"
	case KindCapability:
		return "capability"
	default:
		return "unknown"
	}
}

// Entity identifies a message endpoint. It is an immutable value object:
// two entities are equal when all of their fields are equal, so an Entity
// can be used directly as a map key.
type Entity struct {
	Kind       Kind   `json:"kind"`
	ID         string `json:"id"`
	ContractID string `json:"contract_id,omitempty"`
	LinkName   string `json:"link_name,omitempty"`
}

// NewActor creates an actor entity for the given public key.
func NewActor(publicKey string) Entity {
	return Entity{Kind: KindActor, ID: publicKey}
}

// NewCapability creates a capability entity. A single provider binary may serve
// several contracts and links, so all three values are part of its identity.
func NewCapability(id, contractID, linkName string) Entity {
	return Entity{Kind: KindCapability, ID: id, ContractID: contractID, LinkName: linkName}
}

// SystemActor returns the entity the host uses for its own invocations.
func SystemActor() Entity {
	return NewActor(SystemActorID)
}

// IsActor reports whether the entity is an actor.
func (e Entity) IsActor() bool {
	return e.Kind == KindActor
}

// IsCapability reports whether the entity is a capability provider.
func (e Entity) IsCapability() bool {
	return e.Kind == KindCapability
}

// IsSystem reports whether the entity is the host's system actor.
func (e Entity) IsSystem() bool {
	return e.Kind == KindActor && e.ID == SystemActorID
}

// IsZero reports whether the entity is the zero value.
func (e Entity) IsZero() bool {
	return e == Entity{}
}

// Validate checks that the entity carries the fields its kind requires.
func (e Entity) Validate() error {
	switch e.Kind {
	case KindActor:
		if e.ID == "" {
			return fmt.Errorf("actor entity requires a public key")
		}
	case KindCapability:
		if e.ID == "" || e.ContractID == "" || e.LinkName == "" {
			return fmt.Errorf("capability entity requires id, contract id and link name")
		}
	default:
		return fmt.Errorf("invalid entity kind: %d", e.Kind)
	}
	return nil
}

// URL renders the entity in its canonical URL form, e.g.
// wasmbus://MBCFOPM... for actors and wasmbus://wasmcloud/keyvalue/default/VAHNM... for providers.
func (e Entity) URL() string {
	if e.Kind == KindActor {
		return URLScheme + "://" + e.ID
	}
	contract := strings.ToLower(strings.ReplaceAll(e.ContractID, ":", "/"))
	return fmt.Sprintf("%s://%s/%s/%s", URLScheme, contract, e.LinkName, e.ID)
}

// Key returns a compact identifier used in logs and metrics labels.
func (e Entity) Key() string {
	if e.Kind == KindActor {
		return e.ID
	}
	return e.ContractID + "/" + e.LinkName + "/" + e.ID
}

// String implements fmt.Stringer.
func (e Entity) String() string {
	return e.URL()
}
