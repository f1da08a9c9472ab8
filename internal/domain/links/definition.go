// Package links defines link definitions binding an actor to a capability provider.
package links

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// DefaultLinkName is used when a link or provider start names none.
const DefaultLinkName = "default"

// Values is a link's configuration. It is always read and serialized
// in sorted key order so two equal links produce identical bytes.
type Values map[string]string

// Keys returns the value keys in sorted order.
func (v Values) Keys() []string {
	return slices.Sorted(maps.Keys(v))
}

// Equal reports whether two value sets contain the same pairs.
func (v Values) Equal(other Values) bool {
	return maps.Equal(v, other)
}

// Clone returns a copy that can be mutated independently.
func (v Values) Clone() Values {
	if v == nil {
		return Values{}
	}
	return maps.Clone(v)
}

// Key identifies a link from the source side.
type Key struct {
	ActorID    string `json:"actor_id"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.ActorID, k.ContractID, k.LinkName)
}

// Definition binds an actor to a provider for one contract and link name.
type Definition struct {
	ActorID    string `json:"actor_id"`
	ContractID string `json:"contract_id"`
	LinkName   string `json:"link_name"`
	ProviderID string `json:"provider_id"`
	Values     Values `json:"values"`
}

// Key returns the source-side key of the definition.
func (d Definition) Key() Key {
	return Key{ActorID: d.ActorID, ContractID: d.ContractID, LinkName: d.LinkName}
}

// Equal reports whether two definitions are identical, values included.
func (d Definition) Equal(other Definition) bool {
	return d.Key() == other.Key() && d.ProviderID == other.ProviderID && d.Values.Equal(other.Values)
}

// Validate checks that all identifying fields are present.
func (d Definition) Validate() error {
	switch {
	case d.ActorID == "":
		return fmt.Errorf("link definition requires an actor id")
	case d.ContractID == "":
		return fmt.Errorf("link definition requires a contract id")
	case d.LinkName == "":
		return fmt.Errorf("link definition requires a link name")
	case d.ProviderID == "":
		return fmt.Errorf("link definition requires a provider id")
	}
	return nil
}

// MarshalValues encodes the values as JSON with sorted keys.
func (d Definition) MarshalValues() ([]byte, error) {
	if d.Values == nil {
		return []byte("{}"), nil
	}
	// encoding/json sorts map keys
	return json.Marshal(d.Values)
}

// Binding is one source bound to a provider, as returned by reverse lookups.
type Binding struct {
	ActorID    string `json:"actor_id"`
	ContractID string `json:"contract_id"`
	Values     Values `json:"values"`
}

// ConflictError is returned when a link for the same key already targets
// a different provider.
type ConflictError struct {
	Key              Key
	ExistingProvider string
	RequestProvider  string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("link %s already targets provider %s, refusing %s", e.Key, e.ExistingProvider, e.RequestProvider)
}
