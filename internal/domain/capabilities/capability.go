// Package capabilities defines domain types for capability claims and grants.
package capabilities

import (
	"fmt"
	"strings"
)

// Capability is a contract a unit is allowed to call, e.g. "wasmcloud:keyvalue".
// This is a pure value object in the domain.
type Capability struct {
	Namespace string // wasmcloud
	Name      string // keyvalue, httpserver, or "*"
}

// ParseCapability splits a contract id of the form "namespace:name".
func ParseCapability(contractID string) (Capability, error) {
	ns, name, ok := strings.Cut(contractID, ":")
	if !ok || ns == "" || name == "" {
		return Capability{}, fmt.Errorf("invalid contract id %q: expected namespace:name", contractID)
	}
	return Capability{Namespace: ns, Name: name}, nil
}

// MustParseCapability parses a contract id or panics (for tests and constants only).
func MustParseCapability(contractID string) Capability {
	c, err := ParseCapability(contractID)
	if err != nil {
		panic(err)
	}
	return c
}

// Equals checks if two capabilities are equal (value object equality).
func (c Capability) Equals(other Capability) bool {
	return c.Namespace == other.Namespace && c.Name == other.Name
}

// String returns the contract id form of the capability.
func (c Capability) String() string {
	return c.Namespace + ":" + c.Name
}

// IsBroad returns true if the capability grants every contract in a namespace.
func (c Capability) IsBroad() bool {
	return c.Name == "*" || c.Namespace == "*"
}
