// Package lattice connects a host to the shared broker: subject naming,
// the NATS transport, and the RPC delegate that carries invocations between hosts.
package lattice

import (
	"fmt"
	"strings"

	"github.com/reglet-dev/latticed/internal/domain/invocation"
)

// DefaultLattice is the lattice prefix used when none is configured.
const DefaultLattice = "default"

// Subjects renders the subject names for one lattice.
type Subjects struct {
	Lattice string
}

// NewSubjects returns subject naming for lattice, falling back to DefaultLattice.
func NewSubjects(lattice string) Subjects {
	if lattice == "" {
		lattice = DefaultLattice
	}
	return Subjects{Lattice: lattice}
}

// RPCPrefix is the prefix handed to provider processes in their host data.
func (s Subjects) RPCPrefix() string {
	return s.Lattice
}

// Entity returns the subject a host listens on for invocations targeting e.
// Actors are addressed by public key; capability entities by contract, link
// name and provider key so each (provider, link) pair has its own queue.
func (s Subjects) Entity(e invocation.Entity) string {
	if e.IsCapability() {
		return fmt.Sprintf("wasmbus.rpc.%s.%s.%s.%s", s.Lattice, token(e.ContractID), token(e.LinkName), e.ID)
	}
	return fmt.Sprintf("wasmbus.rpc.%s.%s", s.Lattice, e.ID)
}

// Provider returns the subject a provider process serves invocations on.
func (s Subjects) Provider(providerID, linkName string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s.%s", s.Lattice, providerID, token(linkName))
}

// Health returns the subject a provider process answers health checks on.
func (s Subjects) Health(providerID string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s.health", s.Lattice, providerID)
}

// ConfigUpdate returns the subject provider config snapshots are published to.
func (s Subjects) ConfigUpdate(providerID string) string {
	return fmt.Sprintf("wasmbus.rpc.%s.%s.config.update", s.Lattice, providerID)
}

// Control returns a control interface subject, e.g. Control("cmd", hostID, "la").
func (s Subjects) Control(parts ...string) string {
	return "wasmbus.ctl." + s.Lattice + "." + strings.Join(parts, ".")
}

// Event returns the subject events of the given type are published on.
func (s Subjects) Event(eventType string) string {
	return fmt.Sprintf("wasmbus.evt.%s.%s", s.Lattice, eventType)
}

// token makes v safe to use as a single subject token.
func token(v string) string {
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(v)
}
