package values

import "fmt"

// UnitState is the lifecycle state of a managed actor or provider.
type UnitState string

const (
	// StateStarting indicates the unit is being loaded or spawned.
	StateStarting UnitState = "starting"
	// StateRunning indicates the unit is subscribed and serving invocations.
	StateRunning UnitState = "running"
	// StateStopping indicates the unit is being unsubscribed and torn down.
	StateStopping UnitState = "stopping"
	// StateStopped indicates the unit has been fully removed.
	StateStopped UnitState = "stopped"
)

// CanTransitionTo reports whether moving from s to next is a legal transition.
func (s UnitState) CanTransitionTo(next UnitState) bool {
	switch s {
	case StateStarting:
		return next == StateRunning || next == StateStopped
	case StateRunning:
		return next == StateStopping
	case StateStopping:
		return next == StateStopped
	case StateStopped:
		return next == StateStarting
	default:
		return false
	}
}

// IsActive returns true while the unit holds resources.
func (s UnitState) IsActive() bool {
	return s == StateStarting || s == StateRunning || s == StateStopping
}

// Validate returns an error if the state value is invalid.
func (s UnitState) Validate() error {
	switch s {
	case StateStarting, StateRunning, StateStopping, StateStopped:
		return nil
	default:
		return fmt.Errorf("invalid unit state: %s", s)
	}
}
