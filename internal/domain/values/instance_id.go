// Package values contains domain value objects that encapsulate
// primitive types with validation.
package values

import (
	"fmt"

	"github.com/google/uuid"
)

// InstanceID uniquely identifies one run of a supervised provider. A new id is
// minted on every start so events from a previous run can be told apart.
type InstanceID struct {
	value uuid.UUID
}

// NewInstanceID creates a new random instance ID.
func NewInstanceID() InstanceID {
	return InstanceID{value: uuid.New()}
}

// ParseInstanceID parses a string into an InstanceID.
func ParseInstanceID(s string) (InstanceID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return InstanceID{}, fmt.Errorf("invalid instance ID: %w", err)
	}
	return InstanceID{value: id}, nil
}

// String returns the string representation.
func (i InstanceID) String() string {
	return i.value.String()
}

// IsZero returns true if this is the zero value.
func (i InstanceID) IsZero() bool {
	return i.value == uuid.Nil
}

// Equals checks if two InstanceIDs are equal.
func (i InstanceID) Equals(other InstanceID) bool {
	return i.value == other.value
}

// MarshalJSON implements json.Marshaler.
func (i InstanceID) MarshalJSON() ([]byte, error) {
	return []byte(`"` + i.value.String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (i *InstanceID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) < 2 {
		return fmt.Errorf("invalid instance ID JSON")
	}
	id, err := ParseInstanceID(s[1 : len(s)-1])
	if err != nil {
		return err
	}
	*i = id
	return nil
}
