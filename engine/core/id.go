package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is the engine-wide identifier type for workflow and task instances.
// IDs are KSUIDs, so they sort roughly by creation time.
type ID string

func (id ID) String() string {
	return string(id)
}

func (id ID) IsZero() bool {
	return id == ""
}

// NewID generates a new unique ID.
func NewID() (ID, error) {
	kid, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generating id: %w", err)
	}
	return ID(kid.String()), nil
}

// MustNewID generates a new unique ID and panics on failure.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

// ParseID validates that s is a well-formed KSUID and returns it as an ID.
func ParseID(s string) (ID, error) {
	if _, err := ksuid.Parse(s); err != nil {
		return "", fmt.Errorf("parsing id %q: %w", s, err)
	}
	return ID(s), nil
}
