package domain

import (
	"fmt"

	"github.com/google/uuid"
)

// IDCodec converts between the opaque external id and an engine-native key.
type IDCodec[K any] interface {
	Decode(raw string) (K, error)
	Encode(key K) string
	New() K
}

// UUIDCodec is the codec of engines keyed by UUID. New keys are version 7 so
// that key order follows insertion order.
type UUIDCodec struct{}

// Decode parses raw as a canonical UUID string.
func (UUIDCodec) Decode(raw string) (uuid.UUID, error) {
	if len(raw) != 36 {
		return uuid.Nil, fmt.Errorf("%q: %w", raw, ErrInvalidIdentifier)
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%q: %w", raw, ErrInvalidIdentifier)
	}
	return id, nil
}

// Encode renders key in canonical form.
func (UUIDCodec) Encode(key uuid.UUID) string { return key.String() }

// New returns a fresh UUIDv7.
func (UUIDCodec) New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
