package idgen

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string. UUIDv7 is time-ordered, so
// sorting entity ids lexically matches creation order.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewEventID returns a ULID string for event log entries.
func NewEventID() string {
	return ulid.Make().String()
}
