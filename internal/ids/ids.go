// Package ids generates identifiers for envelopes, events, leases and queue
// messages.
package ids

import (
	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewUUID returns a time-ordered UUIDv7 or panics if generation fails.
func NewUUID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// NewString returns NewUUID as a string. Envelope, event and lease ids use
// this form.
func NewString() string {
	return NewUUID().String()
}

// NewToken returns a short sortable token for queue lock tokens and worker
// identities.
func NewToken() string {
	return xid.New().String()
}

// IsUUID reports whether s parses as a UUID.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
