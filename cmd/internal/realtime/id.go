package realtime

import (
	"time"

	"gabriel/cmd/identity/ids"
)

// NewEnvelopeID returns a ULID for server envelopes, sortable in logs.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return NewRandomHex(13)
	}
	return id
}
