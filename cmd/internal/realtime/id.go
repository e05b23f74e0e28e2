package realtime

import (
	"time"

	"whisper/cmd/internal/ids"
)

// NewSessionID returns a ULID identifying one websocket session.
func NewSessionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEnvelopeID returns a ULID for an outbound envelope, or "" if the
// entropy source fails.
func NewEnvelopeID(now time.Time) string {
	id, err := ids.NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
