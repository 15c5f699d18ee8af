package realtime

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewMessageID returns a ULID used as persisted message id.
// ULIDs sort by creation time, which keeps store scans and logs readable.
func NewMessageID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSessionID returns the connection handle for one websocket session.
func NewSessionID() string {
	return uuid.NewString()
}

// NewEnvelopeID returns an id for a server-originated envelope.
func NewEnvelopeID() string {
	return uuid.NewString()
}
