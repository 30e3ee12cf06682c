package types

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// docIDPattern restricts document ids to characters safe in file names.
var docIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// NewDocID generates a UUIDv7 document identifier for the local document engine.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewDocID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewRequestID generates a UUIDv7 identifier correlating one API call
// across log lines and the audit trail.
func NewRequestID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ValidDocID reports whether id is usable as a document identifier.
func ValidDocID(id string) bool {
	return docIDPattern.MatchString(id)
}

// RequestIDTime extracts the timestamp embedded in a UUIDv7 request ID.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func RequestIDTime(id string) time.Time {
	u, err := uuid.Parse(id)
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
