package events

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"qazna.org/telemetry/internal/jsondoc"
)

// AnonymousUser stands in for an absent user id in the fingerprint.
const AnonymousUser = "anonymous"

// Fingerprint is the identity of an event for deduplication.
type Fingerprint struct {
	EventName     string
	EventVersion  string
	OccurredAt    time.Time
	UserID        string
	SessionID     string
	CorrelationID string
	Payload       jsondoc.Document
}

// Hash returns the hex SHA-256 of the pipe-joined fields. Two submissions are
// the same event iff every field matches.
func (f Fingerprint) Hash() (string, error) {
	payload, err := f.Payload.Canonical()
	if err != nil {
		return "", err
	}
	user := f.UserID
	if user == "" {
		user = AnonymousUser
	}
	joined := strings.Join([]string{
		f.EventName,
		f.EventVersion,
		f.OccurredAt.UTC().Format(time.RFC3339Nano),
		user,
		f.SessionID,
		f.CorrelationID,
		string(payload),
	}, "|")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintOf extracts the fingerprint fields of e.
func FingerprintOf(e Event) Fingerprint {
	return Fingerprint{
		EventName:     e.EventName,
		EventVersion:  e.EventVersion,
		OccurredAt:    e.OccurredAt,
		UserID:        e.UserID,
		SessionID:     e.SessionID,
		CorrelationID: e.CorrelationID,
		Payload:       e.Payload,
	}
}
