package ingest

import (
	"regexp"
	"strings"
	"time"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/ids"
	"qazna.org/telemetry/internal/jsondoc"
)

const (
	defaultSchemaVersion = "v1"

	maxEventNameLen   = 128
	maxEventSourceLen = 64
	maxShortFieldLen  = 64
	maxIDFieldLen     = 128
	maxTags           = 32
	maxTagLen         = 64

	// Client clocks drift; anything further ahead is rejected.
	maxFutureSkew = 24 * time.Hour
)

var (
	eventNamePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)
	eventSourcePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)
)

// Payload is a client-submitted event.
type Payload struct {
	EventUUID     string           `json:"event_uuid,omitempty"`
	TenantID      string           `json:"tenant_id,omitempty"`
	SchemaVersion string           `json:"schema_version,omitempty"`
	EventName     string           `json:"event_name"`
	EventVersion  string           `json:"event_version,omitempty"`
	EventSource   string           `json:"event_source"`
	OccurredAt    *time.Time       `json:"occurred_at,omitempty"`
	UserID        string           `json:"user_id,omitempty"`
	SessionID     string           `json:"session_id,omitempty"`
	DeviceID      string           `json:"device_id,omitempty"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	ConsentScope  string           `json:"consent_scope,omitempty"`
	Payload       jsondoc.Document `json:"payload,omitempty"`
	Context       jsondoc.Document `json:"context,omitempty"`
	Metadata      jsondoc.Document `json:"metadata,omitempty"`
	Tags          []string         `json:"tags,omitempty"`
}

// Caller describes who submitted a payload.
type Caller struct {
	ActorID   string
	IPAddress string
	UserAgent string
}

// normalized is a validated payload with every default applied.
type normalized struct {
	Payload
	OccurredAt time.Time
	ReceivedAt time.Time
}

func (g *Gateway) normalize(p Payload, now time.Time) (normalized, error) {
	n := normalized{Payload: p, ReceivedAt: now}

	n.EventName = strings.TrimSpace(p.EventName)
	if n.EventName == "" {
		return n, apperr.Invalid("event_name", "is required")
	}
	if len(n.EventName) > maxEventNameLen || !eventNamePattern.MatchString(n.EventName) {
		return n, apperr.Invalid("event_name", "must match "+eventNamePattern.String())
	}

	n.EventSource = strings.ToLower(strings.TrimSpace(p.EventSource))
	if n.EventSource == "" {
		return n, apperr.Invalid("event_source", "is required")
	}
	if len(n.EventSource) > maxEventSourceLen || !eventSourcePattern.MatchString(n.EventSource) {
		return n, apperr.Invalid("event_source", "must be at most 64 lowercase letters, digits, '.', '_' or '-'")
	}

	var err error
	if n.TenantID, err = trimmed("tenant_id", p.TenantID, maxShortFieldLen); err != nil {
		return n, err
	}
	if n.TenantID == "" {
		n.TenantID = consent.DefaultTenant
	}
	if n.SchemaVersion, err = trimmed("schema_version", p.SchemaVersion, maxShortFieldLen); err != nil {
		return n, err
	}
	if n.SchemaVersion == "" {
		n.SchemaVersion = defaultSchemaVersion
	}
	if n.EventVersion, err = trimmed("event_version", p.EventVersion, maxShortFieldLen); err != nil {
		return n, err
	}
	for _, f := range []struct {
		name string
		dst  *string
		src  string
	}{
		{"user_id", &n.UserID, p.UserID},
		{"session_id", &n.SessionID, p.SessionID},
		{"device_id", &n.DeviceID, p.DeviceID},
		{"correlation_id", &n.CorrelationID, p.CorrelationID},
		{"consent_scope", &n.ConsentScope, p.ConsentScope},
	} {
		if *f.dst, err = trimmed(f.name, f.src, maxIDFieldLen); err != nil {
			return n, err
		}
	}
	if n.ConsentScope == "" {
		n.ConsentScope = g.opts.DefaultScope
	}

	n.EventUUID = strings.TrimSpace(p.EventUUID)
	if n.EventUUID != "" && !ids.ValidUUID(n.EventUUID) {
		return n, apperr.Invalid("event_uuid", "must be a UUID")
	}
	if n.EventUUID == "" {
		n.EventUUID = ids.UUID()
	}

	n.OccurredAt = now
	if p.OccurredAt != nil && !p.OccurredAt.IsZero() {
		n.OccurredAt = p.OccurredAt.UTC()
	}
	if n.OccurredAt.After(now.Add(maxFutureSkew)) {
		return n, apperr.Invalid("occurred_at", "is too far in the future")
	}

	if n.Payload.Payload == nil {
		n.Payload.Payload = jsondoc.Document{}
	}
	if n.Tags, err = normalizeTags(p.Tags); err != nil {
		return n, err
	}

	if n.CorrelationID == "" {
		if n.CorrelationID, err = derivedCorrelationID(n); err != nil {
			return n, err
		}
	}
	return n, nil
}

// derivedCorrelationID names the submission by its content so a retry without
// a client correlation id still collapses onto the first write.
func derivedCorrelationID(n normalized) (string, error) {
	body, err := n.Payload.Payload.Canonical()
	if err != nil {
		return "", apperr.Invalid("payload", "is not serializable")
	}
	return ids.DerivedUUID(strings.Join([]string{
		n.TenantID,
		n.EventName,
		n.EventVersion,
		n.OccurredAt.Format(time.RFC3339Nano),
		n.UserID,
		n.SessionID,
		string(body),
	}, "|")), nil
}

func trimmed(field, v string, max int) (string, error) {
	v = strings.TrimSpace(v)
	if len(v) > max {
		return "", apperr.Invalid(field, "is too long")
	}
	return v, nil
}

func normalizeTags(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if len(tag) > maxTagLen {
			return nil, apperr.Invalid("tags", "tag is too long")
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) > maxTags {
		return nil, apperr.Invalid("tags", "too many tags")
	}
	return out, nil
}
