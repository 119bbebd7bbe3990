// Package events holds accepted telemetry events and their export lifecycle.
package events

import (
	"context"
	"time"

	"qazna.org/telemetry/internal/jsondoc"
)

// Ingestion status values. "duplicate" is a response outcome, never stored.
const (
	StatusPending    = "pending"
	StatusSuppressed = "suppressed"
	StatusExported   = "exported"
	StatusFailed     = "failed"

	// StatusDuplicate is reported on a resubmission's response only.
	StatusDuplicate = "duplicate"
)

// Event is one stored telemetry event.
type Event struct {
	ID                   string
	EventUUID            string
	TenantID             string
	Environment          string
	SchemaVersion        string
	EventName            string
	EventVersion         string
	EventSource          string
	OccurredAt           time.Time
	ReceivedAt           time.Time
	UserID               string
	SessionID            string
	DeviceID             string
	CorrelationID        string
	ConsentScope         string
	ConsentStatus        string
	IngestionStatus      string
	IngestionAttempts    int
	LastIngestionAttempt *time.Time
	ExportBatchID        string
	DedupeHash           string
	Payload              jsondoc.Document
	Context              jsondoc.Document
	Metadata             jsondoc.Document
	Tags                 []string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// View is the externally visible form of an Event.
type View struct {
	EventUUID       string           `json:"event_uuid"`
	TenantID        string           `json:"tenant_id"`
	Environment     string           `json:"environment"`
	SchemaVersion   string           `json:"schema_version"`
	EventName       string           `json:"event_name"`
	EventVersion    string           `json:"event_version,omitempty"`
	EventSource     string           `json:"event_source"`
	OccurredAt      time.Time        `json:"occurred_at"`
	ReceivedAt      time.Time        `json:"received_at"`
	UserID          string           `json:"user_id,omitempty"`
	SessionID       string           `json:"session_id,omitempty"`
	DeviceID        string           `json:"device_id,omitempty"`
	CorrelationID   string           `json:"correlation_id"`
	ConsentScope    string           `json:"consent_scope"`
	ConsentStatus   string           `json:"consent_status"`
	IngestionStatus string           `json:"ingestion_status"`
	ExportBatchID   string           `json:"export_batch_id,omitempty"`
	DedupeHash      string           `json:"dedupe_hash"`
	Payload         jsondoc.Document `json:"payload"`
	Context         jsondoc.Document `json:"context"`
	Metadata        jsondoc.Document `json:"metadata"`
	Tags            []string         `json:"tags"`
}

// View projects the event for API responses and warehouse rows.
func (e Event) View() View {
	tags := e.Tags
	if tags == nil {
		tags = []string{}
	}
	return View{
		EventUUID:       e.EventUUID,
		TenantID:        e.TenantID,
		Environment:     e.Environment,
		SchemaVersion:   e.SchemaVersion,
		EventName:       e.EventName,
		EventVersion:    e.EventVersion,
		EventSource:     e.EventSource,
		OccurredAt:      e.OccurredAt,
		ReceivedAt:      e.ReceivedAt,
		UserID:          e.UserID,
		SessionID:       e.SessionID,
		DeviceID:        e.DeviceID,
		CorrelationID:   e.CorrelationID,
		ConsentScope:    e.ConsentScope,
		ConsentStatus:   e.ConsentStatus,
		IngestionStatus: e.IngestionStatus,
		ExportBatchID:   e.ExportBatchID,
		DedupeHash:      e.DedupeHash,
		Payload:         nonNil(e.Payload),
		Context:         nonNil(e.Context),
		Metadata:        nonNil(e.Metadata),
		Tags:            tags,
	}
}

// Store persists events. Implementations must enforce dedupe hash uniqueness.
type Store interface {
	// Create inserts e. On a dedupe hash collision the existing row is
	// returned with duplicate=true and no error.
	Create(ctx context.Context, e Event) (stored Event, duplicate bool, err error)
	ListPendingForExport(ctx context.Context, limit int) ([]Event, error)
	// ClaimPendingForExport reserves up to limit pending events for batchID.
	// Claims older than lease may be taken over.
	ClaimPendingForExport(ctx context.Context, batchID string, limit int, lease time.Duration) ([]Event, error)
	MarkExported(ctx context.Context, ids []string, batchID string, metadata jsondoc.Document) (int, error)
	// MarkExportFailed records a failed attempt. With maxAttempts > 0, events
	// reaching it move to StatusFailed.
	MarkExportFailed(ctx context.Context, ids []string, errMsg string, maxAttempts int) (int, error)
	GetByUUID(ctx context.Context, eventUUID string) (Event, error)
	CountByStatus(ctx context.Context) (map[string]int, error)
}

// Metadata keys written by the export lifecycle.
const (
	MetaLastExportError    = "last_export_error"
	MetaLastExportFailedAt = "last_export_failed_at"
	MetaDeadLetteredAt     = "dead_lettered_at"
)

// MaxExportErrorLen bounds the error text kept on an event.
const MaxExportErrorLen = 500

// Truncate cuts s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func nonNil(d jsondoc.Document) jsondoc.Document {
	if d == nil {
		return jsondoc.Document{}
	}
	return d
}
