// Package ingest admits client events into the pipeline: validation, source
// authorization, consent gating, deduplication and freshness bookkeeping.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/audit"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/jsondoc"
	"qazna.org/telemetry/internal/obs"
)

// Outcomes reported to the Recorder.
const (
	OutcomeAccepted   = "accepted"
	OutcomeDuplicate  = "duplicate"
	OutcomeSuppressed = "suppressed"
	OutcomeRejected   = "rejected"
)

var tracer = otel.Tracer("qazna.org/telemetry/ingest")

// Options mirrors the ingestion.* settings.
type Options struct {
	Enabled                   bool
	DefaultScope              string
	AllowedSources            []string
	StrictSourceEnforcement   bool
	HardBlockWithoutConsent   bool
	FreshnessThresholdMinutes int
	IPHashSalt                string
	Environment               string
}

// Result is the outcome of IngestEvent.
type Result struct {
	Event      events.View     `json:"event"`
	Duplicate  bool            `json:"duplicate"`
	Consent    *consent.Record `json:"consent"`
	Suppressed bool            `json:"suppressed"`
}

// Toucher is the part of the freshness monitor the gateway needs.
type Toucher interface {
	Touch(ctx context.Context, pipelineKey string, lastEventAt *time.Time, thresholdMinutes int, metadata jsondoc.Document) (freshness.Checkpoint, error)
}

// Recorder receives one outcome per IngestEvent call.
type Recorder interface {
	EventIngested(outcome string)
}

type nopRecorder struct{}

func (nopRecorder) EventIngested(string) {}

// Gateway is the single entry point for client events.
type Gateway struct {
	opts     Options
	allowed  map[string]struct{}
	consents consent.Lookup
	store    events.Store
	fresh    Toucher
	recorder Recorder
	now      func() time.Time
}

// Option configures Gateway.
type Option func(*Gateway)

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) {
		if r != nil {
			g.recorder = r
		}
	}
}

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGateway wires the gateway to its collaborators.
func NewGateway(opts Options, consents consent.Lookup, store events.Store, fresh Toucher, options ...Option) *Gateway {
	g := &Gateway{
		opts:     opts,
		allowed:  make(map[string]struct{}, len(opts.AllowedSources)),
		consents: consents,
		store:    store,
		fresh:    fresh,
		recorder: nopRecorder{},
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, src := range opts.AllowedSources {
		src = strings.ToLower(strings.TrimSpace(src))
		if src != "" {
			g.allowed[src] = struct{}{}
		}
	}
	for _, o := range options {
		o(g)
	}
	return g
}

// IngestEvent validates p, resolves consent and stores the event. A
// resubmission of an already stored event returns it with Duplicate set.
func (g *Gateway) IngestEvent(ctx context.Context, p Payload, caller Caller) (res Result, err error) {
	ctx, span := tracer.Start(ctx, "ingest.IngestEvent")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			g.recorder.EventIngested(OutcomeRejected)
		}
		span.End()
	}()

	if !g.opts.Enabled {
		return Result{}, &apperr.ServiceDisabledError{}
	}
	now := g.now()
	n, err := g.normalize(p, now)
	if err != nil {
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("telemetry.event_name", n.EventName),
		attribute.String("telemetry.event_source", n.EventSource),
	)

	if g.opts.StrictSourceEnforcement && len(g.allowed) > 0 {
		if _, ok := g.allowed[n.EventSource]; !ok {
			return Result{}, &apperr.AuthorizationError{Source: n.EventSource}
		}
	}

	var rec *consent.Record
	if n.UserID != "" {
		rec, err = g.consents.ActiveConsent(ctx, n.UserID, n.TenantID, n.ConsentScope)
		if err != nil {
			return Result{}, err
		}
	}

	status := events.StatusPending
	inForce := rec.InForce(now)
	if !inForce && g.opts.HardBlockWithoutConsent {
		status = events.StatusSuppressed
	}
	consentStatus := consent.StatusRevoked
	if rec != nil && (inForce || !rec.Granted()) {
		consentStatus = rec.Status
	}

	evt := events.Event{
		EventUUID:       n.EventUUID,
		TenantID:        n.TenantID,
		Environment:     g.opts.Environment,
		SchemaVersion:   n.SchemaVersion,
		EventName:       n.EventName,
		EventVersion:    n.EventVersion,
		EventSource:     n.EventSource,
		OccurredAt:      n.OccurredAt,
		ReceivedAt:      n.ReceivedAt,
		UserID:          n.UserID,
		SessionID:       n.SessionID,
		DeviceID:        n.DeviceID,
		CorrelationID:   n.CorrelationID,
		ConsentScope:    n.ConsentScope,
		ConsentStatus:   consentStatus,
		IngestionStatus: status,
		Payload:         n.Payload.Payload,
		Context:         g.enrichContext(n.Context, caller),
		Metadata:        enrichMetadata(n.Metadata, rec, caller),
		Tags:            n.Tags,
	}
	if rec.Granted() && !inForce {
		evt.Metadata["consent_effective_at"] = rec.EffectiveAt.Format(time.RFC3339Nano)
	}
	if evt.DedupeHash, err = events.FingerprintOf(evt).Hash(); err != nil {
		return Result{}, apperr.Invalid("payload", "is not serializable")
	}

	stored, duplicate, err := g.store.Create(ctx, evt)
	if err != nil {
		return Result{}, err
	}

	occurredAt := stored.OccurredAt
	if _, ferr := g.fresh.Touch(ctx, freshness.PipelineIngestion, &occurredAt, g.opts.FreshnessThresholdMinutes, jsondoc.Document{
		"last_event_name": stored.EventName,
		"last_event_uuid": stored.EventUUID,
	}); ferr != nil {
		// The event is already durable; a failed touch must not turn into a client retry.
		obs.Logger().WarnContext(ctx, "freshness touch failed", "pipeline", freshness.PipelineIngestion, "error", ferr)
	}

	suppressed := stored.IngestionStatus == events.StatusSuppressed
	switch {
	case duplicate:
		g.recorder.EventIngested(OutcomeDuplicate)
	case suppressed:
		g.recorder.EventIngested(OutcomeSuppressed)
		_ = audit.LogEvent(ctx, "telemetry.event.suppressed", map[string]any{
			"event_uuid":     stored.EventUUID,
			"event_name":     stored.EventName,
			"tenant_id":      stored.TenantID,
			"consent_scope":  stored.ConsentScope,
			"consent_status": stored.ConsentStatus,
		})
	default:
		g.recorder.EventIngested(OutcomeAccepted)
	}
	span.SetAttributes(attribute.Bool("telemetry.duplicate", duplicate), attribute.Bool("telemetry.suppressed", suppressed))

	view := stored.View()
	if duplicate {
		view.IngestionStatus = events.StatusDuplicate
	}
	return Result{Event: view, Duplicate: duplicate, Consent: rec, Suppressed: suppressed}, nil
}

func (g *Gateway) enrichContext(in jsondoc.Document, caller Caller) jsondoc.Document {
	out := in.Clone()
	if ip := strings.TrimSpace(caller.IPAddress); ip != "" {
		sum := sha256.Sum256([]byte(g.opts.IPHashSalt + ip))
		out["ip_hash"] = hex.EncodeToString(sum[:])
	}
	if ua := strings.TrimSpace(caller.UserAgent); ua != "" {
		out["user_agent"] = ua
	}
	return out
}

func enrichMetadata(in jsondoc.Document, rec *consent.Record, caller Caller) jsondoc.Document {
	out := in.Clone()
	if rec != nil {
		out["consent_version"] = rec.Version
	}
	if actor := strings.TrimSpace(caller.ActorID); actor != "" {
		out["ingested_by"] = actor
	}
	return out
}

// IsClientError reports whether err is the caller's fault.
func IsClientError(err error) bool {
	var (
		ve *apperr.ValidationError
		ae *apperr.AuthorizationError
		ce *apperr.ConflictError
	)
	return errors.As(err, &ve) || errors.As(err, &ae) || errors.As(err, &ce)
}
