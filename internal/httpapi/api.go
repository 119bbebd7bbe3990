package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/audit"
	"qazna.org/telemetry/internal/auth"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/export"
	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/ingest"
	"qazna.org/telemetry/internal/obs"
)

const serviceName = "qazna-telemetry"

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks readiness, typically a database ping.
type ReadyProbe struct {
	DB Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.Ping(ctx)
}

// Ingestor accepts client events.
type Ingestor interface {
	IngestEvent(ctx context.Context, p ingest.Payload, caller ingest.Caller) (ingest.Result, error)
}

// Exporter runs one export batch.
type Exporter interface {
	ExportPendingEvents(ctx context.Context, trigger string) (export.Summary, error)
}

// FreshnessReader lists pipeline checkpoints.
type FreshnessReader interface {
	ListSnapshots(ctx context.Context, limit int) ([]freshness.Checkpoint, error)
}

// Deps are the collaborators behind the HTTP surface.
type Deps struct {
	Gateway   Ingestor
	Consents  consent.Ledger
	Events    events.Store
	Freshness FreshnessReader
	Exporter  Exporter
	Batches   export.Ledger
	// Issuer enables bearer authentication; nil leaves admin routes open.
	Issuer *auth.Issuer
	Ready  ReadyProbe
}

// Options tunes the HTTP surface.
type Options struct {
	Version       string
	CORSOrigins   []string
	MaxBodyBytes  int64
	RateBurst     int
	RatePerSecond float64
}

// API is the HTTP layer.
type API struct {
	deps   Deps
	opts   Options
	issuer *auth.Issuer
	router chi.Router
}

func New(deps Deps, opts Options) *API {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.RatePerSecond <= 0 {
		opts.RatePerSecond = 50
	}
	a := &API{deps: deps, opts: opts, issuer: deps.Issuer}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: a.opts.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", requestIDHeader},
			ExposedHeaders: []string{requestIDHeader, "Retry-After"},
			MaxAge:         600,
		}))
	}
	r.Use(a.withAuth)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/events", a.postEvent)
		r.Get("/events/{uuid}", a.getEvent)

		r.With(a.requireRole(auth.RoleAdmin)).Post("/consents", a.postConsent)
		r.Get("/consents/{tenant}/{user}/{scope}", a.getConsent)
		r.Get("/consents/{tenant}/{user}/{scope}/history", a.getConsentHistory)

		r.Get("/freshness", a.getFreshness)

		r.With(a.requireRole(auth.RoleAdmin)).Post("/exports", a.postExport)
		r.Get("/exports", a.listExports)
		r.Get("/exports/{id}", a.getExport)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root handler with the middleware chain applied.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.opts.MaxBodyBytes)
	h = RateLimit(h, a.opts.RateBurst, a.opts.RatePerSecond)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.deps.Ready.Check(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// respondAppError renders err through the coded error taxonomy.
func respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := apperr.Describe(err)
	if code >= http.StatusInternalServerError && code != http.StatusBadGateway && code != http.StatusServiceUnavailable {
		obs.Logger().Error("request failed",
			"request_id", audit.RequestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"err", err,
		)
	}
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return apperr.Invalid("", "request body is required")
		case errors.As(err, &tooLarge):
			return apperr.Invalid("", "request body too large")
		default:
			return apperr.Invalid("", err.Error())
		}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperr.Invalid("", "unexpected data after JSON body")
	}
	return nil
}

func parseLimit(raw string, def, maxLimit int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Invalid("limit", "must be an integer")
	}
	if val < 1 || val > maxLimit {
		return 0, apperr.Invalid("limit", "must be between 1 and "+strconv.Itoa(maxLimit))
	}
	return val, nil
}
