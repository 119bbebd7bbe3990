package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"qazna.org/telemetry/internal/apperr"
	"qazna.org/telemetry/internal/audit"
	"qazna.org/telemetry/internal/auth"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/export"
	"qazna.org/telemetry/internal/ingest"
	"qazna.org/telemetry/internal/jsondoc"
)

type consentRequest struct {
	UserID      string           `json:"user_id"`
	TenantID    string           `json:"tenant_id"`
	Scope       string           `json:"consent_scope"`
	Version     string           `json:"consent_version"`
	Status      string           `json:"status"`
	EffectiveAt *time.Time       `json:"effective_at"`
	ExpiresAt   *time.Time       `json:"expires_at"`
	Evidence    jsondoc.Document `json:"evidence"`
	Metadata    jsondoc.Document `json:"metadata"`
}

type exportRequest struct {
	Trigger string `json:"trigger"`
}

func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	var p ingest.Payload
	if err := decodeJSON(r, &p); err != nil {
		respondAppError(w, r, err)
		return
	}
	caller := ingest.Caller{
		IPAddress: clientIP(r),
		UserAgent: r.UserAgent(),
	}
	if uid, ok := auth.UserIDFromContext(r.Context()); ok {
		caller.ActorID = uid
	}

	res, err := a.deps.Gateway.IngestEvent(r.Context(), p, caller)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	code := http.StatusAccepted
	if res.Duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}

func (a *API) getEvent(w http.ResponseWriter, r *http.Request) {
	e, err := a.deps.Events.GetByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e.View())
}

func (a *API) postConsent(w http.ResponseWriter, r *http.Request) {
	var req consentRequest
	if err := decodeJSON(r, &req); err != nil {
		respondAppError(w, r, err)
		return
	}
	recordedBy, _ := auth.UserIDFromContext(r.Context())
	rec, err := a.deps.Consents.RecordDecision(r.Context(), consent.Decision{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Scope:       req.Scope,
		Version:     req.Version,
		Status:      req.Status,
		EffectiveAt: req.EffectiveAt,
		ExpiresAt:   req.ExpiresAt,
		RecordedBy:  recordedBy,
		Evidence:    req.Evidence,
		Metadata:    req.Metadata,
	})
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "telemetry.consent.recorded", map[string]any{
		"tenant_id":       rec.TenantID,
		"user_id":         rec.UserID,
		"consent_scope":   rec.Scope,
		"consent_version": rec.Version,
		"status":          rec.Status,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) getConsent(w http.ResponseWriter, r *http.Request) {
	rec, err := a.deps.Consents.ActiveConsent(r.Context(),
		chi.URLParam(r, "user"), chi.URLParam(r, "tenant"), chi.URLParam(r, "scope"))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if rec == nil {
		respondAppError(w, r, apperr.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) getConsentHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := a.deps.Consents.History(r.Context(),
		chi.URLParam(r, "user"), chi.URLParam(r, "tenant"), chi.URLParam(r, "scope"))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if hist == nil {
		hist = []consent.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": hist})
}

func (a *API) getFreshness(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 50, 500)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	cps, err := a.deps.Freshness.ListSnapshots(r.Context(), limit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": cps,
		"as_of": time.Now().UTC(),
	})
}

func (a *API) postExport(w http.ResponseWriter, r *http.Request) {
	req := exportRequest{Trigger: export.TriggerManual}
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			respondAppError(w, r, err)
			return
		}
	}
	trigger := strings.ToLower(strings.TrimSpace(req.Trigger))
	switch trigger {
	case "":
		trigger = export.TriggerManual
	case export.TriggerManual, export.TriggerScheduled:
	default:
		respondAppError(w, r, apperr.Invalid("trigger", "must be manual or scheduled"))
		return
	}

	sum, err := a.deps.Exporter.ExportPendingEvents(r.Context(), trigger)
	var delivery *apperr.ExportDeliveryError
	switch {
	case errors.As(err, &delivery):
		code, msg := apperr.Describe(err)
		writeJSON(w, code, map[string]any{
			"error":      msg,
			"summary":    sum,
			"request_id": audit.RequestIDFromContext(r.Context()),
		})
		return
	case err != nil:
		respondAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (a *API) getExport(w http.ResponseWriter, r *http.Request) {
	b, err := a.deps.Batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (a *API) listExports(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), 20, 200)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	batches, err := a.deps.Batches.List(r.Context(), limit)
	if err != nil {
		respondAppError(w, r, err)
		return
	}
	if batches == nil {
		batches = []export.Batch{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": batches})
}
