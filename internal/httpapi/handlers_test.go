package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"qazna.org/telemetry/internal/auth"
	"qazna.org/telemetry/internal/consent"
	"qazna.org/telemetry/internal/events"
	"qazna.org/telemetry/internal/export"
	"qazna.org/telemetry/internal/freshness"
	"qazna.org/telemetry/internal/ingest"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	token   string
}

type failingWriter struct{}

func (failingWriter) Destination() string { return "s3" }

func (failingWriter) Write(context.Context, export.Batch, []events.Event) (export.WriteResult, error) {
	return export.WriteResult{}, errors.New("bucket unavailable")
}

func newTestAPI(t *testing.T, writer export.Writer) *apiClient {
	t.Helper()

	iss, err := auth.NewIssuer("test-secret")
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	token, err := iss.GenerateToken("ops", []string{auth.RoleAdmin}, time.Hour)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	ledger := consent.NewResolver(consent.NewInMemory("v1"), time.Minute)
	store := events.NewInMemory()
	monitor := freshness.NewMonitor(freshness.NewInMemory())
	gw := ingest.NewGateway(ingest.Options{
		Enabled:                   true,
		DefaultScope:              "product.analytics",
		HardBlockWithoutConsent:   true,
		FreshnessThresholdMinutes: 15,
		Environment:               "test",
	}, ledger, store, monitor)
	if writer == nil {
		writer = export.NewFileWriter(t.TempDir(), "telemetry")
	}
	batches := export.NewInMemoryLedger()
	batcher := export.NewBatcher(store, batches, writer, export.Options{Environment: "test", MaxAttempts: 3}, export.WithFreshness(monitor))

	api := New(Deps{
		Gateway:   gw,
		Consents:  ledger,
		Events:    store,
		Freshness: monitor,
		Exporter:  batcher,
		Batches:   batches,
		Issuer:    iss,
	}, Options{Version: "test", RateBurst: 1000, RatePerSecond: 1000})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		token:   token,
	}
}

func (c *apiClient) admin() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.token}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	resp, err := c.client.Get(u.String())
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func checkoutEvent() map[string]any {
	return map[string]any{
		"event_name":   "checkout.completed",
		"event_source": "web",
		"user_id":      "u-1",
		"occurred_at":  time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano),
		"payload":      map[string]any{"amount": 42},
		"tags":         []string{"checkout"},
	}
}

func TestAPIIngestConsentExportFlow(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.post("/v1/consents", map[string]any{
		"user_id":       "u-1",
		"consent_scope": "product.analytics",
		"status":        "granted",
	}, api.admin())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected consent status: %d", resp.StatusCode)
	}
	rec := decode[map[string]any](t, resp)
	if rec["recorded_by"] != "ops" {
		t.Fatalf("expected recorded_by from token subject, got %v", rec["recorded_by"])
	}

	evt := checkoutEvent()
	resp = api.post("/v1/events", evt, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	first := decode[map[string]any](t, resp)
	stored := first["event"].(map[string]any)
	if stored["ingestion_status"] != events.StatusPending || stored["consent_status"] != consent.StatusGranted {
		t.Fatalf("unexpected stored event: %v", stored)
	}

	resp = api.post("/v1/events", evt, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", resp.StatusCode)
	}
	dup := decode[map[string]any](t, resp)
	if dup["duplicate"] != true || dup["event"].(map[string]any)["event_uuid"] != stored["event_uuid"] {
		t.Fatalf("duplicate did not return the original event: %v", dup)
	}
	if got := dup["event"].(map[string]any)["ingestion_status"]; got != events.StatusDuplicate {
		t.Fatalf("expected duplicate ingestion_status on resubmission, got %v", got)
	}

	reused := checkoutEvent()
	reused["event_uuid"] = stored["event_uuid"]
	reused["event_name"] = "course.completed"
	resp = api.post("/v1/events", reused, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for a reused event_uuid, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = api.post("/v1/exports", nil, api.admin())
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	sum := decode[map[string]any](t, resp)
	if sum["events"].(float64) != 1 {
		t.Fatalf("expected one exported event, got %v", sum["events"])
	}
	batch := sum["batch"].(map[string]any)

	resp = api.get("/v1/exports/"+batch["batch_uuid"].(string), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected batch lookup status: %d", resp.StatusCode)
	}
	got := decode[map[string]any](t, resp)
	if got["status"] != export.BatchExported || got["checksum"] == "" {
		t.Fatalf("unexpected batch: %v", got)
	}

	resp = api.get("/v1/events/"+stored["event_uuid"].(string), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected event lookup status: %d", resp.StatusCode)
	}
	view := decode[map[string]any](t, resp)
	if view["ingestion_status"] != events.StatusExported {
		t.Fatalf("expected exported event, got %v", view["ingestion_status"])
	}

	resp = api.get("/v1/freshness", url.Values{"limit": []string{"10"}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected freshness status: %d", resp.StatusCode)
	}
	fresh := decode[map[string]any](t, resp)
	items := fresh["items"].([]any)
	if len(items) != 2 {
		t.Fatalf("expected ingestion and warehouse checkpoints, got %v", items)
	}
	if items[0].(map[string]any)["pipeline_key"] != export.PipelineWarehouse {
		t.Fatalf("expected checkpoints ordered by key, got %v", items)
	}
}

func TestAPISuppressesWithoutConsent(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.post("/v1/events", checkoutEvent(), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["suppressed"] != true {
		t.Fatalf("expected suppressed event, got %v", body)
	}
}

func TestAPIRejectsInvalidEvent(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.post("/v1/events", map[string]any{"event_source": "web"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	msg := body["error"].(map[string]any)
	if msg["code"] != "TEL-42201" {
		t.Fatalf("unexpected error code: %v", msg)
	}
	if body["request_id"] == "" {
		t.Fatalf("expected request_id in error body")
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.post("/v1/consents", map[string]any{
		"user_id":       "u-1",
		"consent_scope": "product.analytics",
		"status":        "granted",
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	resp2 := api.post("/v1/exports", nil, nil)
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp2.StatusCode)
	}
}

func TestAPIExportDeliveryFailure(t *testing.T) {
	api := newTestAPI(t, failingWriter{})

	resp := api.post("/v1/consents", map[string]any{
		"user_id":       "u-1",
		"consent_scope": "product.analytics",
		"status":        "granted",
	}, api.admin())
	resp.Body.Close()
	resp = api.post("/v1/events", checkoutEvent(), nil)
	resp.Body.Close()

	resp = api.post("/v1/exports", map[string]any{"trigger": "manual"}, api.admin())
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	summary := body["summary"].(map[string]any)
	if summary["failed"].(float64) != 1 {
		t.Fatalf("expected one failed event, got %v", summary)
	}
	if summary["batch"].(map[string]any)["status"] != export.BatchFailed {
		t.Fatalf("expected failed batch, got %v", summary["batch"])
	}
}

func TestAPIConsentLookup(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.get("/v1/consents/global/u-9/product.analytics", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 before any decision, got %d", resp.StatusCode)
	}

	for _, status := range []string{"granted", "revoked"} {
		resp = api.post("/v1/consents", map[string]any{
			"user_id":       "u-9",
			"consent_scope": "product.analytics",
			"status":        status,
		}, api.admin())
		resp.Body.Close()
	}

	resp = api.get("/v1/consents/global/u-9/product.analytics", nil)
	rec := decode[map[string]any](t, resp)
	if rec["status"] != consent.StatusRevoked || rec["revoked_at"] == nil {
		t.Fatalf("expected revoked record, got %v", rec)
	}

	resp = api.get("/v1/consents/global/u-9/product.analytics/history", nil)
	hist := decode[map[string]any](t, resp)
	if len(hist["items"].([]any)) != 1 {
		t.Fatalf("expected one record per version, got %v", hist["items"])
	}
}

func TestAPIHealthAndReady(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.get("/healthz", nil)
	body := decode[map[string]any](t, resp)
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
	resp = api.get("/readyz", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected ready, got %d", resp.StatusCode)
	}
}

func TestAPIFreshnessLimitValidation(t *testing.T) {
	api := newTestAPI(t, nil)

	resp := api.get("/v1/freshness", url.Values{"limit": []string{"0"}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
}
