package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func (c *client) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var rdr io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rdr = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode %s %s: %w", method, path, err)
		}
	}
	return resp.StatusCode, nil
}

func main() {
	base := os.Getenv("TELEMETRY_SMOKE_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	c := &client{
		base:  strings.TrimRight(base, "/"),
		token: os.Getenv("TELEMETRY_SMOKE_TOKEN"),
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if code, err := c.do(ctx, http.MethodGet, "/readyz", nil, nil); err != nil || code != http.StatusOK {
		log.Fatalf("readyz: status=%d err=%v", code, err)
	}

	user := "smoke-" + uuid.NewString()[:8]
	code, err := c.do(ctx, http.MethodPost, "/v1/consents", map[string]any{
		"user_id":       user,
		"consent_scope": "product.analytics",
		"status":        "granted",
	}, nil)
	if err != nil || code != http.StatusCreated {
		log.Fatalf("record consent: status=%d err=%v (is TELEMETRY_SMOKE_TOKEN set?)", code, err)
	}

	var accepted struct {
		Event struct {
			EventUUID       string `json:"event_uuid"`
			IngestionStatus string `json:"ingestion_status"`
		} `json:"event"`
		Suppressed bool `json:"suppressed"`
	}
	evt := map[string]any{
		"event_name":   "smoke.ping",
		"event_source": "web",
		"user_id":      user,
		"occurred_at":  time.Now().UTC().Format(time.RFC3339Nano),
		"payload":      map[string]any{"probe": true},
	}
	code, err = c.do(ctx, http.MethodPost, "/v1/events", evt, &accepted)
	if err != nil || code != http.StatusAccepted {
		log.Fatalf("ingest: status=%d err=%v", code, err)
	}
	if accepted.Suppressed || accepted.Event.IngestionStatus != "pending" {
		log.Fatalf("event not accepted for export: status=%s suppressed=%v", accepted.Event.IngestionStatus, accepted.Suppressed)
	}

	var dup struct {
		Duplicate bool `json:"duplicate"`
	}
	code, err = c.do(ctx, http.MethodPost, "/v1/events", evt, &dup)
	if err != nil || code != http.StatusOK || !dup.Duplicate {
		log.Fatalf("resubmission not deduplicated: status=%d duplicate=%v err=%v", code, dup.Duplicate, err)
	}

	var summary struct {
		Batch struct {
			BatchUUID string `json:"batch_uuid"`
			Status    string `json:"status"`
		} `json:"batch"`
		Events int `json:"events"`
	}
	code, err = c.do(ctx, http.MethodPost, "/v1/exports", map[string]any{"trigger": "manual"}, &summary)
	if err != nil || code != http.StatusCreated {
		log.Fatalf("export: status=%d err=%v", code, err)
	}

	var stored struct {
		IngestionStatus string `json:"ingestion_status"`
	}
	code, err = c.do(ctx, http.MethodGet, "/v1/events/"+accepted.Event.EventUUID, nil, &stored)
	if err != nil || code != http.StatusOK {
		log.Fatalf("lookup event: status=%d err=%v", code, err)
	}
	if stored.IngestionStatus != "exported" {
		log.Fatalf("event %s still %s after batch %s", accepted.Event.EventUUID, stored.IngestionStatus, summary.Batch.BatchUUID)
	}

	fmt.Printf("✅ telemetry smoke test passed: event=%s batch=%s exported=%d\n", accepted.Event.EventUUID, summary.Batch.BatchUUID, summary.Events)
}
