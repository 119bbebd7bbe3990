package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/events", "/v1/events"},
		{"/v1/events/0b8f3c2e-1d7a-4e52", "/v1/events/:uuid"},
		{"/v1/events/abc/extra", "/v1/events/abc/extra"},
		{"/v1/consents", "/v1/consents"},
		{"/v1/consents/global/u1/analytics", "/v1/consents/:tenant/:user/:scope"},
		{"/v1/consents/global/u1/analytics/history", "/v1/consents/:tenant/:user/:scope/history"},
		{"/v1/freshness?limit=10", "/v1/freshness"},
		{"/v1/exports/01HX", "/v1/exports/:id"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.in); got != tc.want {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestInstrumentLabelsCanonicalPath(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	labels := prometheus.Labels{"method": "post", "path": "/v1/events/:uuid", "code": "202"}
	before := testutil.ToFloat64(httpRequestsTotal.With(labels))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/events/0b8f3c2e", nil))

	if got := testutil.ToFloat64(httpRequestsTotal.With(labels)); got != before+1 {
		t.Fatalf("requests counter = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(httpInFlight); got != 0 {
		t.Fatalf("in-flight gauge = %v after request", got)
	}
}
