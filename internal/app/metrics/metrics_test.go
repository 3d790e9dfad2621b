package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCanonicalPathCollapsesIdentifiers(t *testing.T) {
	cases := map[string]string{
		"/":                    "/",
		"/healthz":             "/healthz",
		"/v1/messages":         "/v1/messages",
		"/v1/messages/abc-123": "/v1/messages/:id",
		"/v1/events/recent":    "/v1/events/recent",
		"/v1/receipts":         "/v1/receipts",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Fatalf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstrumentHandlerCountsRequests(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	before := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/v1/messages", "202"))

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader("{}"))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	after := testutil.ToFloat64(httpRequests.WithLabelValues("POST", "/v1/messages", "202"))
	if after != before+1 {
		t.Fatalf("expected counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestSetSessionStateIsOneHot(t *testing.T) {
	SetSessionState("BOUND")
	if testutil.ToFloat64(sessionState.WithLabelValues("BOUND")) != 1 {
		t.Fatalf("BOUND gauge not set")
	}
	if testutil.ToFloat64(sessionState.WithLabelValues("DISCONNECTED")) != 0 {
		t.Fatalf("DISCONNECTED gauge should be cleared")
	}
}
