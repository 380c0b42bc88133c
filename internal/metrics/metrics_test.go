package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"/":                "/",
		"":                 "/",
		"/register":        "/register",
		"/deposits":        "/deposits",
		"/me":              "/me",
		"/healthz":         "/healthz",
		"/deposits/extra":  "/deposits",
		"/admin/principals/550e8400-e29b-41d4-a716-446655440000/rotate": "/admin/principals/:id",
		"/admin": "/admin",
	}
	for in, want := range cases {
		if got := canonicalPath(in); got != want {
			t.Errorf("canonicalPath(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestInstrumentHandlerPassesThrough(t *testing.T) {
	handler := InstrumentHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}
	if rec.Body.String() != "short and stout" {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestMetricsEndpointExposition(t *testing.T) {
	RecordCredentialIssued()
	RecordDepositOutcome("credited")
	RecordDepositCredited(500)
	RecordRateLimitDecision("deposit", true)
	RecordCredentialValidation("ok")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("empty exposition body")
	}
}
