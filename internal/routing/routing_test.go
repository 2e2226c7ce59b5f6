package routing

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/calderahq/tablegate/pkg/httperr"
)

func TestRouter_Dispatch(t *testing.T) {
	r := NewRouter()
	r.Handle(RouteClassAPI, http.MethodPost, "/api/v1/query", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/query", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/query", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status=%d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("err=%v", err)
	}
	if env.Code != "method_not_allowed" || env.Meta.Path != "/api/v1/query" {
		t.Fatalf("envelope=%+v", env)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status=%d", rec.Code)
	}
}

func TestRouter_PanicRecovery(t *testing.T) {
	r := NewRouter()
	r.Handle(RouteClassAPI, http.MethodGet, "/boom", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("err=%v", err)
	}
	if env.Code != "internal_error" {
		t.Fatalf("envelope=%+v", env)
	}
}

func TestWriteEngineError(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"denied", httperr.NewDenied(httperr.CodeAdminRequired, "nope"), http.StatusForbidden, httperr.CodeAdminRequired},
		{"invalid", httperr.NewInvalid(httperr.CodeRequiredMissing, "missing"), http.StatusBadRequest, httperr.CodeRequiredMissing},
		{"unknown table", httperr.NewInvalid(httperr.CodeUnknownTable, "ghosts"), http.StatusNotFound, httperr.CodeUnknownTable},
		{"timeout", httperr.NewStorage(errors.New("slow"), true), http.StatusGatewayTimeout, httperr.CodeStorageTimeout},
		{"unavailable", httperr.NewStorage(errors.New("down"), false), http.StatusServiceUnavailable, httperr.CodeStorageUnavailable},
		{"opaque", errors.New("wat"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteEngineError(rec, httptest.NewRequest(http.MethodPost, "/api/v1/query", nil), tc.err)
			if rec.Code != tc.status {
				t.Fatalf("status=%d, want %d", rec.Code, tc.status)
			}
			var env ErrorEnvelope
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("err=%v", err)
			}
			if env.Code != tc.code {
				t.Fatalf("code=%q, want %q", env.Code, tc.code)
			}
		})
	}
}

func TestTraceIDFromRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	if got := traceIDFromRequest(req); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace=%q", got)
	}

	for _, bad := range []string{
		"",
		"junk",
		"00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"00-zzzz2f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	} {
		req.Header.Set("traceparent", bad)
		if got := traceIDFromRequest(req); got != "" {
			t.Fatalf("trace=%q for %q", got, bad)
		}
	}
}
