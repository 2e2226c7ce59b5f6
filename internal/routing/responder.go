// Package routing carries the HTTP plumbing shared by every endpoint: a
// small method-aware router with panic recovery, and the JSON error envelope
// with stable codes that clients key their behavior on.
package routing

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/calderahq/tablegate/pkg/httperr"
)

type RouteClass string

const (
	RouteClassAPI       RouteClass = "api"
	RouteClassWebsocket RouteClass = "websocket"
	RouteClassOps       RouteClass = "ops"
)

type ErrorEnvelope struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	TraceID string            `json:"trace_id"`
	Meta    ErrorEnvelopeMeta `json:"meta"`
}

type ErrorEnvelopeMeta struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

func WriteError(w http.ResponseWriter, r *http.Request, status int, code string, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{
		Code:    code,
		Message: message,
		TraceID: traceIDFromRequest(r),
		Meta: ErrorEnvelopeMeta{
			Path:   r.URL.Path,
			Method: r.Method,
		},
	})
}

// WriteEngineError maps an engine error onto a status and its stable code.
// Denials are 403, validation failures 400 (404 for an unknown table),
// storage trouble 504/503, anything else a plain 500.
func WriteEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := httperr.Code(err)
	status := http.StatusInternalServerError
	switch {
	case httperr.IsDenied(err):
		status = http.StatusForbidden
	case httperr.IsInvalid(err):
		status = http.StatusBadRequest
		if code == httperr.CodeUnknownTable {
			status = http.StatusNotFound
		}
	case httperr.IsStorage(err):
		status = http.StatusServiceUnavailable
		if code == httperr.CodeStorageTimeout {
			status = http.StatusGatewayTimeout
		}
	}
	WriteError(w, r, status, code, err.Error())
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func traceIDFromRequest(r *http.Request) string {
	traceparent := strings.TrimSpace(r.Header.Get("traceparent"))
	if traceparent == "" {
		return ""
	}
	parts := strings.Split(traceparent, "-")
	if len(parts) != 4 {
		return ""
	}
	traceID := strings.ToLower(parts[1])
	if len(traceID) != 32 || traceID == "00000000000000000000000000000000" {
		return ""
	}
	for _, ch := range traceID {
		if (ch < '0' || ch > '9') && (ch < 'a' || ch > 'f') {
			return ""
		}
	}
	return traceID
}
