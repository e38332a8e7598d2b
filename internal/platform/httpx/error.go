package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/Digi9ReachInfoSystems/returns-api/internal/platform/requestctx"
)

const (
	maxCodeLen    = 80
	maxMessageLen = 512
	maxTraceLen   = 64
)

// Error is the JSON error envelope every endpoint returns on failure.
type Error struct {
	Code    string
	Message string
	Status  int
}

// NewError builds an Error, clamping code and message lengths.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{
		Code:    clampLine(code, maxCodeLen),
		Message: clampLine(message, maxMessageLen),
		Status:  status,
	}
}

type errorBody struct {
	Code      string `json:"error"`
	Message   string `json:"message"`
	Status    int    `json:"status"`
	RequestID string `json:"request_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// WriteError renders the error envelope, stamping the request and trace ids
// from the context so clients can quote them in support tickets.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	status := err.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}

	body := errorBody{
		Code:      err.Code,
		Message:   err.Message,
		Status:    status,
		RequestID: clampLine(middleware.GetReqID(ctx), maxCodeLen),
		TraceID:   clampLine(requestctx.TraceID(ctx), maxTraceLen),
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// clampLine folds the value onto one line and truncates it.
func clampLine(value string, limit int) string {
	value = strings.NewReplacer("\n", " ", "\r", " ").Replace(value)
	value = strings.TrimSpace(value)
	if limit > 0 && len(value) > limit {
		value = value[:limit]
	}
	return value
}
