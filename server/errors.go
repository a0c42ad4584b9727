package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/jonwraymond/ruleops/fault"
)

// ErrorCode is a machine-readable error code.
type ErrorCode string

const (
	CodeBadRequest   ErrorCode = "BAD_REQUEST"
	CodeInvalidJSON  ErrorCode = "INVALID_JSON"
	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeUpstream     ErrorCode = "UPSTREAM_ERROR"
	CodeCircuitOpen  ErrorCode = "CIRCUIT_OPEN"
	CodeRateLimited  ErrorCode = "RATE_LIMITED"
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
	CodeTooLarge     ErrorCode = "REQUEST_TOO_LARGE"
	CodeNotAvailable ErrorCode = "NOT_AVAILABLE"
)

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      ErrorCode `json:"code"`
	RuleID    string    `json:"rule_id,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, msg string) {
	writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   msg,
		Code:      code,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// writeFault maps err to a status by its fault kind.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusOf(err)
	resp := ErrorResponse{
		Error:     http.StatusText(status),
		Message:   err.Error(),
		Code:      code,
		RequestID: middleware.GetReqID(r.Context()),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		resp.RuleID = fe.RuleID
	}
	writeJSON(w, status, resp)
}

func statusOf(err error) (int, ErrorCode) {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout, CodeTimeout
	}
	switch fault.KindOf(err) {
	case fault.KindInvalidInput:
		return http.StatusBadRequest, CodeBadRequest
	case fault.KindRuleNotFound:
		return http.StatusNotFound, CodeNotFound
	case fault.KindTimeout:
		return http.StatusGatewayTimeout, CodeTimeout
	case fault.KindNetwork:
		return http.StatusBadGateway, CodeUpstream
	case fault.KindCircuitOpen:
		return http.StatusServiceUnavailable, CodeCircuitOpen
	case fault.KindRateLimitExceeded:
		return http.StatusTooManyRequests, CodeRateLimited
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

// errorMap renders per-rule errors as strings.
func errorMap(errs map[string]error) map[string]string {
	if len(errs) == 0 {
		return nil
	}
	out := make(map[string]string, len(errs))
	for id, err := range errs {
		out[id] = err.Error()
	}
	return out
}
