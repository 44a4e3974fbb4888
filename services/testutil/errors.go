package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

const (
	ErrorCodeInvalidRequest    = "INVALID_REQUEST"
	ErrorCodeUnauthorized      = "UNAUTHORIZED"
	ErrorCodeInvalidMarket     = "INVALID_MARKET"
	ErrorCodeInvalidSize       = "INVALID_SIZE"
	ErrorCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
	ErrorCodeCircuitBreaker    = "CIRCUIT_BREAKER_ACTIVE"
	ErrorCodeOrderNotFound     = "ORDER_NOT_FOUND"
	ErrorCodeInvalidOrderState = "INVALID_ORDER_STATE"
	ErrorCodeBusy              = "BUSY"
	ErrorCodeInternalError     = "INTERNAL_ERROR"
)

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details"`
}

func AssertErrorCode(t *testing.T, resp *httptest.ResponseRecorder, expectedCode string) {
	t.Helper()
	if resp.Code != getHTTPStatusForErrorCode(expectedCode) {
		t.Fatalf("expected status %d, got %d (%s)", getHTTPStatusForErrorCode(expectedCode), resp.Code, resp.Body.String())
	}

	errResp := decodeError(t, resp)
	if errResp.Code != expectedCode {
		t.Fatalf("expected error code %q, got %q", expectedCode, errResp.Code)
	}
}

// AssertErrorDetail checks one entry of the error details map, e.g. "limit".
func AssertErrorDetail(t *testing.T, resp *httptest.ResponseRecorder, key, expected string) {
	t.Helper()
	errResp := decodeError(t, resp)
	if got := errResp.Details[key]; got != expected {
		t.Fatalf("expected detail %s=%q, got %q", key, expected, got)
	}
}

func AssertHTTPStatus(t *testing.T, resp *httptest.ResponseRecorder, expectedStatus int) {
	t.Helper()
	if resp.Code != expectedStatus {
		t.Fatalf("expected status %d, got %d (%s)", expectedStatus, resp.Code, resp.Body.String())
	}
}

func decodeError(t *testing.T, resp *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var errResp errorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return errResp
}

func getHTTPStatusForErrorCode(code string) int {
	switch code {
	case ErrorCodeInvalidRequest, ErrorCodeInvalidMarket, ErrorCodeInvalidSize:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeOrderNotFound:
		return http.StatusNotFound
	case ErrorCodeInvalidOrderState:
		return http.StatusConflict
	case ErrorCodeInsufficientFunds:
		return http.StatusUnprocessableEntity
	case ErrorCodeCircuitBreaker, ErrorCodeBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
