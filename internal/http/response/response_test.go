package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorEnvelopeIsUncacheable(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/refresh", nil)
	req.Header.Set("X-Request-Id", "req-42")
	rr := httptest.NewRecorder()

	Error(rr, req, http.StatusUnauthorized, "TOKEN_REVOKED", "session is no longer active", nil)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store, got %q", got)
	}
	var body struct {
		Success bool `json:"success"`
		Error   struct {
			Code string `json:"code"`
		} `json:"error"`
		Meta struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Success || body.Error.Code != "TOKEN_REVOKED" || body.Meta.RequestID != "req-42" {
		t.Fatalf("unexpected envelope: %s", rr.Body.String())
	}
}

func TestJSONEnvelopeFallsBackToUnknownRequestID(t *testing.T) {
	rr := httptest.NewRecorder()
	JSON(rr, httptest.NewRequest(http.MethodGet, "/health/live", nil), http.StatusOK, map[string]string{"status": "ok"})

	var body struct {
		Success bool              `json:"success"`
		Data    map[string]string `json:"data"`
		Meta    struct {
			RequestID string `json:"request_id"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Success || body.Data["status"] != "ok" || body.Meta.RequestID != "req-unknown" {
		t.Fatalf("unexpected envelope: %s", rr.Body.String())
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("expected success responses to be uncacheable too")
	}
}
