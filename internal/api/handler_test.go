package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestJSONAndError(t *testing.T) {
	w := httptest.NewRecorder()
	JSON(w, http.StatusAccepted, queryResponse{SessionID: "chat-1", MessageID: "m-1"})

	resp := w.Result()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("Expected status 202, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
	var got queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if got.SessionID != "chat-1" || got.MessageID != "m-1" {
		t.Errorf("Unexpected body %+v", got)
	}

	w = httptest.NewRecorder()
	Error(w, http.StatusNotFound, "session not found")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
	if body := strings.TrimSpace(w.Body.String()); body != `{"error":"session not found"}` {
		t.Errorf("Unexpected error body %s", body)
	}
}

func TestDecodeBody(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		maxBytes int64
		wantOK   bool
		wantCode int
	}{
		{"valid", `{"query":"hi","attachments":["a.pdf"]}`, 1024, true, http.StatusOK},
		{"malformed", `{"query":`, 1024, false, http.StatusBadRequest},
		{"wrong type", `{"query":42}`, 1024, false, http.StatusBadRequest},
		{"too large", `{"query":"` + strings.Repeat("x", 64) + `"}`, 16, false, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/sessions/chat-1/query", strings.NewReader(tt.body))

			var req queryRequest
			ok := decodeBody(w, r, tt.maxBytes, &req)
			if ok != tt.wantOK {
				t.Fatalf("decodeBody() = %v, want %v", ok, tt.wantOK)
			}
			if w.Code != tt.wantCode {
				t.Errorf("Expected status %d, got %d", tt.wantCode, w.Code)
			}
			if ok && (req.Query != "hi" || len(req.Attachments) != 1) {
				t.Errorf("Unexpected decoded request %+v", req)
			}
		})
	}
}
