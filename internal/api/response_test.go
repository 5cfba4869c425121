package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// decodeErrorEnvelope asserts the response body is a valid error envelope and
// returns its detail.
func decodeErrorEnvelope(t *testing.T, w *httptest.ResponseRecorder) errorDetail {
	t.Helper()

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("error response Content-Type = %q, want %q", ct, "application/json")
	}

	var env errorBody
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("response is not valid JSON: %v\nbody: %s", err, w.Body.String())
	}
	if env.Error.Code == "" {
		t.Fatalf("error.code is empty, envelope contract violated\nbody: %s", w.Body.String())
	}
	if env.Error.Message == "" {
		t.Errorf("error.message is empty, envelope contract violated\nbody: %s", w.Body.String())
	}
	return env.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()

	writeJSON(w, http.StatusOK, map[string]string{"message": "hello"}, discardLogger())

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want %q", got, "application/json")
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q, want %q", got, "nosniff")
	}

	var result map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if result["message"] != "hello" {
		t.Errorf("message = %q, want %q", result["message"], "hello")
	}
}

func TestWriteJSON_EncodingFailure(t *testing.T) {
	w := httptest.NewRecorder()

	// Channels cannot be marshalled. The buffer-first strategy means no
	// partial body or misleading 200 reaches the client.
	writeJSON(w, http.StatusOK, map[string]any{"bad": make(chan int)}, discardLogger())

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()

	writeError(w, http.StatusNotFound, "not_found", "conversation not found", discardLogger())

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	body := decodeErrorEnvelope(t, w)
	if body.Code != "not_found" {
		t.Errorf("error.code = %q, want %q", body.Code, "not_found")
	}
	if body.Message != "conversation not found" {
		t.Errorf("error.message = %q, want %q", body.Message, "conversation not found")
	}
}

func TestParseIntParam(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		key        string
		defaultVal int
		want       int
	}{
		{name: "missing param", query: "", key: "limit", defaultVal: 50, want: 50},
		{name: "valid value", query: "limit=20", key: "limit", defaultVal: 50, want: 20},
		{name: "zero value", query: "offset=0", key: "offset", defaultVal: 10, want: 0},
		{name: "negative value", query: "limit=-5", key: "limit", defaultVal: 50, want: 50},
		{name: "non-numeric", query: "limit=abc", key: "limit", defaultVal: 50, want: 50},
		{name: "empty value", query: "limit=", key: "limit", defaultVal: 50, want: 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/test?"+tt.query, nil)
			got := parseIntParam(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("parseIntParam(r, %q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}
