// Package testutil provides HTTP and JSON helpers shared by SevakBot handler tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/SevakBot/internal/models"
)

// CreateHTTPRequest creates a request with body marshaled as JSON. A string
// body is sent as-is so tests can submit malformed JSON; nil sends no body.
func CreateHTTPRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		reader = bytes.NewReader(MustMarshalJSON(t, b))
	}
	req := httptest.NewRequest(method, url, reader)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// Serve runs one request through h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t *testing.T, expected int, rr *httptest.ResponseRecorder, context string) {
	t.Helper()
	if rr.Code != expected {
		t.Errorf("%s: expected status %d, got %d (body %s)", context, expected, rr.Code, rr.Body.String())
	}
}

// DecodeEnvelope parses the {status, message, result} envelope. When result
// is non-nil the result field is decoded into it.
func DecodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, result interface{}) models.APIResponse {
	t.Helper()
	var raw struct {
		Status  string          `json:"status"`
		Message string          `json:"message"`
		Result  json.RawMessage `json:"result"`
	}
	MustUnmarshalJSON(t, rr.Body.Bytes(), &raw)
	if raw.Status == "" {
		t.Errorf("response missing 'status' field: %s", rr.Body.String())
	}
	if result != nil && len(raw.Result) > 0 {
		MustUnmarshalJSON(t, raw.Result, result)
	}
	return models.APIResponse{Status: raw.Status, Message: raw.Message}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t *testing.T, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON %q: %v", data, err)
	}
}
