package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/BTreeMap/SevakBot/internal/models"
)

func echoHandler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var payload map[string]string
	if err := json.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(models.Error("Invalid JSON format"))
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(models.Success(payload))
}

func TestCreateHTTPRequest(t *testing.T) {
	req := CreateHTTPRequest(t, http.MethodPost, "/tenants/ward12/send", map[string]string{"to": "919876543210"})
	if req.Method != http.MethodPost || req.URL.Path != "/tenants/ward12/send" {
		t.Errorf("unexpected request %s %s", req.Method, req.URL.Path)
	}
	if ct := req.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body, _ := io.ReadAll(req.Body)
	if string(body) != `{"to":"919876543210"}` {
		t.Errorf("body = %s", body)
	}

	raw := CreateHTTPRequest(t, http.MethodPost, "/x", `{"to":`)
	body, _ = io.ReadAll(raw.Body)
	if string(body) != `{"to":` {
		t.Errorf("string body altered: %s", body)
	}

	empty := CreateHTTPRequest(t, http.MethodGet, "/healthz", nil)
	if empty.Header.Get("Content-Type") != "" {
		t.Error("bodyless request should have no Content-Type")
	}
}

func TestServeAndDecode(t *testing.T) {
	h := http.HandlerFunc(echoHandler)

	rr := Serve(h, CreateHTTPRequest(t, http.MethodPost, "/", map[string]string{"event_id": "ev1"}))
	AssertHTTPStatus(t, http.StatusOK, rr, "echo")
	var result map[string]string
	resp := DecodeEnvelope(t, rr, &result)
	if resp.Status != string(models.APIStatusOK) || result["event_id"] != "ev1" {
		t.Errorf("DecodeEnvelope() = %+v, result %v", resp, result)
	}

	rr = Serve(h, CreateHTTPRequest(t, http.MethodPost, "/", "not json"))
	AssertHTTPStatus(t, http.StatusBadRequest, rr, "bad json")
	resp = DecodeEnvelope(t, rr, nil)
	if resp.Status != string(models.APIStatusError) || resp.Message != "Invalid JSON format" {
		t.Errorf("DecodeEnvelope() = %+v", resp)
	}
}

func TestMustJSONRoundTrip(t *testing.T) {
	evt := models.StatusEvent{TenantID: "ward12", Kind: models.StatusKindState, State: models.StateConnected}
	var got models.StatusEvent
	MustUnmarshalJSON(t, MustMarshalJSON(t, evt), &got)
	if got.TenantID != evt.TenantID || got.State != evt.State || got.Kind != evt.Kind {
		t.Errorf("round trip = %+v", got)
	}
}
