package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/SevakBot/internal/broadcast"
	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/session"
	"github.com/BTreeMap/SevakBot/internal/status"
	"github.com/BTreeMap/SevakBot/internal/testutil"
	"github.com/BTreeMap/SevakBot/internal/whatsapp"
)

type sentMessage struct {
	tenantID, to, body string
}

type fakeSessions struct {
	mu        sync.Mutex
	states    map[string]models.ConnectionState
	connected []string
	loggedOut []string
	sent      []sentMessage
	sendErr   error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{states: map[string]models.ConnectionState{
		"ward12": models.StateConnected,
		"ward7":  models.StateAwaitingScan,
	}}
}

func (f *fakeSessions) Connect(tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, tenantID)
	if _, ok := f.states[tenantID]; !ok {
		f.states[tenantID] = models.StateConnecting
	}
	return nil
}

func (f *fakeSessions) Logout(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[tenantID]; !ok {
		return session.ErrUnknownTenant
	}
	delete(f.states, tenantID)
	f.loggedOut = append(f.loggedOut, tenantID)
	return nil
}

func (f *fakeSessions) Send(ctx context.Context, tenantID, to, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if f.states[tenantID] != models.StateConnected {
		return fmt.Errorf("%s: %w", tenantID, session.ErrNotConnected)
	}
	f.sent = append(f.sent, sentMessage{tenantID, to, body})
	return nil
}

func (f *fakeSessions) Status(tenantID string) (models.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[tenantID]
	if !ok {
		return models.SessionInfo{TenantID: tenantID, State: models.StateDisconnected}, session.ErrUnknownTenant
	}
	return models.SessionInfo{TenantID: tenantID, State: state}, nil
}

func (f *fakeSessions) List() []models.SessionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SessionInfo
	for _, id := range []string{"ward12", "ward7"} {
		if state, ok := f.states[id]; ok {
			out = append(out, models.SessionInfo{TenantID: id, State: state})
		}
	}
	return out
}

type fakeBroadcasts struct {
	connected map[string]bool
	jobs      map[string]broadcast.Job
}

func (f *fakeBroadcasts) Request(ctx context.Context, tenantID, eventID string) (broadcast.Job, error) {
	if !f.connected[tenantID] {
		return broadcast.Job{}, fmt.Errorf("%s: %w", tenantID, broadcast.ErrTenantNotConnected)
	}
	job := broadcast.Job{ID: "job-" + eventID, TenantID: tenantID, EventID: eventID, Status: broadcast.JobRunning}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeBroadcasts) Get(jobID string) (broadcast.Job, error) {
	job, ok := f.jobs[jobID]
	if !ok {
		return broadcast.Job{}, broadcast.ErrJobNotFound
	}
	return job, nil
}

func (f *fakeBroadcasts) List(tenantID string) []broadcast.Job {
	var out []broadcast.Job
	for _, j := range f.jobs {
		if j.TenantID == tenantID {
			out = append(out, j)
		}
	}
	return out
}

type testServer struct {
	srv        *Server
	sessions   *fakeSessions
	broadcasts *fakeBroadcasts
	hub        *status.Hub
}

func newTestServer() *testServer {
	ts := &testServer{
		sessions:   newFakeSessions(),
		broadcasts: &fakeBroadcasts{connected: map[string]bool{"ward12": true}, jobs: map[string]broadcast.Job{}},
		hub:        status.NewHub(),
	}
	ts.srv = NewServer(ts.sessions, ts.broadcasts, ts.hub)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var payload interface{}
	if body != "" {
		payload = body
	}
	return testutil.Serve(ts.srv.Handler(), testutil.CreateHTTPRequest(t, method, path, payload))
}

func TestHealthHandler(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(t, http.MethodGet, "/healthz", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	if resp := testutil.DecodeEnvelope(t, rr, nil); resp.Status != string(models.APIStatusOK) {
		t.Errorf("status = %q", resp.Status)
	}
}

func TestWriteJSONResponse(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusAccepted, models.Success("queued"))
	if rr.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rr.Code)
	}
	if cc := rr.Header().Get("Cache-Control"); cc != "no-store" {
		t.Errorf("Cache-Control = %q", cc)
	}

	rr = httptest.NewRecorder()
	writeJSONResponse(rr, http.StatusOK, models.Success(make(chan int)))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("unencodable response: expected 500, got %d", rr.Code)
	}
	if resp := testutil.DecodeEnvelope(t, rr, nil); resp.Status != string(models.APIStatusError) {
		t.Errorf("fallback status = %q", resp.Status)
	}
}

func TestTenantHandlers(t *testing.T) {
	ts := newTestServer()

	rr := ts.do(t, http.MethodGet, "/tenants", "")
	var infos []models.SessionInfo
	testutil.DecodeEnvelope(t, rr, &infos)
	if rr.Code != http.StatusOK || len(infos) != 2 {
		t.Fatalf("GET /tenants = %d %+v", rr.Code, infos)
	}

	rr = ts.do(t, http.MethodGet, "/tenants/ward7", "")
	var info models.SessionInfo
	testutil.DecodeEnvelope(t, rr, &info)
	if rr.Code != http.StatusOK || info.State != models.StateAwaitingScan {
		t.Errorf("GET /tenants/ward7 = %d %+v", rr.Code, info)
	}

	rr = ts.do(t, http.MethodGet, "/tenants/ward99", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown tenant: expected 404, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/tenants/_bad", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("invalid tenant id: expected 400, got %d", rr.Code)
	}
}

func TestConnectHandler(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(t, http.MethodPost, "/tenants/ward3/connect", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var info models.SessionInfo
	if resp := testutil.DecodeEnvelope(t, rr, &info); resp.Status != string(models.APIStatusAccepted) {
		t.Errorf("status = %q", resp.Status)
	}
	if info.TenantID != "ward3" || info.State != models.StateConnecting {
		t.Errorf("result = %+v", info)
	}
	if len(ts.sessions.connected) != 1 || ts.sessions.connected[0] != "ward3" {
		t.Errorf("Connect calls = %v", ts.sessions.connected)
	}

	if rr := ts.do(t, http.MethodGet, "/tenants/ward3/connect", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET connect: expected 405, got %d", rr.Code)
	}
}

func TestLogoutHandler(t *testing.T) {
	ts := newTestServer()
	if rr := ts.do(t, http.MethodPost, "/tenants/ward12/logout", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if rr := ts.do(t, http.MethodPost, "/tenants/ward12/logout", ""); rr.Code != http.StatusNotFound {
		t.Errorf("second logout: expected 404, got %d", rr.Code)
	}
}

func TestSendHandler(t *testing.T) {
	tests := []struct {
		name     string
		tenant   string
		body     string
		sendErr  error
		wantCode int
		wantSent int
	}{
		{"sends", "ward12", `{"to":"+91 98765 43210","body":"Namaste"}`, nil, http.StatusOK, 1},
		{"invalid json", "ward12", `{"to":`, nil, http.StatusBadRequest, 0},
		{"missing body", "ward12", `{"to":"919876543210"}`, nil, http.StatusBadRequest, 0},
		{"not connected", "ward7", `{"to":"919876543210","body":"hi"}`, nil, http.StatusConflict, 0},
		{"bad recipient", "ward12", `{"to":"abc","body":"hi"}`, fmt.Errorf("%w: %q", whatsapp.ErrInvalidRecipient, "abc"), http.StatusBadRequest, 0},
		{"platform failure", "ward12", `{"to":"919876543210","body":"hi"}`, errors.New("server returned error 479"), http.StatusBadGateway, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.sessions.sendErr = tt.sendErr
			rr := ts.do(t, http.MethodPost, "/tenants/"+tt.tenant+"/send", tt.body)
			if rr.Code != tt.wantCode {
				t.Fatalf("expected %d, got %d: %s", tt.wantCode, rr.Code, rr.Body.String())
			}
			if len(ts.sessions.sent) != tt.wantSent {
				t.Errorf("sent %d messages, want %d", len(ts.sessions.sent), tt.wantSent)
			}
		})
	}
}

func TestBroadcastHandlers(t *testing.T) {
	ts := newTestServer()

	rr := ts.do(t, http.MethodPost, "/tenants/ward12/broadcasts", `{"event_id":"ev1"}`)
	var ack broadcastAck
	testutil.DecodeEnvelope(t, rr, &ack)
	if rr.Code != http.StatusAccepted || !ack.Accepted || ack.JobID != "job-ev1" {
		t.Fatalf("POST broadcasts = %d %+v", rr.Code, ack)
	}

	rr = ts.do(t, http.MethodPost, "/tenants/ward7/broadcasts", `{"event_id":"ev1"}`)
	ack = broadcastAck{Accepted: true}
	testutil.DecodeEnvelope(t, rr, &ack)
	if rr.Code != http.StatusServiceUnavailable || ack.Accepted {
		t.Errorf("disconnected tenant = %d %+v", rr.Code, ack)
	}

	if rr := ts.do(t, http.MethodPost, "/tenants/ward12/broadcasts", `{}`); rr.Code != http.StatusBadRequest {
		t.Errorf("missing event_id: expected 400, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/broadcasts/job-ev1", "")
	var job broadcast.Job
	testutil.DecodeEnvelope(t, rr, &job)
	if rr.Code != http.StatusOK || job.TenantID != "ward12" || job.EventID != "ev1" {
		t.Errorf("GET job = %d %+v", rr.Code, job)
	}
	if rr := ts.do(t, http.MethodGet, "/broadcasts/nope", ""); rr.Code != http.StatusNotFound {
		t.Errorf("unknown job: expected 404, got %d", rr.Code)
	}

	rr = ts.do(t, http.MethodGet, "/tenants/ward7/broadcasts", "")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"result":[]`) {
		t.Errorf("empty job list = %d %s", rr.Code, rr.Body.String())
	}
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func readEvent(t *testing.T, conn *websocket.Conn) models.StatusEvent {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt models.StatusEvent
	require.NoError(t, conn.ReadJSON(&evt))
	return evt
}

func TestStatusStream(t *testing.T) {
	ts := newTestServer()
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ts.hub.PublishStatus("ward12", models.StateAwaitingScan)
	ts.hub.PublishQR("ward12", "2@qr-code")

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(httpSrv.URL, "/tenants/ward12/status/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	// Current state is replayed on subscribe.
	evt := readEvent(t, conn)
	assert.Equal(t, models.StatusKindState, evt.Kind)
	assert.Equal(t, models.StateAwaitingScan, evt.State)
	evt = readEvent(t, conn)
	assert.Equal(t, models.StatusKindQR, evt.Kind)
	assert.Equal(t, "2@qr-code", evt.QR)

	ts.hub.PublishStatus("ward7", models.StateConnecting)
	ts.hub.PublishStatus("ward12", models.StateConnected)
	evt = readEvent(t, conn)
	assert.Equal(t, "ward12", evt.TenantID)
	assert.Equal(t, models.StateConnected, evt.State)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStatusStream_AllTenants(t *testing.T) {
	ts := newTestServer()
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpSrv.URL, "/status/stream"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return ts.hub.Subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	ts.hub.PublishStatus("ward7", models.StateConnecting)
	ts.hub.PublishStatus("ward12", models.StateConnected)
	assert.Equal(t, "ward7", readEvent(t, conn).TenantID)
	assert.Equal(t, "ward12", readEvent(t, conn).TenantID)
}

func TestStatusStream_RejectsForeignOrigin(t *testing.T) {
	ts := newTestServer()
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(httpSrv.URL, "/tenants/ward12/status/stream"), header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	allowed := NewServer(ts.sessions, ts.broadcasts, ts.hub, WithAllowedOrigins("https://dashboard.example"))
	allowedSrv := httptest.NewServer(allowed.Handler())
	defer allowedSrv.Close()
	header = http.Header{"Origin": []string{"https://dashboard.example"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(allowedSrv.URL, "/tenants/ward12/status/stream"), header)
	require.NoError(t, err)
	conn.Close()
}

func TestStatusStream_InvalidTenant(t *testing.T) {
	ts := newTestServer()
	rr := ts.do(t, http.MethodGet, "/tenants/_bad/status/stream", "")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rr.Code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ts := newTestServer()
	srv := NewServer(ts.sessions, ts.broadcasts, ts.hub, WithAddr("127.0.0.1:0"), WithShutdownTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
