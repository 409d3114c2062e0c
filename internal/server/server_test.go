package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/fluxsweep/internal/dialog"
	"github.com/goosewin/fluxsweep/internal/metrics"
	"github.com/goosewin/fluxsweep/internal/settings"
	"github.com/goosewin/fluxsweep/internal/state"
)

type fakeSessions struct {
	mu      sync.Mutex
	events  []dialog.Event
	users   []string
	stopped []string
	err     error
}

func (f *fakeSessions) Dispatch(_ context.Context, userID string, ev dialog.Event) (dialog.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	f.users = append(f.users, userID)
	if f.err != nil {
		return dialog.Reply{State: dialog.Sweeping}, f.err
	}
	return dialog.Reply{State: dialog.AwaitingConfirmation, Text: "ok"}, nil
}

func (f *fakeSessions) State(string) dialog.State { return dialog.Idle }

func (f *fakeSessions) Stop(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, userID)
	return true
}

func setupState(t *testing.T) {
	t.Helper()
	tempDir := t.TempDir()
	t.Setenv("FLUXSWEEP_STATE_DIR", tempDir)
	t.Setenv("FLUXSWEEP_STATE_FILE", filepath.Join(tempDir, "state.json"))
	t.Setenv("FLUXSWEEP_LOCK_FILE", "")
	t.Setenv("FLUXSWEEP_LOCK_DIR", "")
	require.NoError(t, state.InitState())
}

func newTestHandler(t *testing.T, sessions Sessions, token string) (http.Handler, *metrics.Collector) {
	t.Helper()
	collector := metrics.New()
	store := settings.NewStore(settings.NewMemoryBackend(), settings.JSONCodec)
	t.Cleanup(func() { _ = store.Close() })
	return NewHandler(Options{
		Host:     "127.0.0.1",
		Token:    token,
		Sessions: sessions,
		Settings: store,
		Metrics:  collector,
	}), collector
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func TestRootAndUnknownEndpoint(t *testing.T) {
	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "")

	rec := do(h, http.MethodGet, "/", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "fluxsweep-server")

	rec = do(h, http.MethodGet, "/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBearerAuth(t *testing.T) {
	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "secret")

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{name: "missing", header: "", want: http.StatusUnauthorized},
		{name: "wrong", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "malformed", header: "secret", want: http.StatusUnauthorized},
		{name: "valid", header: "Bearer secret", want: http.StatusOK},
		{name: "case insensitive scheme", header: "bearer secret", want: http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			headers := map[string]string{}
			if tc.header != "" {
				headers["Authorization"] = tc.header
			}
			rec := do(h, http.MethodGet, "/status", "", headers)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestCORSOrigins(t *testing.T) {
	cases := []struct {
		origin string
		host   string
		open   bool
		want   string
	}{
		{origin: "", host: "127.0.0.1", want: ""},
		{origin: "http://localhost", host: "127.0.0.1", want: "http://localhost"},
		{origin: "http://evil.example", host: "127.0.0.1", want: ""},
		{origin: "http://evil.example", host: "127.0.0.1", open: true, want: "*"},
		{origin: "http://10.0.0.5", host: "10.0.0.5", want: "http://10.0.0.5"},
		{origin: "http://0.0.0.0", host: "0.0.0.0", want: ""},
	}
	for _, tc := range cases {
		if got := resolveCORSOrigin(tc.origin, tc.host, tc.open); got != tc.want {
			t.Fatalf("resolveCORSOrigin(%q, %q, %v) = %q, want %q", tc.origin, tc.host, tc.open, got, tc.want)
		}
	}

	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "secret")
	rec := do(h, http.MethodOptions, "/status", "", map[string]string{"Origin": "http://localhost"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://localhost", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PUT")
}

func TestStatusListsAndEnrichesSweeps(t *testing.T) {
	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "")

	require.NoError(t, state.PutSweep(state.Sweep{
		ID: "live", Status: state.StatusRunning, PID: os.Getpid(), Total: 10, Attempted: 4,
		StartedAt: time.Now().Add(-time.Minute),
	}))
	require.NoError(t, state.PutSweep(state.Sweep{
		ID: "done", Status: state.StatusCompleted, Total: 3, Attempted: 3,
		StartedAt: time.Now().Add(-time.Hour),
	}))

	rec := do(h, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list listResponse
	decode(t, rec, &list)
	require.Len(t, list.Sweeps, 2)
	assert.Equal(t, "live", list.Sweeps[0].ID)
	assert.True(t, list.Sweeps[0].IsAlive)
	assert.Equal(t, 6, list.Sweeps[0].Remaining)
	assert.Equal(t, "done", list.Sweeps[1].ID)
	assert.Equal(t, 0, list.Sweeps[1].Remaining)

	rec = do(h, http.MethodGet, "/status/done", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one sweepResponse
	decode(t, rec, &one)
	assert.Equal(t, state.StatusCompleted, one.Status)

	rec = do(h, http.MethodGet, "/status/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(h, http.MethodPost, "/status", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStatusMarksDeadProcessStale(t *testing.T) {
	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "")

	original := processAlive
	processAlive = func(int) bool { return false }
	t.Cleanup(func() { processAlive = original })

	require.NoError(t, state.PutSweep(state.Sweep{ID: "gone", Status: state.StatusRunning, PID: 999999, StartedAt: time.Now()}))

	rec := do(h, http.MethodGet, "/status/gone", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var one sweepResponse
	decode(t, rec, &one)
	assert.Equal(t, state.StatusStale, one.Status)
	assert.False(t, one.IsAlive)
}

func TestStopInProcessSweepUsesSession(t *testing.T) {
	setupState(t)
	sessions := &fakeSessions{}
	h, _ := newTestHandler(t, sessions, "")

	require.NoError(t, state.PutSweep(state.Sweep{ID: "s1", Owner: "alice", Status: state.StatusRunning, PID: os.Getpid(), StartedAt: time.Now()}))

	rec := do(h, http.MethodPost, "/stop/s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"alice"}, sessions.stopped)

	sweep, found, err := state.GetSweep("s1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, sweep.StopRequested)

	rec = do(h, http.MethodPost, "/stop/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopOtherProcessOnlyFlagsRegistry(t *testing.T) {
	setupState(t)
	sessions := &fakeSessions{}
	h, _ := newTestHandler(t, sessions, "")

	require.NoError(t, state.PutSweep(state.Sweep{ID: "s2", Owner: "bob", Status: state.StatusRunning, PID: os.Getpid() + 100000, StartedAt: time.Now()}))

	rec := do(h, http.MethodPost, "/stop/s2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sessions.stopped)

	sweep, _, err := state.GetSweep("s2")
	require.NoError(t, err)
	assert.True(t, sweep.StopRequested)
}

func TestStartSweepDispatchesRequest(t *testing.T) {
	setupState(t)
	sessions := &fakeSessions{}
	h, _ := newTestHandler(t, sessions, "")

	rec := do(h, http.MethodPost, "/sweeps", `{"user":"alice","prompt":"a red fox in snow","count":5}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sessions.events, 1)
	assert.Equal(t, dialog.SweepRequested{Prompt: "a red fox in snow", Count: 5}, sessions.events[0])
	assert.Equal(t, "alice", sessions.users[0])

	rec = do(h, http.MethodPost, "/sweeps", `{"user":"alice","prompt":"  "}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPost, "/sweeps", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sessions.err = dialog.ErrBusy
	rec = do(h, http.MethodPost, "/sweeps", `{"user":"alice","prompt":"a red fox in snow"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSettingsEndpoints(t *testing.T) {
	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "")

	rec := do(h, http.MethodGet, "/settings/alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got settings.Record
	decode(t, rec, &got)
	assert.Equal(t, settings.Default(), got)

	rec = do(h, http.MethodPut, "/settings/alice", `{"key":"aspect_ratio","value":"16:9"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, "16:9", got.AspectRatio)

	rec = do(h, http.MethodPut, "/settings/alice", `{"key":"num_outputs","value":"99"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodPut, "/settings/alice", `{"key":"bogus","value":"1"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodDelete, "/settings/alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	assert.Equal(t, settings.Default(), got)
}

func TestSessionEvents(t *testing.T) {
	setupState(t)
	sessions := &fakeSessions{}
	h, _ := newTestHandler(t, sessions, "")

	rec := do(h, http.MethodPost, "/sessions/alice/events", `{"type":"text","text":"a castle at dusk"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var reply dialog.Reply
	decode(t, rec, &reply)
	assert.Equal(t, dialog.AwaitingConfirmation, reply.State)
	assert.Equal(t, dialog.TextReceived{Text: "a castle at dusk"}, sessions.events[0])

	rec = do(h, http.MethodPost, "/sessions/alice/events", `{"type":"dance"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(h, http.MethodGet, "/sessions/alice", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var session sessionResponse
	decode(t, rec, &session)
	assert.Equal(t, sessionResponse{User: "alice", State: dialog.Idle}, session)

	rec = do(h, http.MethodPost, "/sessions/alice/other", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsEndpointCountsRequests(t *testing.T) {
	setupState(t)
	h, _ := newTestHandler(t, &fakeSessions{}, "")

	do(h, http.MethodGet, "/status", "", nil)
	rec := do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
	assert.Contains(t, rec.Body.String(), `route="status"`)
}

func TestStartServerRejectsInvalidPort(t *testing.T) {
	err := StartServer(context.Background(), Options{Port: 70000})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid port")
}
