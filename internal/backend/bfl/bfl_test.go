package bfl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goosewin/fluxsweep/internal/backend"
	"github.com/goosewin/fluxsweep/internal/params"
)

func TestSubmitAndPoll(t *testing.T) {
	polls := 0
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("x-key"))
		switch r.URL.Path {
		case "/v1/flux-dev":
			var body fluxRequest
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "lestarge fox", body.Prompt)
			assert.Equal(t, 256, body.Width)
			assert.Equal(t, 30, body.Steps)
			assert.Equal(t, "jpeg", body.OutputFormat)
			_, _ = w.Write([]byte(`{"id":"t1","polling_url":"` + srv.URL + `/poll/t1"}`))
		case "/poll/t1":
			polls++
			if polls == 1 {
				_, _ = w.Write([]byte(`{"id":"t1","status":"Pending"}`))
				return
			}
			_, _ = w.Write([]byte(`{"id":"t1","status":"Ready","result":{"sample":"https://delivery/t1.jpg"}}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := New(backend.Options{Token: "key", BaseURL: srv.URL})
	gen := params.New(params.Base{Width: 256, Height: 256, OutputFormat: "jpg"}, 0.5, 3, 30, nil)

	handle, err := b.Submit(context.Background(), "lestarge fox", gen)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/poll/t1", handle.URL)

	status, err := b.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, backend.StatePending, status.State)

	status, err = b.Poll(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, backend.StateSucceeded, status.State)
	assert.Equal(t, []string{"https://delivery/t1.jpg"}, status.Artifacts)
}

func TestPollModerated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"t1","status":"Content Moderated"}`))
	}))
	defer srv.Close()

	status, err := New(backend.Options{Token: "key", BaseURL: srv.URL}).Poll(context.Background(), backend.Handle{ID: "t1", URL: srv.URL + "/poll"})
	require.NoError(t, err)
	assert.Equal(t, backend.StateFailed, status.State)
	assert.Equal(t, "Content Moderated", status.Reason)
}

func TestSubmitFallbackPollingURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"t9"}`))
	}))
	defer srv.Close()

	handle, err := New(backend.Options{Token: "key", BaseURL: srv.URL}).Submit(context.Background(), "p", params.Generation{})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/v1/get_result?id=t9", handle.URL)
}

func TestRoundTo32(t *testing.T) {
	cases := map[int]int{0: 0, 100: 256, 256: 256, 1440: 1440, 1000: 992, 1010: 1024}
	for in, want := range cases {
		assert.Equal(t, want, roundTo32(in), "input %d", in)
	}
}
