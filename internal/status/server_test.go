package status

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(New(NewProgress(), nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestStatusReflectsProgress(t *testing.T) {
	p := NewProgress()
	srv := httptest.NewServer(New(p, nil).Router())
	defer srv.Close()

	p.SetState("RunningChunks")
	p.Update(func(s *Snapshot) {
		s.RunID = "run-1"
		s.Chunk, s.Chunks = 2, 3
		s.Success, s.Failure = 7, 1
	})

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "RunningChunks", got.State)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 2, got.Chunk)
	assert.Equal(t, 7, got.Success)
	assert.Equal(t, 1, got.Failure)
}

func TestMetricsMounted(t *testing.T) {
	srv := httptest.NewServer(New(nil, nil).Router())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNilProgressIsIdle(t *testing.T) {
	var p *Progress
	p.SetState("ignored")
	assert.Equal(t, "idle", p.Snapshot().State)
}

func TestListenAndServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(NewProgress(), nil).ListenAndServe(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestListenAndServeBadAddr(t *testing.T) {
	err := New(nil, nil).ListenAndServe(context.Background(), "bad-address")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "bad-address"))
}
