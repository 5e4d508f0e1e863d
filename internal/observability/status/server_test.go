package status

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	logx "raspbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReflectsSource(t *testing.T) {
	t.Parallel()

	var healthErr error
	s := New(Config{}, Sources{Health: func() error { return healthErr }}, logx.Nop())
	h := s.Handler(Config{})

	require.Equal(t, http.StatusOK, get(t, h, "/healthz", "").Code)
	healthErr = errors.New("browser not ready")
	rec := get(t, h, "/healthz", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "browser not ready")
}

func TestStatusDocument(t *testing.T) {
	t.Parallel()

	s := New(Config{}, Sources{Status: func(context.Context) any {
		return map[string]any{"browser": "ready", "cache": map[string]int{"hits": 3}}
	}}, logx.Nop())
	rec := get(t, s.Handler(Config{}), "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	require.Equal(t, "ready", doc["browser"])
}

func TestTokenAndPprof(t *testing.T) {
	t.Parallel()

	cfg := Config{Token: "s3cret", Pprof: true}
	h := New(cfg, Sources{}, logx.Nop()).Handler(cfg)

	require.Equal(t, http.StatusUnauthorized, get(t, h, "/status", "").Code)
	require.Equal(t, http.StatusUnauthorized, get(t, h, "/status", "wrong").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/status", "s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", "").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", "s3cret").Code)
	require.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/goroutine?debug=1", "s3cret").Code)

	off := New(Config{}, Sources{}, logx.Nop()).Handler(Config{})
	require.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", "").Code)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestServeLifecycle(t *testing.T) {
	t.Parallel()

	addr := freeAddr(t)
	s := New(Config{}, Sources{}, logx.Nop())
	ctx := context.Background()
	s.Reconfigure(ctx, Config{Enabled: true, Addr: addr})

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, "ok", string(body))

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	s.Reconfigure(stopCtx, Config{Enabled: false})
	require.Nil(t, s.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	for addr, want := range map[string]bool{
		"127.0.0.1:6061": true,
		"localhost:6061": true,
		"[::1]:6061":     true,
		":6061":          false,
		"0.0.0.0:6061":   false,
		"10.0.0.5:6061":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
