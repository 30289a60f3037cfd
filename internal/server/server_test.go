package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
)

func TestShutdownManager_ClosesInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{}, zap.NewNop())
	var order []string
	for _, name := range []string{"graph", "checkpoint", "http"} {
		sm.RegisterCloser(name, CloserFunc(func() error {
			order = append(order, name)
			return nil
		}))
	}
	started := false
	sm.OnShutdownStart(func() { started = true })

	require.NoError(t, sm.Shutdown("test"))
	assert.Equal(t, []string{"http", "checkpoint", "graph"}, order)
	assert.True(t, started)
	assert.True(t, sm.IsShuttingDown())

	// second call is a no-op
	require.NoError(t, sm.Shutdown("again"))
	assert.Len(t, order, 3)
}

func TestShutdownManager_JoinsCloseErrors(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{}, zap.NewNop())
	boom := errors.New("boom")
	sm.RegisterCloser("a", CloserFunc(func() error { return boom }))
	sm.RegisterCloser("b", CloserFunc(func() error { return nil }))

	err := sm.Shutdown("test")
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "close a")
}

func TestShutdownManager_DrainTimeout(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{Timeout: 20 * time.Millisecond}, zap.NewNop())
	require.True(t, sm.TrackRequest())

	err := sm.Shutdown("test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 in-flight")
	assert.False(t, sm.TrackRequest())
}

func TestShutdownManager_NotifyContextEndsOnShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{}, zap.NewNop())
	ctx, stop := sm.NotifyContext(context.Background())
	defer stop()

	go sm.Shutdown("test")
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled")
	}
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var resp statusResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp
}

func TestHandler_HealthAndReady(t *testing.T) {
	var ready atomic.Bool
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cartograph_up 1\n"))
	})
	h := NewHandler("cartograph-ingest", ProbeFunc(ready.Load), metrics, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeStatus(t, rec).Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	ready.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decodeStatus(t, rec).Status)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "cartograph_up")
}

func TestHandler_RejectsDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{}, zap.NewNop())
	h := NewHandler("svc", ProbeFunc(func() bool { return true }), nil, sm, zap.NewNop())
	require.NoError(t, sm.Shutdown("test"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("oops")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDMiddleware_KeepsIncomingID(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "req-1", seen)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-ID"))
}

func TestGRPCHealth_FollowsProbe(t *testing.T) {
	var ready atomic.Bool
	g := NewGRPCHealth(ProbeFunc(ready.Load), zap.NewNop())

	lis := bufconn.Listen(1 << 20)
	go g.Serve(lis)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go g.Watch(ctx, 5*time.Millisecond)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer conn.Close()
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
		if err != nil {
			return healthpb.HealthCheckResponse_UNKNOWN
		}
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	ready.Store(true)
	require.Eventually(t, func() bool {
		return check() == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 5*time.Millisecond)
}
