package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
	"github.com/johnayoung/go-ohlcv-gateway/internal/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type countingRecorder struct {
	metrics.NopRecorder
	mu     sync.Mutex
	counts map[string]int
	labels map[string]map[string]string
}

func (c *countingRecorder) RecordCounter(name, _ string, labels map[string]string) {
	c.add(name, labels)
}

func (c *countingRecorder) RecordError(name, _ string, labels map[string]string) {
	c.add(name, labels)
}

func (c *countingRecorder) add(name string, labels map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
		c.labels = make(map[string]map[string]string)
	}
	c.counts[name]++
	c.labels[name] = labels
}

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(r gin.IRouter) {
	r.GET("/ping", func(c *gin.Context) {
		ctx := c.Request.Context()
		c.JSON(http.StatusOK, gin.H{
			"request_id": logger.GetRequestID(ctx),
			"trace_id":   logger.GetTraceID(ctx),
		})
	})
	r.GET("/boom", func(c *gin.Context) { panic("boom") })
}

func newTestRouter(rec metrics.Recorder, log *slog.Logger) *gin.Engine {
	return NewRouter(RouterOptions{
		Logger:  log,
		Metrics: rec,
		API:     []Routes{pingRoutes{}},
		Root: []Routes{RoutesFunc(func(r gin.IRouter) {
			r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
		})},
	})
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestID(t *testing.T) {
	r := newTestRouter(nil, logger.Discard())

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	require.Equal(t, http.StatusOK, w.Code)
	id := w.Header().Get(RequestIDHeader)
	assert.NotEmpty(t, id)
	assert.Contains(t, w.Body.String(), id)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = do(r, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
	assert.Contains(t, w.Body.String(), "abc-123")

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.NotEmpty(t, body["trace_id"], "every request carries a trace ID")
}

func TestRouting(t *testing.T) {
	rec := &countingRecorder{}
	r := newTestRouter(rec, logger.Discard())

	assert.Equal(t, http.StatusOK, do(r, httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
	assert.Equal(t, http.StatusNotFound, do(r, httptest.NewRequest(http.MethodGet, "/ping", nil)).Code)

	w := do(r, httptest.NewRequest(http.MethodGet, "/api/v1/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "internal error")

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 3, rec.counts[metrics.HTTPRequests])
	assert.Equal(t, 1, rec.counts[metrics.HTTPErrors])
	assert.Equal(t, "/api/v1/boom", rec.labels[metrics.HTTPErrors]["route"])
	assert.Equal(t, "500", rec.labels[metrics.HTTPErrors]["status"])
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(logger.NewContextHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	r := newTestRouter(nil, log)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ping?x=1", nil)
	req.Header.Set(RequestIDHeader, "req-1")
	do(r, req)
	assert.Contains(t, buf.String(), `"level":"INFO"`)
	assert.Contains(t, buf.String(), `"path":"/api/v1/ping?x=1"`)
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)

	buf.Reset()
	do(r, httptest.NewRequest(http.MethodGet, "/missing", nil))
	assert.Contains(t, buf.String(), `"level":"WARN"`)

	buf.Reset()
	do(r, httptest.NewRequest(http.MethodGet, "/api/v1/boom", nil))
	assert.Contains(t, buf.String(), "panic recovered")
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New(config.ServerConfig{ShutdownTimeout: "1s"}, newTestRouter(nil, logger.Discard()), logger.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	var resp *http.Response
	require.Eventually(t, func() bool {
		resp, err = http.Get("http://" + ln.Addr().String() + "/api/v1/ping")
		return err == nil
	}, time.Second, 10*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "request_id")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestNewAppliesTimeouts(t *testing.T) {
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: "5s", WriteTimeout: "bogus"}, http.NewServeMux(), nil)
	assert.Equal(t, "127.0.0.1:8080", srv.srv.Addr)
	assert.Equal(t, 5*time.Second, srv.srv.ReadTimeout)
	assert.Equal(t, defaultWriteTimeout, srv.srv.WriteTimeout)
	assert.Equal(t, defaultShutdownTimeout, srv.shutdownTimeout)
}
