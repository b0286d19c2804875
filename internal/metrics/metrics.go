// Package metrics provides metrics collection and health monitoring for the
// OHLCV gateway. Counters, gauges and durations are kept in memory with a short
// history and exposed as JSON on the API router, or on a dedicated port when
// one is configured.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
	"github.com/johnayoung/go-ohlcv-gateway/internal/logger"
)

// Metric names recorded by the gateway components.
const (
	ResolverOriginFetches  = "resolver_origin_fetches"
	ResolverOriginErrors   = "resolver_origin_errors"
	ResolverBarsInserted   = "resolver_bars_inserted"
	ResolverGaps           = "resolver_gaps"
	ResolverGetBarsLatency = "resolver_get_bars_duration"
	OriginRateLimited      = "origin_rate_limited"
	WarmerJobsCompleted    = "warmer_jobs_completed"
	WarmerJobsFailed       = "warmer_jobs_failed"
	HTTPRequests           = "http_requests"
	HTTPErrors             = "http_errors"
	HTTPRequestLatency     = "http_request_duration"
)

const (
	maxHistoryPoints = 100
	readinessStall   = 5 * time.Minute
)

// Recorder is the write side of MetricsCollector used by instrumented components.
type Recorder interface {
	RecordCounter(name, description string, labels map[string]string)
	RecordCount(name string, delta float64, description string, labels map[string]string)
	RecordGauge(name string, value float64, description string, labels map[string]string)
	RecordError(name, description string, labels map[string]string)
	RecordDuration(name string, duration time.Duration, description string, labels map[string]string)
}

// NopRecorder discards every measurement.
type NopRecorder struct{}

func (NopRecorder) RecordCounter(string, string, map[string]string)                 {}
func (NopRecorder) RecordCount(string, float64, string, map[string]string)          {}
func (NopRecorder) RecordGauge(string, float64, string, map[string]string)          {}
func (NopRecorder) RecordError(string, string, map[string]string)                   {}
func (NopRecorder) RecordDuration(string, time.Duration, string, map[string]string) {}

// MetricType distinguishes how recorded values combine.
type MetricType string

const (
	MetricTypeCounter   MetricType = "counter"
	MetricTypeGauge     MetricType = "gauge"
	MetricTypeHistogram MetricType = "histogram"
)

// Metric is the current value of one name+labels pair. For histograms Value
// is the latest observation and Sum/Count accumulate.
type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Count       int64             `json:"count,omitempty"`
	Sum         float64           `json:"sum,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description"`
	UpdatedAt   time.Time         `json:"updated_at"`
	History     []Point           `json:"history,omitempty"`
}

// Point is one historical value of a metric.
type Point struct {
	At    time.Time `json:"at"`
	Value float64   `json:"value"`
}

// MetricCollector is polled on every collection tick for externally owned metrics.
type MetricCollector interface {
	CollectMetrics(ctx context.Context) ([]Metric, error)
	GetMetricNames() []string
}

// Snapshot is the state served on /debug/metrics.
type Snapshot struct {
	Taken     time.Time               `json:"taken"`
	Uptime    string                  `json:"uptime"`
	Metrics   map[string]Metric       `json:"metrics"`
	Runtime   RuntimeStats            `json:"runtime"`
	Health    map[string]HealthStatus `json:"health,omitempty"`
	Requests  int64                   `json:"requests"`
	Errors    int64                   `json:"errors"`
	ErrorRate float64                 `json:"error_rate_pct"`
}

// RuntimeStats is a subset of runtime.MemStats plus the goroutine count.
type RuntimeStats struct {
	Goroutines   int    `json:"goroutines"`
	HeapAlloc    uint64 `json:"heap_alloc"`
	HeapInuse    uint64 `json:"heap_inuse"`
	StackInuse   uint64 `json:"stack_inuse"`
	NumGC        uint32 `json:"num_gc"`
	GCPauseTotal uint64 `json:"gc_pause_total_ns"`
}

func readRuntime() RuntimeStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return RuntimeStats{
		Goroutines:   runtime.NumGoroutine(),
		HeapAlloc:    m.HeapAlloc,
		HeapInuse:    m.HeapInuse,
		StackInuse:   m.StackInuse,
		NumGC:        m.NumGC,
		GCPauseTotal: m.PauseTotalNs,
	}
}

// MetricsCollector stores gateway metrics, polls registered collectors and
// serves the metrics, health and readiness endpoints.
type MetricsCollector struct {
	config  config.MetricsConfig
	logger  *logger.ComponentLogger
	history time.Duration
	started time.Time
	now     func() time.Time

	mu         sync.RWMutex
	metrics    map[string]Metric
	collectors []MetricCollector
	health     HealthChecker
	server     *http.Server

	requests   atomic.Int64
	errors     atomic.Int64
	lastUpdate atomic.Int64
	running    atomic.Bool
	stop       chan struct{}
	stopOnce   sync.Once
}

// NewMetricsCollector creates a collector. Nothing runs until Start.
func NewMetricsCollector(cfg config.MetricsConfig, logs *logger.LoggerManager) *MetricsCollector {
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}
	return &MetricsCollector{
		config:  cfg,
		logger:  logs.GetComponentLogger("metrics"),
		history: config.Duration(cfg.HistoryDuration, time.Hour),
		started: time.Now(),
		now:     time.Now,
		metrics: make(map[string]Metric),
		stop:    make(chan struct{}),
	}
}

// Start collects once, then every update interval until ctx ends or Stop is
// called. When a dedicated port is configured the routes are served on it.
func (mc *MetricsCollector) Start(ctx context.Context) error {
	if !mc.config.Enabled {
		mc.logger.Info("metrics disabled")
		return nil
	}

	every, err := time.ParseDuration(mc.config.UpdateInterval)
	if err != nil || every <= 0 {
		return fmt.Errorf("invalid metrics update interval %q", mc.config.UpdateInterval)
	}

	mc.collectAllMetrics(ctx)
	mc.running.Store(true)
	go mc.loop(ctx, every)

	if mc.config.Port > 0 {
		mc.serve()
	}
	mc.logger.Info("metrics started",
		"port", mc.config.Port,
		"path", mc.config.Path,
		"update_interval", every)
	return nil
}

// Stop ends collection and shuts down the dedicated server. It is safe to
// call more than once.
func (mc *MetricsCollector) Stop(ctx context.Context) error {
	mc.stopOnce.Do(func() { close(mc.stop) })
	mc.running.Store(false)

	if mc.server == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mc.server.Shutdown(shutdownCtx); err != nil {
		logger.LogError(ctx, mc.logger.Logger, err, "metrics server shutdown failed")
		return err
	}
	mc.server = nil
	return nil
}

// RegisterCollector adds c to the collection tick.
func (mc *MetricsCollector) RegisterCollector(c MetricCollector) {
	mc.mu.Lock()
	mc.collectors = append(mc.collectors, c)
	mc.mu.Unlock()
	mc.logger.Debug("metric collector registered", "metric_names", c.GetMetricNames())
}

// RegisterHealthChecker sets the checker behind /health and /ready.
func (mc *MetricsCollector) RegisterHealthChecker(hc HealthChecker) {
	mc.mu.Lock()
	mc.health = hc
	mc.mu.Unlock()
}

func (mc *MetricsCollector) RecordCounter(name, description string, labels map[string]string) {
	mc.RecordCount(name, 1, description, labels)
}

func (mc *MetricsCollector) RecordCount(name string, delta float64, description string, labels map[string]string) {
	mc.observe(name, MetricTypeCounter, delta, description, labels)
	if name == HTTPRequests {
		mc.requests.Add(int64(delta))
	}
}

func (mc *MetricsCollector) RecordGauge(name string, value float64, description string, labels map[string]string) {
	mc.observe(name, MetricTypeGauge, value, description, labels)
}

// RecordError counts an error under name and in the snapshot error total.
func (mc *MetricsCollector) RecordError(name, description string, labels map[string]string) {
	mc.observe(name, MetricTypeCounter, 1, description, labels)
	mc.errors.Add(1)
}

// RecordDuration observes d in milliseconds.
func (mc *MetricsCollector) RecordDuration(name string, d time.Duration, description string, labels map[string]string) {
	mc.observe(name, MetricTypeHistogram, float64(d)/float64(time.Millisecond), description, labels)
}

// Get returns the metric stored under name and labels.
func (mc *MetricsCollector) Get(name string, labels map[string]string) (Metric, bool) {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	m, ok := mc.metrics[metricKey(name, labels)]
	return m, ok
}

// metricKey renders name{k=v,...} with labels in key order.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(labels[k])
	}
	b.WriteByte('}')
	return b.String()
}

func (mc *MetricsCollector) observe(name string, kind MetricType, v float64, description string, labels map[string]string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	now := mc.now()
	key := metricKey(name, labels)
	m, ok := mc.metrics[key]
	if !ok {
		m = Metric{Name: name, Type: kind, Description: description}
		if len(labels) > 0 {
			m.Labels = make(map[string]string, len(labels))
			for k, lv := range labels {
				m.Labels[k] = lv
			}
		}
	}

	if kind == MetricTypeCounter {
		m.Value += v
	} else {
		m.Value = v
	}
	if kind == MetricTypeHistogram {
		m.Count++
		m.Sum += v
	}
	m.UpdatedAt = now
	m.History = mc.trimHistory(append(m.History, Point{At: now, Value: m.Value}), now)
	mc.metrics[key] = m
}

// trimHistory drops points older than the configured history window and keeps
// at most maxHistoryPoints.
func (mc *MetricsCollector) trimHistory(points []Point, now time.Time) []Point {
	cutoff := now.Add(-mc.history)
	drop := sort.Search(len(points), func(i int) bool { return !points[i].At.Before(cutoff) })
	if over := len(points) - drop - maxHistoryPoints; over > 0 {
		drop += over
	}
	if drop == 0 {
		return points
	}
	return append([]Point(nil), points[drop:]...)
}

func (mc *MetricsCollector) loop(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			mc.collectAllMetrics(ctx)
		case <-mc.stop:
			return
		case <-ctx.Done():
			mc.running.Store(false)
			return
		}
	}
}

// collectAllMetrics refreshes the runtime gauges and merges the output of
// every registered collector.
func (mc *MetricsCollector) collectAllMetrics(ctx context.Context) {
	rt := readRuntime()
	for _, g := range []struct {
		name, desc string
		value      float64
	}{
		{"runtime_goroutines", "Live goroutines", float64(rt.Goroutines)},
		{"runtime_heap_alloc_bytes", "Allocated heap bytes", float64(rt.HeapAlloc)},
		{"runtime_heap_inuse_bytes", "In-use heap bytes", float64(rt.HeapInuse)},
		{"runtime_stack_inuse_bytes", "In-use stack bytes", float64(rt.StackInuse)},
		{"runtime_gc_cycles", "Completed GC cycles", float64(rt.NumGC)},
		{"runtime_gc_pause_total_ns", "Cumulative GC pause", float64(rt.GCPauseTotal)},
	} {
		mc.RecordGauge(g.name, g.value, g.desc, nil)
	}

	mc.mu.RLock()
	collectors := append([]MetricCollector(nil), mc.collectors...)
	mc.mu.RUnlock()

	for _, c := range collectors {
		ms, err := c.CollectMetrics(ctx)
		if err != nil {
			logger.LogError(ctx, mc.logger.Logger, err, "metric collector failed",
				"metric_names", c.GetMetricNames())
			continue
		}
		mc.mu.Lock()
		for _, m := range ms {
			mc.metrics[metricKey(m.Name, m.Labels)] = m
		}
		mc.mu.Unlock()
	}

	mc.lastUpdate.Store(mc.now().UnixNano())
}

func (mc *MetricsCollector) lastUpdated() time.Time {
	n := mc.lastUpdate.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (mc *MetricsCollector) checker() HealthChecker {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.health
}

// GetSnapshot copies the current metrics together with runtime and request totals.
func (mc *MetricsCollector) GetSnapshot() Snapshot {
	mc.mu.RLock()
	metrics := make(map[string]Metric, len(mc.metrics))
	for k, v := range mc.metrics {
		metrics[k] = v
	}
	mc.mu.RUnlock()

	snap := Snapshot{
		Taken:    mc.now(),
		Uptime:   time.Since(mc.started).Round(time.Second).String(),
		Metrics:  metrics,
		Runtime:  readRuntime(),
		Requests: mc.requests.Load(),
		Errors:   mc.errors.Load(),
	}
	if snap.Requests > 0 {
		snap.ErrorRate = float64(snap.Errors) / float64(snap.Requests) * 100
	}
	if hc := mc.checker(); hc != nil {
		snap.Health = map[string]HealthStatus{"gateway": hc.GetHealthStatus()}
	}
	return snap
}

// RegisterRoutes mounts the metrics, health and readiness endpoints.
func (mc *MetricsCollector) RegisterRoutes(r gin.IRoutes) {
	r.GET(mc.config.Path, mc.handleMetrics)
	r.GET("/health", mc.handleHealth)
	r.GET("/ready", mc.handleReadiness)
	r.GET("/debug/metrics", func(c *gin.Context) { c.JSON(http.StatusOK, mc.GetSnapshot()) })
}

func (mc *MetricsCollector) serve() {
	engine := gin.New()
	engine.Use(gin.Recovery())
	mc.RegisterRoutes(engine)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", mc.config.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	mc.server = srv

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mc.logger.Error("metrics server failed", "addr", srv.Addr, "error", err)
		}
	}()
}

func (mc *MetricsCollector) handleMetrics(c *gin.Context) {
	mc.mu.RLock()
	out := make(map[string]gin.H, len(mc.metrics))
	for key, m := range mc.metrics {
		entry := gin.H{
			"type":        m.Type,
			"value":       m.Value,
			"labels":      m.Labels,
			"description": m.Description,
			"updated_at":  m.UpdatedAt,
		}
		if m.Type == MetricTypeHistogram && m.Count > 0 {
			entry["count"] = m.Count
			entry["avg"] = m.Sum / float64(m.Count)
		}
		out[key] = entry
	}
	mc.mu.RUnlock()
	c.JSON(http.StatusOK, out)
}

func (mc *MetricsCollector) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "healthy",
		"uptime": time.Since(mc.started).Round(time.Second).String(),
		"time":   mc.now(),
	}
	code := http.StatusOK

	if hc := mc.checker(); hc != nil {
		if err := hc.HealthCheck(c.Request.Context()); err != nil {
			body["status"], body["error"] = "unhealthy", err.Error()
			code = http.StatusServiceUnavailable
		}
		body["details"] = hc.GetHealthStatus().Details
	}
	c.JSON(code, body)
}

// handleReadiness reports ready when dependencies are healthy and, while the
// collection loop runs, it has updated within the stall window.
func (mc *MetricsCollector) handleReadiness(c *gin.Context) {
	notReady := func(reason string) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready", "reason": reason})
	}

	if mc.running.Load() && mc.now().Sub(mc.lastUpdated()) > readinessStall {
		notReady("metrics collection stalled")
		return
	}
	if hc := mc.checker(); hc != nil {
		if err := hc.HealthCheck(c.Request.Context()); err != nil {
			notReady(err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "last_update": mc.lastUpdated()})
}

// CollectorMetrics reports on the collector itself.
type CollectorMetrics struct {
	mc *MetricsCollector
}

// NewCollectorMetrics wraps mc for registration with RegisterCollector.
func NewCollectorMetrics(mc *MetricsCollector) *CollectorMetrics {
	return &CollectorMetrics{mc: mc}
}

const (
	selfUptime  = "metrics_uptime_seconds"
	selfTracked = "metrics_tracked"
)

// CollectMetrics implements MetricCollector.
func (cm *CollectorMetrics) CollectMetrics(ctx context.Context) ([]Metric, error) {
	cm.mc.mu.RLock()
	tracked := len(cm.mc.metrics)
	cm.mc.mu.RUnlock()

	now := cm.mc.now()
	return []Metric{
		{Name: selfUptime, Type: MetricTypeGauge, Value: time.Since(cm.mc.started).Seconds(), Description: "Seconds since the collector was created", UpdatedAt: now},
		{Name: selfTracked, Type: MetricTypeGauge, Value: float64(tracked), Description: "Distinct metric series held in memory", UpdatedAt: now},
	}, nil
}

// GetMetricNames implements MetricCollector.
func (cm *CollectorMetrics) GetMetricNames() []string {
	return []string{selfUptime, selfTracked}
}
