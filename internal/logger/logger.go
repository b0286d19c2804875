// Package logger provides structured logging with context propagation for the OHLCV gateway.
// Loggers are plain *slog.Logger values. Request-scoped values stored on a context
// (trace and request IDs, the ticker and timeframe being resolved, warm-up job IDs)
// are added to every record logged with one of the *Context methods.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
)

// ContextKey names a request-scoped value emitted by ContextHandler.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
	OperationKey ContextKey = "operation"
	TickerKey    ContextKey = "ticker"
	TimeframeKey ContextKey = "timeframe"
	SeriesKey    ContextKey = "series"
	JobIDKey     ContextKey = "job_id"
)

// contextKeys is the order in which context values are emitted.
var contextKeys = []ContextKey{
	TraceIDKey,
	RequestIDKey,
	OperationKey,
	TickerKey,
	TimeframeKey,
	SeriesKey,
	JobIDKey,
}

// LoggerManager owns the log writer and hands out per-component loggers.
type LoggerManager struct {
	baseLogger *slog.Logger
	config     config.LoggingConfig
	writer     io.WriteCloser

	mu             sync.Mutex
	componentCache map[string]*slog.Logger
}

// ComponentLogger is a logger with a fixed component attribute.
type ComponentLogger struct {
	*slog.Logger
	component string
}

// NewLoggerManager opens the configured output and builds the handler chain.
func NewLoggerManager(cfg config.LoggingConfig) (*LoggerManager, error) {
	writer, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("open log output: %w", err)
	}
	return newLoggerManager(cfg, writer), nil
}

func newLoggerManager(cfg config.LoggingConfig, writer io.WriteCloser) *LoggerManager {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.Level == "debug",
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(writer, opts)
	default:
		handler = slog.NewJSONHandler(writer, opts)
	}

	if len(cfg.ContextFields) > 0 {
		static := make([]slog.Attr, 0, len(cfg.ContextFields))
		for k, v := range cfg.ContextFields {
			static = append(static, slog.String(k, v))
		}
		handler = handler.WithAttrs(static)
	}

	return &LoggerManager{
		baseLogger:     slog.New(NewContextHandler(handler)),
		config:         cfg,
		writer:         writer,
		componentCache: make(map[string]*slog.Logger),
	}
}

// replaceAttr renders timestamps as RFC3339Nano and levels in upper case.
func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	switch a.Key {
	case slog.TimeKey:
		if t, ok := a.Value.Any().(time.Time); ok {
			a.Value = slog.StringValue(t.UTC().Format(time.RFC3339Nano))
		}
	case slog.LevelKey:
		if level, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(strings.ToUpper(level.String()))
		}
	}
	return a
}

// openOutput returns stdout, stderr or a size-rotated file. The standard
// streams are never closed.
func openOutput(cfg config.LoggingConfig) (io.WriteCloser, error) {
	if cfg.Output != "file" {
		out := os.Stdout
		if cfg.Output == "stderr" {
			out = os.Stderr
		}
		return stream{out}, nil
	}

	if cfg.FilePath == "" {
		return nil, fmt.Errorf("logging.file_path is required for file output")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	rotating := &lumberjack.Logger{Filename: cfg.FilePath, Compress: cfg.Compress}
	rotating.MaxSize, rotating.MaxBackups, rotating.MaxAge = cfg.MaxSize, cfg.MaxBackups, cfg.MaxAge
	return rotating, nil
}

type stream struct{ io.Writer }

func (stream) Close() error { return nil }

// ParseLevel converts a configured level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// GetLogger returns the root logger.
func (lm *LoggerManager) GetLogger() *slog.Logger { return lm.baseLogger }

// GetComponentLogger returns a cached logger tagged with component.
func (lm *LoggerManager) GetComponentLogger(component string) *ComponentLogger {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	cached, exists := lm.componentCache[component]
	if !exists {
		cached = lm.baseLogger.With(slog.String("component", component))
		lm.componentCache[component] = cached
	}
	return &ComponentLogger{Logger: cached, component: component}
}

// Component returns the component name
func (cl *ComponentLogger) Component() string {
	return cl.component
}

// Close flushes and closes a file output.
func (lm *LoggerManager) Close() error {
	if lm.writer == nil {
		return nil
	}
	return lm.writer.Close()
}

// ContextHandler adds the request-scoped values carried by the record's
// context to every record it handles.
type ContextHandler struct {
	slog.Handler
}

// NewContextHandler wraps h.
func NewContextHandler(h slog.Handler) *ContextHandler {
	if ch, ok := h.(*ContextHandler); ok {
		return ch
	}
	return &ContextHandler{Handler: h}
}

// Handle implements slog.Handler.
func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if ctx != nil {
		for _, key := range contextKeys {
			if v, ok := ctx.Value(key).(string); ok && v != "" {
				r.AddAttrs(slog.String(string(key), v))
			}
		}
	}
	return h.Handler.Handle(ctx, r)
}

// WithAttrs implements slog.Handler.
func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup implements slog.Handler.
func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithTraceID, WithRequestID and the other With* helpers return a child
// context carrying one value for ContextHandler.
func WithTraceID(ctx context.Context, id string) context.Context { return with(ctx, TraceIDKey, id) }

func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, RequestIDKey, id)
}

func WithOperation(ctx context.Context, op string) context.Context {
	return with(ctx, OperationKey, op)
}

func WithTicker(ctx context.Context, ticker string) context.Context {
	return with(ctx, TickerKey, ticker)
}

func WithTimeframe(ctx context.Context, tf string) context.Context {
	return with(ctx, TimeframeKey, tf)
}

func WithSeries(ctx context.Context, series string) context.Context {
	return with(ctx, SeriesKey, series)
}

func WithJobID(ctx context.Context, id string) context.Context { return with(ctx, JobIDKey, id) }

func with(ctx context.Context, key ContextKey, v string) context.Context {
	return context.WithValue(ctx, key, v)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID returns the trace ID carried by ctx, if any.
func GetTraceID(ctx context.Context) string { return stringValue(ctx, TraceIDKey) }

// GetRequestID returns the request ID carried by ctx, if any.
func GetRequestID(ctx context.Context) string { return stringValue(ctx, RequestIDKey) }

// NewID returns a random identifier for traces, requests and jobs.
func NewID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged if it carries a trace ID, otherwise a
// child context with a fresh one.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewID())
}

// LogOperation runs fn under an operation-tagged context and logs its
// outcome with the elapsed time.
func (cl *ComponentLogger) LogOperation(ctx context.Context, operation string, fn func() error) error {
	ctx = WithOperation(ctx, operation)
	cl.DebugContext(ctx, "operation started")

	start := time.Now()
	if err := fn(); err != nil {
		cl.ErrorContext(ctx, "operation failed", "duration", time.Since(start), "error", err)
		return err
	}
	cl.InfoContext(ctx, "operation completed", "duration", time.Since(start))
	return nil
}

// LogError logs err at error level with attrs and the context values.
func LogError(ctx context.Context, logger *slog.Logger, err error, msg string, attrs ...any) {
	all := append([]any{slog.Any("error", err)}, attrs...)
	logger.ErrorContext(ctx, msg, all...)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
