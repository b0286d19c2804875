// Package errors classifies failures of calls that leave the process and
// wraps those calls with policy-driven retries and circuit breakers.
//
// A ClassifiedError records what kind of failure happened, which component
// and operation produced it, and whether another attempt could succeed, so
// callers branch on Type instead of matching error strings.
package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-ohlcv-gateway/internal/config"
)

// ErrorType is the classification of a failure.
type ErrorType string

const (
	ErrorTypeNetwork     ErrorType = "network"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeRateLimit   ErrorType = "rate_limit"
	ErrorTypeServerError ErrorType = "server_error"
	ErrorTypeCircuitOpen ErrorType = "circuit_open"

	ErrorTypeAuthentication ErrorType = "authentication"
	ErrorTypeBadRequest     ErrorType = "bad_request"
	ErrorTypeNotFound       ErrorType = "not_found"
	ErrorTypeValidation     ErrorType = "validation"
	ErrorTypeCanceled       ErrorType = "canceled"

	ErrorTypeUnknown ErrorType = "unknown"
)

// transient lists the types worth another attempt regardless of policy.
var transient = map[ErrorType]bool{
	ErrorTypeNetwork:     true,
	ErrorTypeTimeout:     true,
	ErrorTypeRateLimit:   true,
	ErrorTypeServerError: true,
	ErrorTypeCircuitOpen: true,
	ErrorTypeUnknown:     true,
}

// Severity ranks failures for logging.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityHigh:
		return "high"
	default:
		return "medium"
	}
}

// Severity returns how loudly a failure of this type should be reported.
func (t ErrorType) Severity() Severity {
	switch t {
	case ErrorTypeAuthentication:
		return SeverityHigh
	case ErrorTypeBadRequest, ErrorTypeValidation, ErrorTypeUnknown, ErrorTypeServerError:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// ClassifiedError is a failure annotated for handling decisions.
type ClassifiedError struct {
	Err       error
	Type      ErrorType
	Retryable bool
	Component string
	Operation string
	Attempts  int
}

func (ce *ClassifiedError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", ce.Component, ce.Operation, ce.Type, ce.Err)
}

func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Is matches another ClassifiedError by type and otherwise defers to the
// wrapped error.
func (ce *ClassifiedError) Is(target error) bool {
	if t, ok := target.(*ClassifiedError); ok {
		return ce.Type == t.Type
	}
	return false
}

// TypeOf classifies err without any policy: typed errors first, then HTTP
// status, then the message.
func TypeOf(err error) ErrorType {
	var ce *ClassifiedError
	switch {
	case errors.As(err, &ce):
		return ce.Type
	case errors.Is(err, context.Canceled):
		return ErrorTypeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorTypeTimeout
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		if t, ok := statusType(sc.StatusCode()); ok {
			return t
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range messageRules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.typ
			}
		}
	}
	return ErrorTypeUnknown
}

// messageRules are checked in order; the first matching pattern wins.
var messageRules = []struct {
	typ      ErrorType
	patterns []string
}{
	{ErrorTypeTimeout, []string{"timeout", "deadline exceeded"}},
	{ErrorTypeNetwork, []string{"connection refused", "connection reset", "no route to host",
		"network is unreachable", "no such host", "broken pipe", "eof"}},
	{ErrorTypeRateLimit, []string{"rate limit", "too many requests"}},
	{ErrorTypeAuthentication, []string{"unauthorized", "forbidden", "not authenticated"}},
	{ErrorTypeNotFound, []string{"not found", "no such instrument"}},
	{ErrorTypeValidation, []string{"invalid", "malformed", "parse"}},
	{ErrorTypeServerError, []string{"internal server error", "service unavailable", "bad gateway"}},
}

func statusType(code int) (ErrorType, bool) {
	switch {
	case code == http.StatusTooManyRequests:
		return ErrorTypeRateLimit, true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ErrorTypeAuthentication, true
	case code == http.StatusNotFound:
		return ErrorTypeNotFound, true
	case code == http.StatusRequestTimeout:
		return ErrorTypeTimeout, true
	case code >= 500:
		return ErrorTypeServerError, true
	case code >= 400:
		return ErrorTypeBadRequest, true
	}
	return "", false
}

// ErrorClassifier applies the configured retry policies and owns one
// circuit breaker per component.
type ErrorClassifier struct {
	config config.ErrorHandlingConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewErrorClassifier creates a classifier for cfg.
func NewErrorClassifier(cfg config.ErrorHandlingConfig, logger *slog.Logger) *ErrorClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorClassifier{
		config:   cfg,
		logger:   logger,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Classify annotates err. An error that is already classified is returned
// unchanged.
func (ec *ErrorClassifier) Classify(err error, component, operation string) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	typ := TypeOf(err)
	return &ClassifiedError{
		Err:       err,
		Type:      typ,
		Retryable: ec.retryable(component, typ, err),
		Component: component,
		Operation: operation,
	}
}

func (ec *ErrorClassifier) retryable(component string, typ ErrorType, err error) bool {
	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return false
	}
	if typ == ErrorTypeCanceled || typ == ErrorTypeNotFound {
		return false
	}
	for _, name := range ec.policy(component).RetryableErrors {
		if ErrorType(name) == typ {
			return true
		}
	}
	return transient[typ]
}

func (ec *ErrorClassifier) policy(component string) config.RetryPolicyConfig {
	if p, ok := ec.config.ComponentPolicies[component]; ok {
		return p
	}
	return ec.config.GlobalRetryPolicy
}

// Retry runs fn until it succeeds, fails with a non-retryable error, or the
// component's policy runs out of attempts. The returned error is the last
// classified failure, or the context error if ctx ended first.
func (ec *ErrorClassifier) Retry(ctx context.Context, component, operation string, fn func(ctx context.Context) error) error {
	policy := ec.policy(component)
	attempts := 0
	var last *ClassifiedError

	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		last = ec.Classify(err, component, operation)
		last.Attempts = attempts
		if !last.Retryable {
			return backoff.Permanent(last)
		}
		return last
	}
	notify := func(err error, next time.Duration) {
		ec.logger.WarnContext(ctx, "retrying after failure",
			"component", component,
			"operation", operation,
			"attempt", attempts,
			"backoff", next,
			"error", err)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(newBackOff(policy), ctx), notify)
	if err == nil {
		if attempts > 1 {
			ec.logger.DebugContext(ctx, "succeeded after retry",
				"component", component,
				"operation", operation,
				"attempts", attempts)
		}
		return nil
	}
	if last == nil {
		return ec.Classify(err, component, operation)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return fmt.Errorf("%w (last failure: %v)", ctxErr, last)
	}
	if last.Retryable {
		ec.logger.ErrorContext(ctx, "giving up after retries",
			"component", component,
			"operation", operation,
			"attempts", attempts,
			"severity", last.Type.Severity().String(),
			"error", last.Err)
	}
	return last
}

// newBackOff builds the delay schedule of policy, capped at MaxAttempts-1
// retries.
func newBackOff(policy config.RetryPolicyConfig) backoff.BackOff {
	initial := config.Duration(policy.InitialDelay, time.Second)
	maxDelay := config.Duration(policy.MaxDelay, 30*time.Second)

	var b backoff.BackOff
	switch policy.BackoffStrategy {
	case "fixed":
		b = backoff.NewConstantBackOff(initial)
	case "linear":
		b = &linearBackOff{step: initial, max: maxDelay}
	default:
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = initial
		exp.MaxInterval = maxDelay
		exp.MaxElapsedTime = 0
		exp.RandomizationFactor = 0
		exp.Reset()
		b = exp
	}
	if policy.Jitter {
		b = &jitteredBackOff{BackOff: b, factor: 0.1}
	}

	retries := policy.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(b, uint64(retries))
}

// linearBackOff waits step, 2*step, 3*step... up to max.
type linearBackOff struct {
	step, max, current time.Duration
}

func (l *linearBackOff) NextBackOff() time.Duration {
	l.current += l.step
	if l.max > 0 && l.current > l.max {
		l.current = l.max
	}
	return l.current
}

func (l *linearBackOff) Reset() { l.current = 0 }

// jitteredBackOff spreads every delay of the wrapped schedule by ±factor.
type jitteredBackOff struct {
	backoff.BackOff
	factor float64
}

func (j *jitteredBackOff) NextBackOff() time.Duration {
	next := j.BackOff.NextBackOff()
	if next == backoff.Stop {
		return next
	}
	spread := (2*rand.Float64() - 1) * j.factor * float64(next)
	return next + time.Duration(spread)
}

// Breaker returns the circuit breaker shared by every caller of name, or nil
// when breakers are disabled.
func (ec *ErrorClassifier) Breaker(name string) *CircuitBreaker {
	if !ec.config.EnableCircuitBreaker {
		return nil
	}
	ec.mu.Lock()
	defer ec.mu.Unlock()

	cb, ok := ec.breakers[name]
	if !ok {
		cb = NewCircuitBreaker(name, ec.config.CircuitBreakerConfig)
		ec.breakers[name] = cb
	}
	return cb
}

// CircuitState is the state of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker stops calling a failing dependency for RecoveryTimeout
// after FailureThreshold consecutive failures, then lets HalfOpenRequests
// probes through before closing again.
type CircuitBreaker struct {
	name      string
	threshold int
	probes    int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	succeeded int // probes that succeeded while half-open
	inFlight  int // probes running while half-open
	reopenAt  time.Time
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, cfg config.CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:      name,
		threshold: cfg.FailureThreshold,
		probes:    cfg.HalfOpenRequests,
		cooldown:  config.Duration(cfg.RecoveryTimeout, 30*time.Second),
		now:       time.Now,
	}
	if cb.threshold <= 0 {
		cb.threshold = 5
	}
	if cb.probes <= 0 {
		cb.probes = 1
	}
	return cb
}

// Call runs fn unless the circuit is open. Cancellations are not counted,
// and a permanent error counts as a response from a healthy dependency.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.admit() {
		return &ClassifiedError{
			Err:       fmt.Errorf("circuit open for %s", cb.name),
			Type:      ErrorTypeCircuitOpen,
			Retryable: true,
			Component: cb.name,
			Operation: "call",
		}
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		if cb.now().Before(cb.reopenAt) {
			return false
		}
		cb.state = CircuitHalfOpen
		cb.succeeded = 0
		cb.inFlight = 0
	case CircuitHalfOpen:
		if cb.succeeded+cb.inFlight >= cb.probes {
			return false
		}
	}
	if cb.state == CircuitHalfOpen {
		cb.inFlight++
	}
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	var permanent *backoff.PermanentError
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err == nil, errors.As(err, &permanent):
		cb.success()
	default:
		cb.failure()
	}
}

func (cb *CircuitBreaker) success() {
	if cb.state != CircuitHalfOpen {
		cb.failures = 0
		return
	}
	cb.succeeded++
	if cb.succeeded >= cb.probes {
		cb.state = CircuitClosed
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) failure() {
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state = CircuitOpen
		cb.reopenAt = cb.now().Add(cb.cooldown)
	}
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// IsRetryable reports whether err is a classified error worth retrying.
func IsRetryable(err error) bool {
	var ce *ClassifiedError
	return errors.As(err, &ce) && ce.Retryable
}

// GetErrorType returns the classification of err, or ErrorTypeUnknown when
// it was never classified.
func GetErrorType(err error) ErrorType {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Type
	}
	return ErrorTypeUnknown
}
