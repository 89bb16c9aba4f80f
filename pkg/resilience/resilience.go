package resilience

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"talklink-backend/pkg/logger"
)

// CircuitBreakerState represents the state of the circuit breaker
type CircuitBreakerState string

const (
	CircuitBreakerClosed   CircuitBreakerState = "closed"
	CircuitBreakerHalfOpen CircuitBreakerState = "half_open"
	CircuitBreakerOpen     CircuitBreakerState = "open"
)

// Breaker wraps calls to an external dependency with retry, timeout,
// and circuit breaker protection. One Breaker is created per dependency
// (object storage, transcription API, grammar API).
type Breaker struct {
	name                string
	timeout             time.Duration
	mu                  sync.RWMutex
	state               CircuitBreakerState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
	metrics             *breakerMetrics
}

// breakerMetrics tracks external dependency call metrics
type breakerMetrics struct {
	requestsTotal       *prometheus.CounterVec
	errorsTotal         *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec
}

var (
	breakerMetricsInstance *breakerMetrics
	breakerMetricsOnce     sync.Once
)

// init registers breaker metrics with Prometheus
func init() {
	breakerMetricsOnce.Do(func() {
		breakerMetricsInstance = &breakerMetrics{
			requestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dependency_requests_total",
					Help: "Total number of external dependency requests",
				},
				[]string{"dependency", "operation", "status"},
			),
			errorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dependency_errors_total",
					Help: "Total number of external dependency errors",
				},
				[]string{"dependency", "operation", "error_type"},
			),
			circuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "dependency_circuit_breaker_state",
				Help: "State of dependency circuit breaker (0=closed, 1=half_open, 2=open)",
			}, []string{"dependency"}),
		}
		prometheus.MustRegister(breakerMetricsInstance.requestsTotal)
		prometheus.MustRegister(breakerMetricsInstance.errorsTotal)
		prometheus.MustRegister(breakerMetricsInstance.circuitBreakerState)
	})
}

// NewBreaker creates a circuit breaker for the named dependency.
// timeout bounds each Execute call end to end, retries included.
func NewBreaker(name string, timeout time.Duration) *Breaker {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Breaker{
		name:    name,
		timeout: timeout,
		state:   CircuitBreakerClosed,
		metrics: breakerMetricsInstance,
	}
}

// Execute runs an operation with retry, timeout, and circuit breaker
func (r *Breaker) Execute(
	ctx context.Context,
	operation string,
	fn func() error,
) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastErr error
	var attempts int
	initialInterval := 100 * time.Millisecond
	maxInterval := 5 * time.Second
	maxElapsedTime := 30 * time.Second
	startTime := time.Now()

	for time.Since(startTime) < maxElapsedTime {
		attempts++

		// Check circuit breaker state
		r.mu.RLock()
		state := r.state
		halfOpenAttempts := r.halfOpenAttempts
		r.mu.RUnlock()

		// If circuit is open, reject immediately
		if state == CircuitBreakerOpen {
			logger.Error("Circuit breaker is OPEN - requests blocked",
				zap.String("dependency", r.name),
				zap.String("operation", operation),
			)
			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "circuit_breaker_open").Inc()
			return fmt.Errorf("%s temporarily unavailable due to repeated failures (circuit breaker open)", r.name)
		}

		// If circuit is half-open, allow limited requests
		if state == CircuitBreakerHalfOpen {
			halfOpenAttempts++
			if halfOpenAttempts > 3 {
				// Too many half-open attempts, close circuit
				r.mu.Lock()
				r.state = CircuitBreakerClosed
				r.consecutiveFailures = 0
				r.halfOpenAttempts = 0
				r.lastFailureTime = time.Time{}
				r.mu.Unlock()
				logger.Info("Circuit breaker CLOSED - recovered from half-open state",
					zap.String("dependency", r.name),
					zap.String("operation", operation),
				)
				r.metrics.circuitBreakerState.WithLabelValues(r.name).Set(0)
			} else {
				logger.Warn("Circuit breaker HALF-OPEN - allowing request",
					zap.String("dependency", r.name),
					zap.String("operation", operation),
					zap.Int("attempt", halfOpenAttempts),
				)
			}
		}

		// Log retry attempt
		if attempts > 1 {
			logger.Warn("Dependency operation retry",
				zap.String("dependency", r.name),
				zap.String("operation", operation),
				zap.Int("attempt", attempts),
				zap.Error(lastErr),
			)
		}

		// Execute operation
		err := fn()
		lastErr = err

		if err == nil {
			// Success - reset circuit breaker state
			r.mu.Lock()
			if r.state != CircuitBreakerClosed {
				r.state = CircuitBreakerClosed
				r.consecutiveFailures = 0
				r.halfOpenAttempts = 0
				r.lastFailureTime = time.Time{}
				r.metrics.circuitBreakerState.WithLabelValues(r.name).Set(0)
			}
			r.mu.Unlock()

			r.metrics.requestsTotal.WithLabelValues(r.name, operation, "success").Inc()
			return nil
		}

		// Failure - track consecutive failures
		r.mu.Lock()
		r.consecutiveFailures++
		r.lastFailureTime = time.Now()

		r.metrics.errorsTotal.WithLabelValues(r.name, operation, classifyError(err)).Inc()
		r.metrics.requestsTotal.WithLabelValues(r.name, operation, "failure").Inc()

		// Open circuit after 3 consecutive failures
		if r.consecutiveFailures >= 3 {
			r.state = CircuitBreakerOpen
			r.metrics.circuitBreakerState.WithLabelValues(r.name).Set(2)
			logger.Error("Circuit breaker OPEN - too many consecutive failures",
				zap.String("dependency", r.name),
				zap.String("operation", operation),
				zap.Int("consecutive_failures", r.consecutiveFailures),
			)
		}

		// Half-open after 10 seconds
		if r.consecutiveFailures > 0 && time.Since(r.lastFailureTime) > 10*time.Second {
			r.state = CircuitBreakerHalfOpen
			r.halfOpenAttempts = 0
			r.metrics.circuitBreakerState.WithLabelValues(r.name).Set(1)
			logger.Warn("Circuit breaker HALF-OPEN - cooling down period",
				zap.String("dependency", r.name),
				zap.String("operation", operation),
			)
		}
		r.mu.Unlock()

		// Backoff before next retry
		backoff := time.Duration(float64(attempts) * float64(initialInterval))
		if backoff > maxInterval {
			backoff = maxInterval
		}

		logger.Info("Dependency operation failed, backing off",
			zap.String("dependency", r.name),
			zap.String("operation", operation),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		// Wait for backoff period
		select {
		case <-timeoutCtx.Done():
			return fmt.Errorf("%s operation timed out after %s", r.name, r.timeout)
		case <-time.After(backoff):
			// Continue to next retry
		}
	}

	return fmt.Errorf("%s operation failed after %d attempts: %w", r.name, attempts, lastErr)
}

// GetCircuitBreakerState returns the current circuit breaker state
func (r *Breaker) GetCircuitBreakerState() CircuitBreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// classifyError classifies errors for better metrics
func classifyError(err error) string {
	if err == nil {
		return "none"
	}

	// Check for common error types
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline exceeded"):
		return "timeout"
	case strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "network unreachable"):
		return "network"
	case strings.Contains(errMsg, "no such host") || strings.Contains(errMsg, "dns"):
		return "dns"
	case strings.Contains(errMsg, "bucket not found") || strings.Contains(errMsg, "not found"):
		return "not_found"
	case strings.Contains(errMsg, "permission denied") || strings.Contains(errMsg, "access denied") || strings.Contains(errMsg, "unauthorized"):
		return "permission"
	case strings.Contains(errMsg, "circuit breaker"):
		return "circuit_breaker"
	default:
		return "unknown"
	}
}
