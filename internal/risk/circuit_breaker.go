package risk

import (
	"sync"
	"time"

	"copy_trader/internal/core"
	"copy_trader/pkg/telemetry"

	"go.opentelemetry.io/otel/metric"
)

type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
)

func (s CircuitState) String() string {
	if s == CircuitOpen {
		return "OPEN"
	}
	return "CLOSED"
}

type CircuitConfig struct {
	MaxConsecutiveFailures int
	CooldownPeriod         time.Duration
}

// BreakerStatus is a point-in-time copy of the breaker state
type BreakerStatus struct {
	State               CircuitState `json:"-"`
	StateName           string       `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	CooldownUntil       time.Time    `json:"cooldown_until,omitempty"`
	Trips               int          `json:"trips"`
}

// CircuitBreaker halts order submission after consecutive failures.
// OPEN returns to CLOSED lazily on the first IsOpen call after the cooldown.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	config              CircuitConfig
	consecutiveFailures int
	cooldownUntil       time.Time
	trips               int
	logger              core.ILogger
	now                 func() time.Time
	onTrip              func(reason string, status BreakerStatus)
}

func NewCircuitBreaker(config CircuitConfig, logger core.ILogger) *CircuitBreaker {
	return &CircuitBreaker{
		state:  CircuitClosed,
		config: config,
		logger: logger.WithField("component", "circuit_breaker"),
		now:    time.Now,
	}
}

// RecordFailure counts a failed submission and trips once the threshold is reached
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	if cb.state == CircuitOpen {
		return
	}

	if cb.config.MaxConsecutiveFailures > 0 && cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		cb.trip("max consecutive failures reached")
	}
}

// RecordSuccess resets the failure counter while the breaker is closed
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitClosed {
		cb.consecutiveFailures = 0
	}
}

func (cb *CircuitBreaker) trip(reason string) {
	cb.state = CircuitOpen
	cb.cooldownUntil = cb.now().Add(cb.config.CooldownPeriod)
	cb.trips++

	cb.logger.Error("Circuit breaker tripped",
		"reason", reason,
		"consecutive_failures", cb.consecutiveFailures,
		"cooldown_until", cb.cooldownUntil)

	if cb.onTrip != nil {
		go cb.onTrip(reason, cb.statusLocked())
	}
}

// OnTrip registers a callback run asynchronously every time the breaker opens
func (cb *CircuitBreaker) OnTrip(fn func(reason string, status BreakerStatus)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = fn
}

// IsOpen reports whether trading is halted, closing the breaker if its cooldown has elapsed
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if !cb.now().Before(cb.cooldownUntil) {
			cb.state = CircuitClosed
			cb.consecutiveFailures = 0
			cb.cooldownUntil = time.Time{}
			cb.logger.Info("Circuit breaker cooldown elapsed, trading resumed")
			return false
		}
		return true
	}
	return false
}

// Reset manually closes the breaker
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = CircuitClosed
	cb.consecutiveFailures = 0
	cb.cooldownUntil = time.Time{}
	cb.logger.Warn("Circuit breaker manually reset")
}

// Open manually trips the circuit breaker
func (cb *CircuitBreaker) Open(reason string) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.trip(reason)
}

func (cb *CircuitBreaker) Status() BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statusLocked()
}

func (cb *CircuitBreaker) statusLocked() BreakerStatus {
	return BreakerStatus{
		State:               cb.state,
		StateName:           cb.state.String(),
		ConsecutiveFailures: cb.consecutiveFailures,
		CooldownUntil:       cb.cooldownUntil,
		Trips:               cb.trips,
	}
}

// RegisterMetrics exports the breaker state as a 0/1 gauge
func (cb *CircuitBreaker) RegisterMetrics(meter metric.Meter) {
	telemetry.Int64Gauge(meter, telemetry.MetricCircuitBreakerOpen, "Circuit breaker state (1 = open)", func() int64 {
		if cb.Status().State == CircuitOpen {
			return 1
		}
		return 0
	})
}
