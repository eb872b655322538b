package engine

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the executor circuit breaker is open and
// rejects dispatches to keep a failing executor from being hammered.
// Breaker rejections count as transient executor failures for retry
// purposes.
var ErrCircuitOpen = errors.New("executor circuit breaker is open")

// BreakerConfig holds the executor circuit breaker settings.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive executor failures required to
	// trip the circuit. Default: 5.
	MaxFailures uint32

	// Timeout is how long the circuit stays open before allowing probe
	// dispatches. Default: 30 seconds.
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of successful probes required to
	// close the circuit again. Default: 2.
	HalfOpenMaxSuccesses uint32
}

// defaults fills zero fields.
func (c BreakerConfig) defaults() BreakerConfig {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.HalfOpenMaxSuccesses == 0 {
		c.HalfOpenMaxSuccesses = 2
	}
	return c
}

// executorBreaker wraps gobreaker around Executor.Execute calls so a
// persistently failing executor trips open instead of burning every task's
// retry budget at once.
type executorBreaker struct {
	breaker *gobreaker.CircuitBreaker
}

func newExecutorBreaker(cfg BreakerConfig) *executorBreaker {
	cfg = cfg.defaults()
	settings := gobreaker.Settings{
		Name:        "ExecutorBreaker",
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
	}
	return &executorBreaker{breaker: gobreaker.NewCircuitBreaker(settings)}
}

// do runs fn through the breaker, translating gobreaker's open/half-open
// rejections into ErrCircuitOpen.
func (b *executorBreaker) do(fn func() (*ExecutionResult, error)) (*ExecutionResult, error) {
	res, err := b.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrCircuitOpen
		}
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.(*ExecutionResult), nil
}

// state exposes the breaker state for logging and tests.
func (b *executorBreaker) state() gobreaker.State { return b.breaker.State() }
