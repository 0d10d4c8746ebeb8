package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Keksclan/goRawrCache/cacheerr"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	Closed BreakerState = iota
	Open
	HalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is wrapped in the RemoteUnavailableError returned while the
// breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit open")

// BreakerConfig holds the circuit breaker parameters.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive retryable failures in
	// Closed state before the breaker opens.
	FailureThreshold int `yaml:"failureThreshold"`

	// OpenTimeout is how long the breaker stays Open before letting probes
	// through.
	OpenTimeout time.Duration `yaml:"openTimeout"`

	// HalfOpenMaxSuccess is the number of consecutive successful probes
	// required to close the breaker again.
	HalfOpenMaxSuccess int `yaml:"halfOpenMaxSuccess"`
}

// Breaker is a circuit breaker shared by every call through the middleware
// it backs. All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	cfg BreakerConfig

	state     BreakerState
	failures  int // consecutive failures in Closed
	successes int // consecutive successes in HalfOpen
	openedAt  time.Time
	nowFunc   func() time.Time
}

// NewBreaker creates a Breaker. Non-positive thresholds default to 1.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg.FailureThreshold = max(cfg.FailureThreshold, 1)
	cfg.HalfOpenMaxSuccess = max(cfg.HalfOpenMaxSuccess, 1)
	return &Breaker{cfg: cfg, state: Closed, nowFunc: time.Now}
}

// State returns the current state. An Open breaker whose timeout has
// elapsed reports HalfOpen.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpenTimeout()
	return b.state
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkOpenTimeout()

	switch b.state {
	case Closed:
		return true
	case HalfOpen:
		return b.successes < b.cfg.HalfOpenMaxSuccess
	default:
		return false
	}
}

// OnSuccess records a call the remote answered.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMaxSuccess {
			b.state = Closed
			b.failures = 0
			b.successes = 0
		}
	}
}

// OnFailure records a call that failed with a retryable error.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.toOpen()
		}
	case HalfOpen:
		b.toOpen()
	}
}

// checkOpenTimeout must be called with b.mu held.
func (b *Breaker) checkOpenTimeout() {
	if b.state == Open && b.nowFunc().Sub(b.openedAt) >= b.cfg.OpenTimeout {
		b.state = HalfOpen
		b.successes = 0
	}
}

func (b *Breaker) toOpen() {
	b.state = Open
	b.openedAt = b.nowFunc()
	b.successes = 0
}

// WithBreaker fails calls fast while b is open. Only retryable failures
// count against the breaker: a NotFound is a healthy answer.
func WithBreaker(b *Breaker) Middleware {
	return func(next Source) Source {
		return Guarded(next, func(ctx context.Context, op string, call func(context.Context) error) error {
			if !b.Allow() {
				return &cacheerr.RemoteUnavailableError{Op: op, Err: ErrCircuitOpen}
			}
			err := call(ctx)
			if err != nil && cacheerr.IsRetryable(Classify(op, err)) {
				b.OnFailure()
			} else {
				b.OnSuccess()
			}
			return err
		})
	}
}
