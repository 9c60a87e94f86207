package internal

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrBreakerOpen is returned by Execute while the breaker is open.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// Breaker stops calling a failing dependency after threshold consecutive
// failures. Once cooldown has elapsed it lets a single trial call through;
// other callers get ErrBreakerOpen until that call returns.
type Breaker struct {
	mu sync.Mutex

	state     BreakerState
	threshold int
	cooldown  time.Duration
	failures  int
	openedAt  time.Time
	trial     bool
	now       func() time.Time

	// Counts reports whether an error should count as a failure. Nil counts all errors.
	Counts func(error) bool

	OnStateChange func(BreakerState)
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current state, reporting half-open once the cooldown has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current()
}

func (b *Breaker) current() BreakerState {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}

// Execute runs fn unless the breaker is open or a half-open trial call is
// already in flight.
func (b *Breaker) Execute(fn func() error) error {
	b.mu.Lock()
	trial := false
	switch b.current() {
	case BreakerOpen:
		b.mu.Unlock()
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.trial {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		b.trial = true
		trial = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.trial = false
	}
	if err != nil && (b.Counts == nil || b.Counts(err)) {
		b.failures++
		if trial || b.failures >= b.threshold {
			b.openedAt = b.now()
			b.set(BreakerOpen)
		}
		return err
	}
	b.failures = 0
	b.set(BreakerClosed)
	return err
}

func (b *Breaker) set(state BreakerState) {
	if b.state == state {
		return
	}
	b.state = state
	if b.OnStateChange != nil {
		b.OnStateChange(state)
	}
}
