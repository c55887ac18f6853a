package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"solarchat/internal/metrics"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker stops calling a failing backend for a cooldown period. After the
// cooldown a limited number of probe calls decide whether to close again.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	maxProbes   int
	isFailure   func(error) bool
	logger      *logrus.Logger
	now         func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probes    int
	successes int
	requests  int
}

// New creates a breaker that opens after maxFailures consecutive failures
func New(name string, maxFailures, maxProbes int, cooldown time.Duration, logger *logrus.Logger) *Breaker {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	if maxFailures < 1 {
		maxFailures = 1
	}
	if maxProbes < 1 {
		maxProbes = 1
	}
	return &Breaker{
		name:        name,
		maxFailures: maxFailures,
		cooldown:    cooldown,
		maxProbes:   maxProbes,
		isFailure:   func(err error) bool { return err != nil },
		logger:      logger,
		now:         time.Now,
	}
}

// WithFailurePredicate limits which errors count towards opening the breaker.
// Errors the predicate rejects are returned to the caller but leave the state alone.
func (b *Breaker) WithFailurePredicate(fn func(error) bool) *Breaker {
	b.isFailure = fn
	return b
}

// Execute runs fn unless the breaker is open
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cooldown {
			return &OpenError{Name: b.name, State: b.state}
		}
		b.state = StateHalfOpen
		b.probes = 0
		b.successes = 0
		b.logger.WithField("circuit_breaker", b.name).Info("Circuit breaker half-open, probing backend")
	}

	if b.state == StateHalfOpen {
		if b.probes >= b.maxProbes {
			return &OpenError{Name: b.name, State: b.state}
		}
		b.probes++
	}
	b.requests++
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	failed := err != nil && b.isFailure(err)

	switch b.state {
	case StateClosed:
		if failed {
			b.failures++
			if b.failures >= b.maxFailures {
				b.tripLocked()
			}
		} else if err == nil {
			b.failures = 0
		}
	case StateHalfOpen:
		switch {
		case failed:
			b.tripLocked()
		case err == nil:
			b.successes++
			if b.successes >= b.maxProbes {
				b.closeLocked()
			}
		default:
			b.probes--
		}
	}
}

func (b *Breaker) tripLocked() {
	b.state = StateOpen
	b.openedAt = b.now()
	metrics.IncrementCounter(metrics.BackendBreakerTrips, map[string]string{"breaker": b.name}, "Circuit breaker trips")
	metrics.SetGauge(metrics.BackendBreakerOpen, 1, map[string]string{"breaker": b.name}, "Circuit breaker open")
	b.logger.WithFields(logrus.Fields{
		"circuit_breaker": b.name,
		"failures":        b.failures,
		"cooldown":        b.cooldown.String(),
	}).Warn("Circuit breaker opened")
}

func (b *Breaker) closeLocked() {
	b.state = StateClosed
	b.failures = 0
	b.probes = 0
	b.successes = 0
	metrics.SetGauge(metrics.BackendBreakerOpen, 0, map[string]string{"breaker": b.name}, "Circuit breaker open")
	b.logger.WithField("circuit_breaker", b.name).Info("Circuit breaker closed after successful probes")
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next call probes the backend.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats is a snapshot of breaker counters
type Stats struct {
	Name     string
	State    State
	Failures int
	Requests int
	OpenedAt time.Time
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:     b.name,
		State:    b.state,
		Failures: b.failures,
		Requests: b.requests,
		OpenedAt: b.openedAt,
	}
}

// OpenError is returned without calling the backend while the breaker is open
type OpenError struct {
	Name  string
	State State
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

// IsOpenError reports whether err was caused by an open breaker
func IsOpenError(err error) bool {
	var openErr *OpenError
	return errors.As(err, &openErr)
}
