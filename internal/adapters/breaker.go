package adapters

import (
	"errors"
	"log"
	"sync"
	"time"
)

// ErrCircuitOpen reports a call refused because the breaker for that
// (tenant, adapter) pair is open. Classified Transient: the retry backoff
// naturally waits out the open window.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "CLOSED"
	case breakerOpen:
		return "OPEN"
	case breakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	breakerTripAfter   = 5                // consecutive failures in closed state
	breakerOpenFor     = 60 * time.Second // open → half-open
	breakerProbeQuota  = 2                // allowed requests in half-open
)

// breaker is a per-(tenant, adapter) circuit breaker.
type breaker struct {
	mu           sync.Mutex
	name         string
	state        breakerState
	consecFails  int
	probes       int
	openedAt     time.Time
	logger       *log.Logger
}

// breakerSet lazily creates breakers by key.
type breakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	logger   *log.Logger
}

func newBreakerSet() *breakerSet {
	return &breakerSet{
		breakers: make(map[string]*breaker),
		logger:   log.New(log.Writer(), "[BREAKER] ", log.LstdFlags),
	}
}

func (s *breakerSet) get(key string) *breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{name: key, logger: s.logger}
		s.breakers[key] = b
	}
	return b
}

// allow reports whether a call may proceed, moving open → half-open after
// the cool-down.
func (b *breaker) allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerOpen:
		if now.Sub(b.openedAt) < breakerOpenFor {
			return ErrCircuitOpen
		}
		b.setState(breakerHalfOpen)
		b.probes = 0
		fallthrough
	case breakerHalfOpen:
		if b.probes >= breakerProbeQuota {
			return ErrCircuitOpen
		}
		b.probes++
	}
	return nil
}

func (b *breaker) record(now time.Time, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecFails = 0
		if b.state != breakerClosed {
			b.setState(breakerClosed)
		}
		return
	}

	b.consecFails++
	switch b.state {
	case breakerHalfOpen:
		b.openedAt = now
		b.setState(breakerOpen)
	case breakerClosed:
		if b.consecFails >= breakerTripAfter {
			b.openedAt = now
			b.setState(breakerOpen)
		}
	}
}

func (b *breaker) setState(next breakerState) {
	if b.state == next {
		return
	}
	b.logger.Printf("⚠️ %s: %s → %s", b.name, b.state, next)
	b.state = next
}
