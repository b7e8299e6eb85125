// Package events delivers committed domain events to interested engines.
//
// The bus is in-process and ordered: events from one transaction are
// delivered in staged order, and events for one aggregate arrive in commit
// order. Engine handlers run synchronously on Publish so ordering holds;
// channel subscribers (the websocket stream) get best-effort fan-out.
package events

import (
	"context"
	"log"
	"sync"

	"github.com/disputeworks/core/internal/domain"
)

// Handler reacts to a committed domain event. Handlers run synchronously on
// the publishing goroutine: they may open new transactions (deadline inserts,
// trigger bookkeeping) but must stay fast; slow side effects go through the
// task queue.
type Handler func(ctx context.Context, ev *domain.Event)

// Publisher is the narrow interface the persistence gateway needs.
type Publisher interface {
	Publish(ctx context.Context, evs []*domain.Event)
}

// Bus is the in-process event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler // event type -> handlers
	allHands []Handler
	subs     []chan *domain.Event // fan-out channels (websocket stream)
	logger   *log.Logger
	bufSize  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		logger:   log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufSize:  256,
	}
}

// Register attaches a handler for specific event types, or for all events
// when no types are given. Registration happens at wiring time, before any
// Publish.
func (b *Bus) Register(h Handler, eventTypes ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(eventTypes) == 0 {
		b.allHands = append(b.allHands, h)
		return
	}
	for _, et := range eventTypes {
		b.handlers[et] = append(b.handlers[et], h)
	}
}

// Subscribe returns a channel receiving every published event. Slow
// consumers are skipped, not blocked on; the durable log is the source of
// truth for anyone who must not miss events.
func (b *Bus) Subscribe() chan *domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *domain.Event, b.bufSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	filtered := b.subs[:0]
	for _, s := range b.subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.subs = filtered
	close(ch)
}

// Publish delivers committed events in order. Called by the persistence
// gateway after its transaction commits, with the staged order preserved.
func (b *Bus) Publish(ctx context.Context, evs []*domain.Event) {
	for _, ev := range evs {
		b.dispatch(ctx, ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev *domain.Event) {
	b.mu.RLock()
	typed := b.handlers[ev.Type]
	all := b.allHands
	subs := b.subs
	b.mu.RUnlock()

	for _, h := range typed {
		h(ctx, ev)
	}
	for _, h := range all {
		h(ctx, ev)
	}

	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Channel full, skip
		}
	}
}
