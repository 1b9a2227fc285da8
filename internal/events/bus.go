package events

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBufferSize is the per-subscription buffer used when none is configured.
const DefaultBufferSize = 256

// Bus is an in-process publish/subscribe hub. Publish never blocks: every
// subscription has its own bounded buffer and events that do not fit are
// dropped for that subscription only. Each subscription sees events in
// publish order.
type Bus struct {
	mu         sync.RWMutex
	subs       map[*Subscription]struct{}
	bufferSize int
	closed     bool
	logger     *slog.Logger
}

// NewBus creates a bus whose subscriptions buffer up to bufferSize events.
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
		logger:     logger.With("component", "event_bus"),
	}
}

// Subscription is one subscriber's view of the bus.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	types   map[Type]bool
	dropped atomic.Uint64
	once    sync.Once
	done    chan struct{}
	handled bool
}

// Subscribe registers a subscriber for the given event types, or for all
// types when none are given.
func (b *Bus) Subscribe(types ...Type) *Subscription {
	return b.subscribe(false, types)
}

func (b *Bus) subscribe(handled bool, types []Type) *Subscription {
	sub := &Subscription{
		bus:     b,
		ch:      make(chan Event, b.bufferSize),
		done:    make(chan struct{}),
		handled: handled,
	}
	if len(types) > 0 {
		sub.types = make(map[Type]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeChannel()
		return sub
	}
	b.subs[sub] = struct{}{}
	b.logger.Debug("subscription added", "subscriber_count", len(b.subs))
	return sub
}

// Handle subscribes fn to the given event types. fn runs on a dedicated
// goroutine, one event at a time; a panic in fn is logged and the next
// event is delivered as usual.
func (b *Bus) Handle(fn func(Event), types ...Type) *Subscription {
	sub := b.subscribe(true, types)
	go func() {
		defer close(sub.done)
		for e := range sub.ch {
			b.dispatch(fn, e)
		}
	}()
	return sub
}

func (b *Bus) dispatch(fn func(Event), e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"error", fmt.Sprintf("%v", r),
				"event_type", e.Type,
				"event_id", e.ID)
		}
	}()
	fn(e)
}

// Publish delivers e to every matching subscription without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for sub := range b.subs {
		if sub.types != nil && !sub.types[e.Type] {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			n := sub.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, dropping event",
				"event_type", e.Type,
				"event_id", e.ID,
				"dropped_total", n)
		}
	}
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.closeChannel()
	}
}

// C returns the channel events are delivered on. It is closed when the
// subscription or the bus is closed. Subscriptions created with Handle are
// drained by their handler goroutine.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus and closes its channel.
// Buffered events remain readable.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.closeChannel()
}

// Done is closed once a Handle subscription has processed its last event.
// For plain subscriptions it is closed together with the channel.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) closeChannel() {
	s.once.Do(func() {
		close(s.ch)
		if !s.handled {
			close(s.done)
		}
	})
}
