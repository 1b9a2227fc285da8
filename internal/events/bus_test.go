package events

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C():
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBusDeliversInPublishOrder(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())
	defer bus.Close()
	sub := bus.Subscribe()

	bus.Publish(New(TypeClaim, "task-1", nil, nil))
	bus.Publish(New(TypeMarkRunning, "task-1", nil, nil))
	bus.Publish(NewError(TypeRun, "task-1", errors.New("boom"), nil, nil))

	assert.Equal(t, TypeClaim, receive(t, sub).Type)
	assert.Equal(t, TypeMarkRunning, receive(t, sub).Type)
	run := receive(t, sub)
	assert.Equal(t, TypeRun, run.Type)
	assert.False(t, run.OK())
}

func TestBusFiltersByType(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())
	defer bus.Close()
	runs := bus.Subscribe(TypeRun)
	all := bus.Subscribe()

	bus.Publish(Stat(StatLoad, 50))
	bus.Publish(New(TypeRun, "task-1", nil, nil))

	assert.Equal(t, TypeRun, receive(t, runs).Type)
	assert.Equal(t, TypeStat, receive(t, all).Type)
	assert.Equal(t, TypeRun, receive(t, all).Type)
	assert.Len(t, runs.C(), 0)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	t.Parallel()

	bus := NewBus(2, testLogger())
	defer bus.Close()
	slow := bus.Subscribe()
	fast := bus.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			bus.Publish(Stat(StatLoad, float64(i)))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}

	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Equal(t, uint64(3), fast.Dropped())
	// the buffered events are the oldest ones
	assert.Equal(t, float64(0), receive(t, slow).Payload)
	assert.Equal(t, float64(1), receive(t, slow).Payload)
}

func TestBusHandleRecoversFromPanics(t *testing.T) {
	t.Parallel()

	bus := NewBus(16, testLogger())

	var mu sync.Mutex
	var seen []string
	sub := bus.Handle(func(e Event) {
		if e.ID == "bad" {
			panic("subscriber bug")
		}
		mu.Lock()
		seen = append(seen, e.ID)
		mu.Unlock()
	}, TypeRun)

	other := bus.Subscribe(TypeRun)

	bus.Publish(New(TypeRun, "first", nil, nil))
	bus.Publish(New(TypeRun, "bad", nil, nil))
	bus.Publish(New(TypeRun, "last", nil, nil))

	assert.Equal(t, "first", receive(t, other).ID)
	assert.Equal(t, "bad", receive(t, other).ID)
	assert.Equal(t, "last", receive(t, other).ID)

	bus.Close()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("handler goroutine did not exit")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "last"}, seen)
}

func TestSubscriptionClose(t *testing.T) {
	t.Parallel()

	bus := NewBus(4, testLogger())
	sub := bus.Subscribe()
	bus.Publish(New(TypeClaim, "task-1", nil, nil))
	sub.Close()
	sub.Close()

	// buffered events survive close
	e, ok := <-sub.C()
	assert.True(t, ok)
	assert.Equal(t, "task-1", e.ID)
	_, ok = <-sub.C()
	assert.False(t, ok)
	<-sub.Done()

	// publishing after the subscriber left must not panic
	bus.Publish(New(TypeClaim, "task-2", nil, nil))
	bus.Close()
	bus.Close()
	bus.Publish(New(TypeClaim, "task-3", nil, nil))

	late := bus.Subscribe()
	_, ok = <-late.C()
	assert.False(t, ok)
}

func TestTimingDuration(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timing := Timing{Start: start, Stop: start.Add(1500 * time.Millisecond)}
	assert.Equal(t, 1500*time.Millisecond, timing.Duration())

	var got []Event
	p := PublisherFunc(func(e Event) { got = append(got, e) })
	p.Publish(Stat(StatRunDelay, 12))
	Discard.Publish(Stat(StatRunDelay, 12))
	require.Len(t, got, 1)
	assert.Equal(t, StatRunDelay, got[0].ID)
}
