package monitoring

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/task"
)

// MetricID is the ID of the metric events published by a Collector.
const MetricID = "task_manager"

// DefaultInterval is used when no positive publish interval is configured.
const DefaultInterval = time.Minute

// observed lists the event types a Collector aggregates.
var observed = []events.Type{
	events.TypeRun,
	events.TypeMarkRunning,
	events.TypeRunRequest,
	events.TypePollingCycle,
	events.TypeStat,
}

// Collector aggregates lifecycle events. Feed it with Observe, or let
// Start subscribe it to a bus.
type Collector struct {
	publisher events.Publisher
	clock     task.Clock
	interval  time.Duration
	logger    *slog.Logger

	mu   sync.Mutex
	snap Snapshot

	lifecycle sync.Mutex
	sub       *events.Subscription
	stop      chan struct{}
	done      chan struct{}
}

// NewCollector creates a Collector that publishes a metric event to
// publisher every interval once started.
func NewCollector(publisher events.Publisher, clock task.Clock, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if clock == nil {
		clock = task.SystemClock{}
	}
	return &Collector{
		publisher: publisher,
		clock:     clock,
		interval:  interval,
		logger:    logger.With("component", "monitoring"),
		snap: Snapshot{
			Runs:              make(map[string]RunStats),
			PollingErrorsByOp: make(map[string]int64),
			Stats:             make(map[string]Measure),
		},
	}
}

// Start subscribes to bus and begins periodic publishing. It is a no-op
// when already started.
func (c *Collector) Start(bus *events.Bus) {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.sub != nil {
		return
	}

	c.sub = bus.Handle(c.Observe, observed...)
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.loop(c.stop, c.done)
	c.logger.Debug("collector started", "interval", c.interval)
}

// Stop unsubscribes and stops publishing. A final metric event is
// published with the last snapshot.
func (c *Collector) Stop() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	if c.sub == nil {
		return
	}

	c.sub.Close()
	<-c.sub.Done()
	close(c.stop)
	<-c.done
	c.sub = nil
	c.publish()
}

func (c *Collector) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.publish()
		}
	}
}

func (c *Collector) publish() {
	snap := c.Snapshot()
	c.publisher.Publish(events.New(events.TypeMetric, MetricID, snap, nil))
	c.logger.Debug("published task manager metrics",
		"polling_cycles", snap.PollingCycles,
		"polling_errors", snap.PollingErrors,
		"claimed", snap.Claims.Claimed)
}

// Snapshot returns a copy of the current statistics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snap.clone()
	snap.CollectedAt = c.clock.Now()
	return snap
}

// Reset clears every counter and measure.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.snap.Runs)
	clear(c.snap.PollingErrorsByOp)
	clear(c.snap.Stats)
	c.snap = Snapshot{
		Runs:              c.snap.Runs,
		PollingErrorsByOp: c.snap.PollingErrorsByOp,
		Stats:             c.snap.Stats,
	}
}

// Observe folds one event into the statistics. Events of other types are
// ignored.
func (c *Collector) Observe(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch e.Type {
	case events.TypeRun:
		c.observeRun(e)
	case events.TypeMarkRunning:
		if !e.OK() {
			c.snap.MarkRunningErrors++
		}
	case events.TypeRunRequest:
		c.snap.RunRequests++
		if !e.OK() {
			c.snap.RunRequestErrors++
		}
	case events.TypePollingCycle:
		c.observePollingCycle(e)
	case events.TypeStat:
		v, ok := e.Payload.(float64)
		if !ok {
			return
		}
		m := c.snap.Stats[e.ID]
		m.add(v)
		c.snap.Stats[e.ID] = m
	}
}

func (c *Collector) observeRun(e events.Event) {
	res, ok := e.Payload.(task.RunResult)
	if !ok || res.Task == nil {
		return
	}

	stats := c.snap.Runs[res.Task.Type]
	switch res.Outcome {
	case task.OutcomeSuccess:
		stats.Success++
	case task.OutcomeRescheduled:
		stats.Rescheduled++
	case task.OutcomeRetryScheduled:
		stats.RetryScheduled++
	case task.OutcomeFailed:
		stats.Failed++
	case task.OutcomeExpired:
		stats.Expired++
	default:
		stats.Abandoned++
	}
	if !e.OK() {
		stats.Errors++
	}
	c.snap.Runs[res.Task.Type] = stats
}

func (c *Collector) observePollingCycle(e events.Event) {
	c.snap.PollingCycles++
	if batch, ok := e.Payload.(task.ClaimBatch); ok {
		c.snap.Claims.Claimed += int64(batch.ClaimedCount())
		c.snap.Claims.Conflicts += int64(batch.ConflictCount())
		c.snap.Claims.Unrecognized += int64(batch.UnrecognizedCount())
		c.snap.Claims.Exhausted += int64(len(batch.Exhausted))
	}
	if e.OK() {
		return
	}

	c.snap.PollingErrors++
	op := "unknown"
	var perr *task.PollingError
	if errors.As(e.Err, &perr) {
		op = perr.Op
	}
	c.snap.PollingErrorsByOp[op]++
}
