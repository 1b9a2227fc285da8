package task

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
)

// Claimer takes ownership of due tasks.
type Claimer interface {
	Claim(ctx context.Context, capacity int) (ClaimBatch, error)
}

// Pool accepts claimed tasks for execution.
type Pool interface {
	Submit(t *Task) error
	AvailableSlots() int
	WorkerCount() int
}

// PollerConfig configures a Poller.
type PollerConfig struct {
	// PollInterval is the time between the end of one cycle and the start of the next.
	PollInterval time.Duration
	// MaxPollInterval caps the interval while the store keeps failing.
	MaxPollInterval time.Duration
	// BatchSize caps the tasks claimed per cycle.
	BatchSize int
}

// DefaultPollerConfig returns a PollerConfig with reasonable defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		PollInterval:    3 * time.Second,
		MaxPollInterval: time.Minute,
		BatchSize:       10,
	}
}

// Poller drives claim cycles from a single goroutine, so cycles never
// overlap. A cycle runs every PollInterval or right after Poke.
type Poller struct {
	claimer   Claimer
	pool      Pool
	publisher events.Publisher
	clock     Clock
	config    PollerConfig
	logger    *slog.Logger

	poke chan struct{}
	stop chan struct{}
	done chan struct{}

	mu        sync.Mutex
	started   bool
	stopped   bool
	lastCycle time.Time
	interval  time.Duration
}

// NewPoller creates a Poller.
func NewPoller(
	claimer Claimer,
	pool Pool,
	publisher events.Publisher,
	clock Clock,
	config PollerConfig,
	logger *slog.Logger,
) *Poller {
	defaults := DefaultPollerConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}

	return &Poller{
		claimer:   claimer,
		pool:      pool,
		publisher: publisher,
		clock:     clock,
		config:    config,
		logger:    logger.With("component", "poller"),
		poke:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		interval:  config.PollInterval,
	}
}

// Start launches the polling goroutine. The first cycle runs immediately.
// Cancelling ctx suppresses further cycles like Stop does; the in-flight
// cycle still finishes claiming.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return ErrAlreadyStarted
	}
	p.started = true

	go p.loop(ctx)
	p.logger.Info("poller started",
		"poll_interval", p.config.PollInterval,
		"batch_size", p.config.BatchSize)
	return nil
}

// Poke requests a cycle as soon as the current one, if any, finishes.
// Pokes that arrive while one is already pending are merged.
func (p *Poller) Poke() {
	select {
	case p.poke <- struct{}{}:
	default:
	}
}

// Stop suppresses further cycles and waits for the in-flight cycle, if
// any, to finish claiming and hand its tasks to the pool.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	<-p.done
	p.logger.Info("poller stopped")
}

// Interval returns the current delay between cycles.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	cycleCtx := context.WithoutCancel(ctx)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-p.poke:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		// Stop may have raced with the tick; it wins.
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		err := p.RunCycle(cycleCtx)
		timer.Reset(p.nextInterval(err))
	}
}

// nextInterval doubles the interval after a failed cycle, up to
// MaxPollInterval, and resets it after a successful one.
func (p *Poller) nextInterval(err error) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err == nil {
		p.interval = p.config.PollInterval
		return p.interval
	}

	p.interval *= 2
	if p.interval > p.config.MaxPollInterval {
		p.interval = p.config.MaxPollInterval
	}
	p.logger.Warn("polling cycle failed, backing off",
		"error", err,
		"next_interval", p.interval)
	return p.interval
}

// RunCycle performs one claim cycle and hands the claimed tasks to the
// pool. The loop calls it on every tick; it is exported for callers that
// drive cycles themselves.
func (p *Poller) RunCycle(ctx context.Context) error {
	start := p.clock.Now()

	p.mu.Lock()
	if !p.lastCycle.IsZero() {
		p.publisher.Publish(events.Stat(events.StatPollingDelay, millis(start.Sub(p.lastCycle))))
	}
	p.lastCycle = start
	p.mu.Unlock()

	workers := p.pool.WorkerCount()
	available := p.pool.AvailableSlots()
	if workers > 0 {
		p.publisher.Publish(events.Stat(events.StatWorkerUtilization, float64(workers-available)/float64(workers)))
	}

	capacity := min(p.config.BatchSize, available)
	if capacity <= 0 {
		p.logger.Debug("no worker capacity, skipping claim")
		batch := ClaimBatch{Timing: events.Timing{Start: start, Stop: p.clock.Now()}}
		p.publisher.Publish(events.New(events.TypePollingCycle, "", batch, &batch.Timing))
		p.publishLoad()
		return nil
	}

	batch, err := p.claimer.Claim(ctx, capacity)
	for _, t := range batch.Claimed {
		if subErr := p.pool.Submit(t); subErr != nil {
			p.logger.Error("failed to hand claimed task to worker pool, task left for reclaim",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", subErr)
		}
	}

	p.publisher.Publish(events.Stat(events.StatClaimDuration, millis(batch.Timing.Duration())))
	p.publishLoad()

	timing := &events.Timing{Start: start, Stop: p.clock.Now()}
	if err != nil {
		var perr *PollingError
		if !errors.As(err, &perr) {
			err = &PollingError{Op: "claim", Err: err}
		}
		p.publisher.Publish(events.NewError(events.TypePollingCycle, "", err, batch, timing))
		return err
	}

	if batch.ClaimedCount() > 0 || batch.ConflictCount() > 0 {
		p.logger.Debug("polling cycle claimed tasks",
			"claimed", batch.ClaimedCount(),
			"conflicts", batch.ConflictCount(),
			"capacity", capacity)
	}
	p.publisher.Publish(events.New(events.TypePollingCycle, "", batch, timing))
	return nil
}

func (p *Poller) publishLoad() {
	workers := p.pool.WorkerCount()
	if workers <= 0 {
		return
	}
	used := workers - p.pool.AvailableSlots()
	p.publisher.Publish(events.Stat(events.StatLoad, 100*float64(used)/float64(workers)))
}
