package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/taskmanager/internal/events"
	"github.com/phrazzld/taskmanager/internal/store"
	"github.com/sethvargo/go-retry"
)

// ClaimBatch is the result of one claim cycle. It is never persisted.
type ClaimBatch struct {
	// Claimed holds the tasks now owned by this node, in claim order.
	Claimed []*Task
	// Conflicts lists candidates another writer changed first.
	Conflicts []string
	// Unrecognized lists candidates whose type has no handler.
	Unrecognized []string
	// Exhausted lists stale candidates that were failed instead of claimed.
	Exhausted []string
	// Capacity is how many tasks the cycle was allowed to claim.
	Capacity int
	Timing   events.Timing
}

// ClaimedCount returns the number of claimed tasks.
func (b ClaimBatch) ClaimedCount() int { return len(b.Claimed) }

// ConflictCount returns the number of candidates lost to contention.
func (b ClaimBatch) ConflictCount() int { return len(b.Conflicts) }

// UnrecognizedCount returns the number of candidates marked unrecognized.
func (b ClaimBatch) UnrecognizedCount() int { return len(b.Unrecognized) }

// IDs returns the ids of the claimed tasks.
func (b ClaimBatch) IDs() []string {
	ids := make([]string, len(b.Claimed))
	for i, t := range b.Claimed {
		ids[i] = t.ID
	}
	return ids
}

// ClaimConfig configures a ClaimStrategy.
type ClaimConfig struct {
	// NodeID identifies this node as a task owner.
	NodeID string
	// LivenessTimeout is how long a claim is honoured before another node
	// may take the task over.
	LivenessTimeout time.Duration
	// CandidateMultiplier sizes the candidate query relative to capacity.
	CandidateMultiplier int
	// StoreRetries bounds retries of transient query failures.
	StoreRetries int
	// StoreRetryBase is the first retry delay; later delays double.
	StoreRetryBase time.Duration
}

// DefaultClaimConfig returns a ClaimConfig with reasonable defaults.
func DefaultClaimConfig() ClaimConfig {
	return ClaimConfig{
		LivenessTimeout:     5 * time.Minute,
		CandidateMultiplier: 4,
		StoreRetries:        3,
		StoreRetryBase:      100 * time.Millisecond,
	}
}

// ClaimStrategy selects due tasks and takes ownership of them with
// conditional writes, so concurrent nodes never own the same task.
type ClaimStrategy struct {
	store     Store
	registry  *HandlerRegistry
	retry     *RetryScheduler
	publisher events.Publisher
	clock     Clock
	config    ClaimConfig
	logger    *slog.Logger
}

// NewClaimStrategy creates a ClaimStrategy.
func NewClaimStrategy(
	s Store,
	registry *HandlerRegistry,
	retry *RetryScheduler,
	publisher events.Publisher,
	clock Clock,
	config ClaimConfig,
	logger *slog.Logger,
) *ClaimStrategy {
	defaults := DefaultClaimConfig()
	if config.LivenessTimeout <= 0 {
		config.LivenessTimeout = defaults.LivenessTimeout
	}
	if config.CandidateMultiplier <= 0 {
		config.CandidateMultiplier = defaults.CandidateMultiplier
	}
	if config.StoreRetryBase <= 0 {
		config.StoreRetryBase = defaults.StoreRetryBase
	}
	if config.StoreRetries < 0 {
		config.StoreRetries = 0
	}

	return &ClaimStrategy{
		store:     s,
		registry:  registry,
		retry:     retry,
		publisher: publisher,
		clock:     clock,
		config:    config,
		logger:    logger.With("component", "claim_strategy", "node_id", config.NodeID),
	}
}

// Claim takes ownership of up to capacity due tasks.
//
// Candidates are read oldest first (RunAt, then ID) and claimed one at a
// time. A candidate that changed since it was read is skipped and stays
// eligible for the next cycle. A store failure aborts the cycle with a
// *PollingError; claims committed before the failure are kept and returned.
func (c *ClaimStrategy) Claim(ctx context.Context, capacity int) (ClaimBatch, error) {
	start := c.clock.Now()
	batch := ClaimBatch{Capacity: capacity}
	finish := func() {
		batch.Timing = events.Timing{Start: start, Stop: c.clock.Now()}
	}

	if capacity <= 0 {
		finish()
		return batch, nil
	}

	candidates, err := c.candidates(ctx, start, capacity*c.config.CandidateMultiplier)
	if err != nil {
		finish()
		return batch, &PollingError{Op: "query", Err: err}
	}

	for _, cand := range candidates {
		if len(batch.Claimed) >= capacity {
			break
		}

		now := c.clock.Now()
		logger := c.logger.With("task_id", cand.ID, "task_type", cand.Type)

		if _, ok := c.registry.Lookup(cand.Type); !ok {
			if err := c.markUnrecognized(ctx, cand, now); err != nil {
				if c.abortOn(err) {
					finish()
					return batch, &PollingError{Op: "mark_unrecognized", Err: err}
				}
				logger.Debug("failed to mark task unrecognized", "error", err)
				continue
			}
			logger.Warn("task type has no registered handler, marked unrecognized")
			batch.Unrecognized = append(batch.Unrecognized, cand.ID)
			continue
		}

		if cand.Status.Owned() && cand.Attempts >= c.retry.MaxAttempts(cand.Type) {
			if err := c.finalise(ctx, cand, now); err != nil {
				if c.abortOn(err) {
					finish()
					return batch, &PollingError{Op: "finalise", Err: err}
				}
				logger.Debug("failed to finalise exhausted task", "error", err)
				continue
			}
			logger.Warn("stale task exhausted its attempts, marked failed",
				"previous_owner", cand.Owner,
				"attempts", cand.Attempts)
			batch.Exhausted = append(batch.Exhausted, cand.ID)
			continue
		}

		claimed, err := c.claimOne(ctx, cand, now)
		if err != nil {
			if c.abortOn(err) {
				finish()
				return batch, &PollingError{Op: "claim", Err: err}
			}
			logger.Debug("lost claim race", "error", err)
			batch.Conflicts = append(batch.Conflicts, cand.ID)
			c.publisher.Publish(events.NewError(events.TypeClaim, cand.ID, store.ErrVersionConflict, cand,
				&events.Timing{Start: start, Stop: c.clock.Now()}))
			continue
		}

		if cand.Status.Owned() {
			logger.Info("reclaimed task from stale owner", "previous_owner", cand.Owner)
		}
		batch.Claimed = append(batch.Claimed, claimed)
		c.publisher.Publish(events.New(events.TypeClaim, claimed.ID, claimed,
			&events.Timing{Start: start, Stop: c.clock.Now()}))
	}

	finish()
	c.logger.Debug("claim cycle finished",
		"capacity", capacity,
		"candidates", len(candidates),
		"claimed", batch.ClaimedCount(),
		"conflicts", batch.ConflictCount(),
		"unrecognized", batch.UnrecognizedCount(),
		"exhausted", len(batch.Exhausted))
	return batch, nil
}

// candidates reads the claimable superset, retrying transient failures.
func (c *ClaimStrategy) candidates(ctx context.Context, now time.Time, size int) ([]*Task, error) {
	backoff := retry.WithMaxRetries(uint64(c.config.StoreRetries), retry.NewExponential(c.config.StoreRetryBase))

	return retry.DoValue(ctx, backoff, func(ctx context.Context) ([]*Task, error) {
		tasks, err := c.store.QueryPage(ctx, PageQuery{
			Filter: Filter{ClaimableAt: &now},
			Size:   size,
		})
		if err != nil {
			if store.IsTransient(err) {
				c.logger.Warn("transient store error querying candidates, retrying", "error", err)
				return nil, retry.RetryableError(err)
			}
			return nil, fmt.Errorf("failed to query claimable tasks: %w", err)
		}
		return tasks, nil
	})
}

func (c *ClaimStrategy) claimOne(ctx context.Context, cand *Task, now time.Time) (*Task, error) {
	next := cand.Clone()
	next.Status = StatusClaiming
	next.Owner = c.config.NodeID
	lease := now.Add(c.config.LivenessTimeout)
	next.RetryAt = &lease
	next.UpdatedAt = now
	return c.store.Update(ctx, next, cand.Version)
}

func (c *ClaimStrategy) markUnrecognized(ctx context.Context, cand *Task, now time.Time) error {
	next := cand.Clone()
	next.Status = StatusUnrecognized
	next.Owner = ""
	next.RetryAt = nil
	next.UpdatedAt = now
	_, err := c.store.Update(ctx, next, cand.Version)
	return err
}

func (c *ClaimStrategy) finalise(ctx context.Context, cand *Task, now time.Time) error {
	next, err := c.retry.OnExhausted(cand, now)
	if err != nil {
		c.logger.Error("failed to re-arm exhausted task, leaving it failed",
			"task_id", cand.ID,
			"error", err)
		next = cand.Clone()
		next.release()
		next.Status = StatusFailed
		next.LastError = err.Error()
		next.UpdatedAt = now
	}
	_, err = c.store.Update(ctx, next, cand.Version)
	return err
}

// abortOn reports whether err must end the cycle. Lost races and tasks
// removed under our feet only skip the candidate.
func (c *ClaimStrategy) abortOn(err error) bool {
	return !store.IsVersionConflict(err) && !errors.Is(err, store.ErrNotFound)
}
