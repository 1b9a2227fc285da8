// Package task schedules and runs background work across a fleet of nodes
// that share one task store.
//
// Each node runs a Poller that periodically asks the ClaimStrategy for due
// tasks, bounded by the free slots of its WorkerPool. Claims are
// conditional writes keyed on the task version, so two nodes never own the
// same task at the same time and no lock manager is needed. The TaskRunner
// executes each claimed task's registered handler under a timeout, and the
// RetryScheduler computes what the task looks like afterwards: removed,
// re-armed on its schedule, retried with backoff, failed, or expired and
// waiting for reclaim.
//
// Every step publishes an events.Event so that collaborators can observe
// the scheduler without being called by it. Manager ties the pieces
// together and exposes the scheduling API.
package task
