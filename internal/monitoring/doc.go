// Package monitoring aggregates task manager lifecycle events into counters
// and measures, and periodically republishes the aggregate as a metric
// event.
package monitoring
