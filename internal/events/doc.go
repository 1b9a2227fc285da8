// Package events provides the typed event stream the task manager emits
// while it claims, starts and finishes work.
//
// Emitters publish immutable Event values on a Bus without knowing who is
// listening. Subscribers receive events on a buffered channel; a subscriber
// that falls behind loses events instead of slowing the emitter down.
//
// The primary components are:
// - Event: a single claim, mark-running, run, run-request, polling-cycle, stat or metric record
// - Bus: the publish/subscribe hub
// - Subscription: one subscriber's buffered view of the bus
package events
