package events

import (
	"time"
)

// Type identifies the kind of lifecycle event.
type Type string

// Event types emitted by the task manager.
const (
	TypeClaim        Type = "claim"
	TypeMarkRunning  Type = "mark-running"
	TypeRun          Type = "run"
	TypeRunRequest   Type = "run-request"
	TypePollingCycle Type = "polling-cycle"
	TypeStat         Type = "stat"
	TypeMetric       Type = "metric"
)

// Stat identifiers carried in the ID of TypeStat events.
const (
	StatLoad              = "load"
	StatPollingDelay      = "pollingDelay"
	StatClaimDuration     = "claimDuration"
	StatWorkerUtilization = "workerUtilization"
	StatRunDelay          = "runDelay"
)

// Timing records when the operation behind an event started and stopped.
// Blocked is optional: for run events it is the delay between the claim and
// the handler start.
type Timing struct {
	Start   time.Time     `json:"start"`
	Stop    time.Time     `json:"stop"`
	Blocked time.Duration `json:"blocked,omitempty"`
}

// Duration returns Stop - Start.
func (t Timing) Duration() time.Duration {
	return t.Stop.Sub(t.Start)
}

// Event is an immutable lifecycle record. ID is the task id for task
// events and the stat id for stat events. A non-nil Err marks an error
// outcome.
type Event struct {
	ID      string
	Type    Type
	Payload any
	Err     error
	Timing  *Timing
}

// OK reports whether the event describes a successful outcome.
func (e Event) OK() bool {
	return e.Err == nil
}

// New creates a successful event.
func New(typ Type, id string, payload any, timing *Timing) Event {
	return Event{ID: id, Type: typ, Payload: payload, Timing: timing}
}

// NewError creates an error event. The payload is optional context such as
// the task that failed.
func NewError(typ Type, id string, err error, payload any, timing *Timing) Event {
	return Event{ID: id, Type: typ, Payload: payload, Err: err, Timing: timing}
}

// Stat creates a stat event with a numeric value.
func Stat(id string, value float64) Event {
	return Event{ID: id, Type: TypeStat, Payload: value}
}

// Publisher is implemented by anything that accepts events. Publish must
// not block.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(Event)

// Publish calls f(e).
func (f PublisherFunc) Publish(e Event) {
	f(e)
}

// Discard is a Publisher that drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
