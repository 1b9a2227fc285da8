package monitoring

import (
	"maps"
	"math"
	"time"
)

// RunStats counts run outcomes for one task type.
type RunStats struct {
	Success        int64 `json:"success"`
	Rescheduled    int64 `json:"rescheduled"`
	RetryScheduled int64 `json:"retry_scheduled"`
	Failed         int64 `json:"failed"`
	Expired        int64 `json:"expired"`
	// Abandoned runs were interrupted by shutdown before reporting back.
	Abandoned int64 `json:"abandoned"`
	// Errors counts runs that reported an error, whatever their outcome.
	Errors int64 `json:"errors"`
}

// Total returns the number of observed runs.
func (r RunStats) Total() int64 {
	return r.Success + r.Rescheduled + r.RetryScheduled + r.Failed + r.Expired + r.Abandoned
}

// Measure summarises a series of samples.
type Measure struct {
	Count int64   `json:"count"`
	Last  float64 `json:"last"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Sum   float64 `json:"sum"`
}

// Mean returns the average sample, or 0 without samples.
func (m Measure) Mean() float64 {
	if m.Count == 0 {
		return 0
	}
	return m.Sum / float64(m.Count)
}

func (m *Measure) add(v float64) {
	if m.Count == 0 {
		m.Min, m.Max = v, v
	} else {
		m.Min = math.Min(m.Min, v)
		m.Max = math.Max(m.Max, v)
	}
	m.Count++
	m.Last = v
	m.Sum += v
}

// ClaimStats counts claim activity across polling cycles.
type ClaimStats struct {
	Claimed      int64 `json:"claimed"`
	Conflicts    int64 `json:"conflicts"`
	Unrecognized int64 `json:"unrecognized"`
	Exhausted    int64 `json:"exhausted"`
}

// Snapshot is a point-in-time copy of the collected statistics.
type Snapshot struct {
	CollectedAt time.Time `json:"collected_at"`

	Runs              map[string]RunStats `json:"runs"`
	MarkRunningErrors int64               `json:"mark_running_errors"`
	RunRequests       int64               `json:"run_requests"`
	RunRequestErrors  int64               `json:"run_request_errors"`
	Claims            ClaimStats          `json:"claims"`
	PollingCycles     int64               `json:"polling_cycles"`
	PollingErrors     int64               `json:"polling_errors"`
	PollingErrorsByOp map[string]int64    `json:"polling_errors_by_op,omitempty"`
	Stats             map[string]Measure  `json:"stats"`
}

func (s Snapshot) clone() Snapshot {
	s.Runs = maps.Clone(s.Runs)
	s.PollingErrorsByOp = maps.Clone(s.PollingErrorsByOp)
	s.Stats = maps.Clone(s.Stats)
	return s
}
