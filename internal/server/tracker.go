package server

import (
	"sync"
	"time"
)

// failedCyclesUnhealthy is how many cycles in a row may reach no host at all
// before /healthz reports unhealthy.
const failedCyclesUnhealthy = 3

// Snapshot describes the latest reconcile cycle.
type Snapshot struct {
	LastCycleTime   *time.Time `json:"last_cycle_time"`
	CycleDurationMS int64      `json:"cycle_duration_ms"`
	HostsReconciled int        `json:"hosts_reconciled"`
	HostsFailed     int        `json:"hosts_failed"`
	FailedCycles    int        `json:"consecutive_failed_cycles"`
}

// Tracker records reconcile cycles for the health endpoints. A nil *Tracker
// is never ready or healthy.
type Tracker struct {
	now func() time.Time

	mu           sync.RWMutex
	last         Snapshot
	lastAt       time.Time
	everReached  bool
	failedCycles int
}

func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordCycle stores the outcome of one cycle. A cycle that failed on every
// host it tried extends the failed streak; any reconciled host resets it.
func (t *Tracker) RecordCycle(duration time.Duration, reconciled, failed int) {
	if t == nil {
		return
	}
	at := t.now().UTC()

	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case reconciled > 0:
		t.everReached = true
		t.failedCycles = 0
	case failed > 0:
		t.failedCycles++
	}
	t.lastAt = at
	t.last = Snapshot{
		LastCycleTime:   &at,
		CycleDurationMS: duration.Milliseconds(),
		HostsReconciled: reconciled,
		HostsFailed:     failed,
		FailedCycles:    t.failedCycles,
	}
}

func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	snap := t.last
	if snap.LastCycleTime != nil {
		at := *snap.LastCycleTime
		snap.LastCycleTime = &at
	}
	return snap
}

// Ready reports whether any cycle has reconciled a host. Once ready, the
// tracker stays ready.
func (t *Tracker) Ready() bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.everReached
}

// Healthy reports whether the last cycle finished within two poll intervals
// of now and the daemon has not failed on every host for
// failedCyclesUnhealthy cycles in a row.
func (t *Tracker) Healthy(now time.Time, pollInterval time.Duration) bool {
	if t == nil || pollInterval <= 0 {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.lastAt.IsZero() || t.failedCycles >= failedCyclesUnhealthy {
		return false
	}
	return now.Sub(t.lastAt) <= 2*pollInterval
}
