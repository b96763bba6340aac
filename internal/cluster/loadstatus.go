package cluster

import "sync/atomic"

// loadStatus tracks the per-node weighted-election counters: electedCount
// is monotonic and bumped once per elect() win, oldElected is the last
// snapshot taken by the periodic load-reset task. Both fields are written
// from the election goroutine and read/reset from the load-reset task's
// goroutine, so they're plain atomics rather than being protected by the
// container lock.
type loadStatus struct {
	electedCount atomic.Int64
	oldElected   atomic.Int64
}

// elected bumps the monotonic counter. Called exactly once per elect()
// call that returns a winner.
func (l *loadStatus) elected() {
	l.electedCount.Add(1)
}

// diff returns electedCount - oldElected, i.e. elections since the last
// load-reset.
func (l *loadStatus) diff() int64 {
	return l.electedCount.Load() - l.oldElected.Load()
}

// resetOld snapshots electedCount into oldElected. Called by the periodic
// load-reset task for every node at healthCheckInterval.
func (l *loadStatus) resetOld() {
	l.oldElected.Store(l.electedCount.Load())
}

// status computes loadFactor - electedDiff*100/loadFactor, clamped to >= 0.
// loadFactor <= 0 means the node is administratively disabled and yields
// 0; checkAvailable keeps such nodes out of new-session elections, so only
// existing-session elections score them.
func (l *loadStatus) status(loadFactor int) int {
	if loadFactor <= 0 {
		return 0
	}
	v := loadFactor - int(l.diff())*100/loadFactor
	if v < 0 {
		return 0
	}
	return v
}
