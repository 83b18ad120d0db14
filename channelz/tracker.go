package channelz

import (
	"sync/atomic"

	"google.golang.org/grpc/codes"
)

// CallTracker holds the per-server call counters spec.md §3/§8 define:
// callsStarted/Succeeded/Failed plus the timestamp of the last start.
// All fields are mutated only through atomic operations so a snapshot
// function can read them concurrently with dispatch without locking.
type CallTracker struct {
	started     int64
	succeeded   int64
	failed      int64
	lastStartAt int64 // unix nanoseconds
}

// Start records a new call beginning. Per spec.md §4.4 step 1, this must
// happen before any handler executes.
func (c *CallTracker) Start(nowUnixNano int64) {
	atomic.AddInt64(&c.started, 1)
	atomic.StoreInt64(&c.lastStartAt, nowUnixNano)
}

// End records a call's terminal status. Per spec.md §4.4/§5, this fires
// exactly once per stream lifetime.
func (c *CallTracker) End(code codes.Code) {
	if code == codes.OK {
		atomic.AddInt64(&c.succeeded, 1)
	} else {
		atomic.AddInt64(&c.failed, 1)
	}
}

// Snapshot reads the four counters atomically (but not as a single
// atomic unit across fields — callers tolerate the same benign skew the
// invariants in spec.md §8 already allow for calls in flight).
type CallCounters struct {
	Started, Succeeded, Failed int64
	LastStartedAt              int64
}

func (c *CallTracker) Snapshot() CallCounters {
	return CallCounters{
		Started:       atomic.LoadInt64(&c.started),
		Succeeded:     atomic.LoadInt64(&c.succeeded),
		Failed:        atomic.LoadInt64(&c.failed),
		LastStartedAt: atomic.LoadInt64(&c.lastStartAt),
	}
}

// StreamTracker is the session-scoped analogue of CallTracker: spec.md
// §3's Session Record names started/succeeded/failed/lastStartedAt on
// each session independently of the server-wide CallTracker.
type StreamTracker = CallTracker

// StreamCounters is the session-scoped analogue of CallCounters.
type StreamCounters = CallCounters
