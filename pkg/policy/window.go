package policy

import (
	"sync"
	"time"
)

// RollingWindow tracks an integer total over a rolling time window.
//
// The window is divided into fixed-size buckets held in a small
// circular buffer; buckets that fall outside the window are pruned on
// every access. Granularity is window/60, so the tracked total is
// accurate to within one bucket.
type RollingWindow struct {
	window     time.Duration
	bucketSize time.Duration
	buckets    []bucket
	mu         sync.Mutex
}

type bucket struct {
	timestamp time.Time
	amount    int64
}

// NewRollingWindow creates a rolling window of the given duration.
func NewRollingWindow(window time.Duration) *RollingWindow {
	bucketSize := window / 60
	if bucketSize <= 0 {
		bucketSize = time.Second
	}
	n := int(window / bucketSize)
	if n == 0 {
		n = 1
	}
	return &RollingWindow{
		window:     window,
		bucketSize: bucketSize,
		buckets:    make([]bucket, n),
	}
}

// Add records amount at the given instant.
func (rw *RollingWindow) Add(amount int64, at time.Time) {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.pruneLocked(at)
	rw.findOrCreateBucketLocked(at).amount += amount
}

// Sum returns the total inside the window as of the given instant.
func (rw *RollingWindow) Sum(at time.Time) int64 {
	rw.mu.Lock()
	defer rw.mu.Unlock()

	rw.pruneLocked(at)
	var sum int64
	for i := range rw.buckets {
		if !rw.buckets[i].timestamp.IsZero() {
			sum += rw.buckets[i].amount
		}
	}
	return sum
}

// Reset clears all buckets.
func (rw *RollingWindow) Reset() {
	rw.mu.Lock()
	defer rw.mu.Unlock()
	for i := range rw.buckets {
		rw.buckets[i] = bucket{}
	}
}

func (rw *RollingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-rw.window)
	for i := range rw.buckets {
		if !rw.buckets[i].timestamp.IsZero() && rw.buckets[i].timestamp.Before(cutoff) {
			rw.buckets[i] = bucket{}
		}
	}
}

// OriginWindow tracks which network origins presented a lease's tokens
// inside a rolling time window. Origins last seen before the window
// cutoff are pruned on every access.
type OriginWindow struct {
	window time.Duration
	mu     sync.Mutex
	seen   map[string]map[string]time.Time // leaseID -> origin -> last seen
}

// NewOriginWindow creates an origin window of the given duration.
func NewOriginWindow(window time.Duration) *OriginWindow {
	return &OriginWindow{
		window: window,
		seen:   make(map[string]map[string]time.Time),
	}
}

// Record notes that origin presented the lease's tokens at the given
// instant. Empty origins are ignored.
func (ow *OriginWindow) Record(leaseID, origin string, at time.Time) {
	if origin == "" {
		return
	}
	ow.mu.Lock()
	defer ow.mu.Unlock()

	ow.pruneLocked(at)
	origins, ok := ow.seen[leaseID]
	if !ok {
		origins = make(map[string]time.Time)
		ow.seen[leaseID] = origins
	}
	if last, ok := origins[origin]; !ok || at.After(last) {
		origins[origin] = at
	}
}

// Distinct returns how many different origins presented the lease's
// tokens inside the window as of the given instant.
func (ow *OriginWindow) Distinct(leaseID string, at time.Time) int {
	ow.mu.Lock()
	defer ow.mu.Unlock()

	ow.pruneLocked(at)
	return len(ow.seen[leaseID])
}

// Forget drops all origin history for a lease.
func (ow *OriginWindow) Forget(leaseID string) {
	ow.mu.Lock()
	defer ow.mu.Unlock()
	delete(ow.seen, leaseID)
}

func (ow *OriginWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-ow.window)
	for leaseID, origins := range ow.seen {
		for origin, last := range origins {
			if last.Before(cutoff) {
				delete(origins, origin)
			}
		}
		if len(origins) == 0 {
			delete(ow.seen, leaseID)
		}
	}
}

func (rw *RollingWindow) findOrCreateBucketLocked(now time.Time) *bucket {
	bucketTime := now.Truncate(rw.bucketSize)

	for i := range rw.buckets {
		if rw.buckets[i].timestamp.Equal(bucketTime) {
			return &rw.buckets[i]
		}
	}
	// Reuse an empty slot, or evict the oldest.
	oldest := 0
	for i := range rw.buckets {
		if rw.buckets[i].timestamp.IsZero() {
			rw.buckets[i].timestamp = bucketTime
			return &rw.buckets[i]
		}
		if rw.buckets[i].timestamp.Before(rw.buckets[oldest].timestamp) {
			oldest = i
		}
	}
	rw.buckets[oldest] = bucket{timestamp: bucketTime}
	return &rw.buckets[oldest]
}
