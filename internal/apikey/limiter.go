package apikey

import (
	"sync"
	"sync/atomic"
	"time"
)

// Quota windows are fixed 15-minute slices aligned to the clock, so
// every key resets at the same boundary and Retry-After is exact.
const windowLength = 15 * time.Minute

type bucket struct {
	used      int64
	windowEnd int64 // unix seconds
}

type decision struct {
	allowed   bool
	limit     int64
	remaining int64
	reset     time.Time
}

// bucketMap holds one counter per key hash. Counters are advanced with
// atomics on the hot path; the map itself is guarded for inserts only.
type bucketMap struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

func newBucketMap() *bucketMap {
	return &bucketMap{buckets: make(map[string]*bucket)}
}

func (m *bucketMap) get(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

// take debits one request from the key's window. A denied request is
// never debited.
func (m *bucketMap) take(key string, limit int64, now time.Time) decision {
	windowEnd := now.Truncate(windowLength).Add(windowLength)

	if limit < 0 {
		return decision{allowed: true, limit: -1, remaining: -1, reset: windowEnd}
	}

	b := m.get(key)
	for {
		end := atomic.LoadInt64(&b.windowEnd)
		if end >= windowEnd.Unix() {
			break
		}
		// Stale window; one caller wins the reset.
		if atomic.CompareAndSwapInt64(&b.windowEnd, end, windowEnd.Unix()) {
			atomic.StoreInt64(&b.used, 0)
			break
		}
	}

	used := atomic.AddInt64(&b.used, 1)
	if used > limit {
		atomic.AddInt64(&b.used, -1)
		return decision{allowed: false, limit: limit, remaining: 0, reset: windowEnd}
	}
	return decision{allowed: true, limit: limit, remaining: limit - used, reset: windowEnd}
}

// sweep drops buckets whose window has long passed. Run periodically
// so abandoned keys do not accumulate.
func (m *bucketMap) sweep(now time.Time) {
	cutoff := now.Add(-2 * windowLength).Unix()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if atomic.LoadInt64(&b.windowEnd) < cutoff {
			delete(m.buckets, key)
		}
	}
}

// RunSweeper evicts idle buckets until stop is closed.
func (a *Authority) RunSweeper(stop <-chan struct{}) {
	ticker := time.NewTicker(windowLength)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case t := <-ticker.C:
			a.buckets.sweep(t)
		}
	}
}
