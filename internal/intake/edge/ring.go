package edge

import (
	"sync"
	"time"

	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/types"
)

// ring is the bounded bridge between the listener and an unreachable
// bus. When full it drops the oldest envelope; durability comes from
// the device retrying, not from this buffer.
type ring struct {
	mu  sync.Mutex
	buf []*types.RawEnvelope
	cap int
}

func newRing(capacity int) *ring {
	return &ring{cap: capacity}
}

func (r *ring) push(env *types.RawEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.cap {
		r.buf = r.buf[1:]
		metrics.RingDrops.Inc()
	}
	r.buf = append(r.buf, env)
}

// pushFront returns an envelope the flusher could not deliver.
func (r *ring) pushFront(env *types.RawEnvelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) >= r.cap {
		metrics.RingDrops.Inc()
		return
	}
	r.buf = append([]*types.RawEnvelope{env}, r.buf...)
}

func (r *ring) pop() (*types.RawEnvelope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.buf) == 0 {
		return nil, false
	}
	env := r.buf[0]
	r.buf = r.buf[1:]
	return env, true
}

func (r *ring) depth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// shedTracker counts empty-payload keep-alives per source address.
type shedTracker struct {
	mu      sync.Mutex
	sources map[string]*shedEntry
}

type shedEntry struct {
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

func newShedTracker() *shedTracker {
	return &shedTracker{sources: make(map[string]*shedEntry)}
}

func (t *shedTracker) record(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.sources[ip]
	if !ok {
		e = &shedEntry{}
		t.sources[ip] = e
	}
	e.Count++
	e.LastSeen = time.Now().UTC()
}

func (t *shedTracker) snapshot() map[string]shedEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]shedEntry, len(t.sources))
	for ip, e := range t.sources {
		out[ip] = *e
	}
	return out
}
