// Package registry keeps the sensor registry fresh: first-sight
// registration, coalesced last_seen refreshes, and location-drift
// tracking. It is the only component that persists sensor facts.
package registry

import (
	"container/list"
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jackc/pgtype"
	"golang.org/x/sync/singleflight"

	"github.com/munbon/sensorhub/internal/codec"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/types"
)

const (
	shardCount = 16
	// Total cached identities across all shards.
	cacheCapacity = 50000
	// Entries older than this refresh last_seen in the background.
	refreshAfter = 60 * time.Second
	// Movements beyond this distance append to the location history.
	driftMeters = 50.0
)

// Store is the slice of the time-series adapter the registry needs.
type Store interface {
	UpsertSensor(ctx context.Context, sensor *types.Sensor) error
	AppendLocationHistory(ctx context.Context, sensorID string, at time.Time, loc types.LatLng) error
	GetSensor(ctx context.Context, id string) (*types.Sensor, error)
	ListSensors(ctx context.Context, family types.SensorFamily, zones []string, page, limit int) ([]types.Sensor, int64, error)
	PatchSensorMetadata(ctx context.Context, id string, delta map[string]interface{}) error
}

// LocationChange is delivered when a sensor moves beyond the drift
// threshold.
type LocationChange struct {
	SensorID string
	Family   types.SensorFamily
	Location types.LatLng
	At       time.Time
}

type entry struct {
	lastSeen time.Time
	location *types.LatLng
	elem     *list.Element
}

type shard struct {
	mu  sync.Mutex
	lru *list.List // front = most recent; values are sensor IDs
	m   map[string]*entry
}

// Registry caches known sensor identities in a sharded LRU and coalesces
// registry writes through a per-key single-flight group.
type Registry struct {
	store      Store
	flight     singleflight.Group
	shards     [shardCount]*shard
	perShard   int
	onLocation func(LocationChange)
}

// New creates a registry over the given store. onLocation may be nil.
func New(store Store, onLocation func(LocationChange)) *Registry {
	r := &Registry{
		store:      store,
		perShard:   cacheCapacity / shardCount,
		onLocation: onLocation,
	}
	for i := range r.shards {
		r.shards[i] = &shard{lru: list.New(), m: make(map[string]*entry)}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%shardCount]
}

// Observe folds decoded sensor facts into the registry and returns the
// row the write path should carry into its transaction. First sight
// registers synchronously; known sensors refresh in the background once
// their cached last_seen ages past the refresh window.
func (r *Registry) Observe(ctx context.Context, facts codec.SensorFacts) (*types.Sensor, error) {
	row := rowFromFacts(facts)

	sh := r.shardFor(facts.ID)
	sh.mu.Lock()
	e, cached := sh.m[facts.ID]
	var (
		needSync  bool
		needAsync bool
		prevLoc   *types.LatLng
	)
	if !cached {
		needSync = true
	} else {
		sh.lru.MoveToFront(e.elem)
		prevLoc = e.location
		if facts.SeenAt.Sub(e.lastSeen) > refreshAfter {
			needAsync = true
			e.lastSeen = facts.SeenAt
		}
	}
	sh.mu.Unlock()

	if needSync {
		// Single-flight keyed by sensor ID so concurrent first sights
		// collapse into one registration.
		_, err, _ := r.flight.Do(facts.ID, func() (interface{}, error) {
			return nil, r.store.UpsertSensor(ctx, row)
		})
		if err != nil {
			return nil, err
		}
		r.cache(facts.ID, facts.SeenAt, facts.Location)
	} else if needAsync {
		go func() {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_, err, _ := r.flight.Do(facts.ID, func() (interface{}, error) {
				return nil, r.store.UpsertSensor(refreshCtx, row)
			})
			if err != nil {
				log.Warnw("background sensor refresh failed", "sensor_id", facts.ID, "error", err)
			}
		}()
	}

	if facts.Location != nil && prevLoc != nil {
		if distanceMeters(*prevLoc, *facts.Location) > driftMeters {
			if err := r.store.AppendLocationHistory(ctx, facts.ID, facts.SeenAt, *facts.Location); err != nil {
				log.Warnw("could not append location history", "sensor_id", facts.ID, "error", err)
			} else {
				r.setCachedLocation(facts.ID, facts.Location)
				if r.onLocation != nil {
					r.onLocation(LocationChange{
						SensorID: facts.ID,
						Family:   facts.Family,
						Location: *facts.Location,
						At:       facts.SeenAt,
					})
				}
			}
		}
	} else if facts.Location != nil && cached && prevLoc == nil {
		r.setCachedLocation(facts.ID, facts.Location)
	}

	return row, nil
}

func (r *Registry) cache(id string, seen time.Time, loc *types.LatLng) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.m[id]; ok {
		e.lastSeen = seen
		e.location = loc
		sh.lru.MoveToFront(e.elem)
		return
	}
	e := &entry{lastSeen: seen, location: loc}
	e.elem = sh.lru.PushFront(id)
	sh.m[id] = e

	for sh.lru.Len() > r.perShard {
		oldest := sh.lru.Back()
		sh.lru.Remove(oldest)
		delete(sh.m, oldest.Value.(string))
	}
}

func (r *Registry) setCachedLocation(id string, loc *types.LatLng) {
	sh := r.shardFor(id)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.m[id]; ok {
		e.location = loc
	}
}

// CachedCount returns the number of identities currently cached.
func (r *Registry) CachedCount() int {
	n := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// Get fetches one sensor row.
func (r *Registry) Get(ctx context.Context, id string) (*types.Sensor, error) {
	return r.store.GetSensor(ctx, id)
}

// List pages through the registry.
func (r *Registry) List(ctx context.Context, family types.SensorFamily, zones []string, page, limit int) ([]types.Sensor, int64, error) {
	return r.store.ListSensors(ctx, family, zones, page, limit)
}

// Patch merges a metadata delta into one sensor (admin tooling).
func (r *Registry) Patch(ctx context.Context, id string, delta map[string]interface{}) error {
	return r.store.PatchSensorMetadata(ctx, id, delta)
}

// rowFromFacts builds the registry row a payload implies.
func rowFromFacts(f codec.SensorFacts) *types.Sensor {
	s := &types.Sensor{
		ID:           f.ID,
		Family:       f.Family,
		Manufacturer: f.Manufacturer,
		FirstSeen:    f.SeenAt,
		LastSeen:     f.SeenAt,
	}
	if f.Location != nil {
		lat, lng := f.Location.Lat, f.Location.Lng
		s.Latitude = &lat
		s.Longitude = &lng
	}
	meta := f.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if b, err := json.Marshal(meta); err == nil {
		s.Metadata = pgtype.JSONB{Bytes: b, Status: pgtype.Present}
	}
	return s
}
