package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/munbon/sensorhub/internal/codec"
	"github.com/munbon/sensorhub/internal/types"
)

type fakeStore struct {
	mu       sync.Mutex
	upserts  int
	history  []types.LocationHistory
	sensors  map[string]*types.Sensor
}

func newFakeStore() *fakeStore {
	return &fakeStore{sensors: make(map[string]*types.Sensor)}
}

func (f *fakeStore) UpsertSensor(_ context.Context, s *types.Sensor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	f.sensors[s.ID] = s
	return nil
}

func (f *fakeStore) AppendLocationHistory(_ context.Context, id string, at time.Time, loc types.LatLng) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, types.LocationHistory{SensorID: id, Time: at, Latitude: loc.Lat, Longitude: loc.Lng})
	return nil
}

func (f *fakeStore) GetSensor(_ context.Context, id string) (*types.Sensor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sensors[id], nil
}

func (f *fakeStore) ListSensors(context.Context, types.SensorFamily, []string, int, int) ([]types.Sensor, int64, error) {
	return nil, 0, nil
}

func (f *fakeStore) PatchSensorMetadata(context.Context, string, map[string]interface{}) error {
	return nil
}

func (f *fakeStore) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

func facts(id string, seen time.Time, loc *types.LatLng) codec.SensorFacts {
	return codec.SensorFacts{
		ID:     id,
		Family: types.FamilyWaterLevel,
		SeenAt: seen,
		Location: loc,
	}
}

func TestFirstSightRegistersOnce(t *testing.T) {
	store := newFakeStore()
	reg := New(store, nil)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		if _, err := reg.Observe(context.Background(), facts("WL-AAAAAAAAAAAA", now, nil)); err != nil {
			t.Fatalf("Observe() error = %v", err)
		}
	}

	if got := store.upsertCount(); got != 1 {
		t.Errorf("upserts = %d, want 1 (cached after first sight)", got)
	}
	if reg.CachedCount() != 1 {
		t.Errorf("cached = %d, want 1", reg.CachedCount())
	}
}

func TestStaleEntryRefreshesAsynchronously(t *testing.T) {
	store := newFakeStore()
	reg := New(store, nil)
	base := time.Now().UTC()

	if _, err := reg.Observe(context.Background(), facts("WL-BBBBBBBBBBBB", base, nil)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	// Within the refresh window: no new write.
	if _, err := reg.Observe(context.Background(), facts("WL-BBBBBBBBBBBB", base.Add(30*time.Second), nil)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if got := store.upsertCount(); got != 1 {
		t.Fatalf("upserts = %d after fresh re-observe, want 1", got)
	}

	// Past the window: a background refresh fires.
	if _, err := reg.Observe(context.Background(), facts("WL-BBBBBBBBBBBB", base.Add(2*time.Minute), nil)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for store.upsertCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := store.upsertCount(); got != 2 {
		t.Errorf("upserts = %d after stale re-observe, want 2", got)
	}
}

func TestLocationDriftAppendsHistory(t *testing.T) {
	store := newFakeStore()
	var changes []LocationChange
	reg := New(store, func(c LocationChange) { changes = append(changes, c) })
	now := time.Now().UTC()

	origin := &types.LatLng{Lat: 13.94551, Lng: 100.73405}
	if _, err := reg.Observe(context.Background(), facts("GW-00003", now, origin)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	// ~11 m north: below the 50 m threshold.
	near := &types.LatLng{Lat: 13.94561, Lng: 100.73405}
	if _, err := reg.Observe(context.Background(), facts("GW-00003", now.Add(time.Second), near)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(store.history) != 0 {
		t.Fatalf("history rows = %d after 11 m move, want 0", len(store.history))
	}

	// ~1.1 km north: drift.
	far := &types.LatLng{Lat: 13.95551, Lng: 100.73405}
	if _, err := reg.Observe(context.Background(), facts("GW-00003", now.Add(2*time.Second), far)); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if len(store.history) != 1 {
		t.Fatalf("history rows = %d after 1.1 km move, want 1", len(store.history))
	}
	if len(changes) != 1 || changes[0].SensorID != "GW-00003" {
		t.Errorf("location changes = %+v, want one for GW-00003", changes)
	}
}

func TestDistanceMeters(t *testing.T) {
	tests := []struct {
		name    string
		a, b    types.LatLng
		want    float64
		epsilon float64
	}{
		{
			name: "same point",
			a:    types.LatLng{Lat: 13.75, Lng: 100.5},
			b:    types.LatLng{Lat: 13.75, Lng: 100.5},
			want: 0, epsilon: 0.001,
		},
		{
			name: "one degree latitude",
			a:    types.LatLng{Lat: 13, Lng: 100},
			b:    types.LatLng{Lat: 14, Lng: 100},
			want: 111_195, epsilon: 200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := distanceMeters(tt.a, tt.b)
			if diff := got - tt.want; diff > tt.epsilon || diff < -tt.epsilon {
				t.Errorf("distanceMeters = %v, want %v ± %v", got, tt.want, tt.epsilon)
			}
		})
	}
}

func TestLRUEviction(t *testing.T) {
	store := newFakeStore()
	reg := New(store, nil)
	reg.perShard = 2 // shrink for the test
	now := time.Now().UTC()

	ids := []string{"WL-000000000001", "WL-000000000002", "WL-000000000003",
		"WL-000000000004", "WL-000000000005", "WL-000000000006",
		"WL-000000000007", "WL-000000000008"}
	for _, id := range ids {
		if _, err := reg.Observe(context.Background(), facts(id, now, nil)); err != nil {
			t.Fatalf("Observe(%s) error = %v", id, err)
		}
	}

	if got := reg.CachedCount(); got > 2*shardCount {
		t.Errorf("cached = %d, want <= %d after eviction", got, 2*shardCount)
	}
}
