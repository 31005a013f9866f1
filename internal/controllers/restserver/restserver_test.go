package restserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgtype"
	"gorm.io/gorm"

	"github.com/munbon/sensorhub/internal/apikey"
	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
)

type fakeQuerier struct {
	sensors  map[string]*types.Sensor
	readings map[types.SensorFamily][]types.Reading
}

func (f *fakeQuerier) GetSensor(_ context.Context, id string) (*types.Sensor, error) {
	return f.sensors[id], nil
}

func (f *fakeQuerier) ListSensors(_ context.Context, family types.SensorFamily, _ []string, page, limit int) ([]types.Sensor, int64, error) {
	var out []types.Sensor
	for _, s := range f.sensors {
		if family == "" || s.Family == family {
			out = append(out, *s)
		}
	}
	total := int64(len(out))
	start := (page - 1) * limit
	if start >= len(out) {
		return nil, total, nil
	}
	end := start + limit
	if end > len(out) {
		end = len(out)
	}
	return out[start:end], total, nil
}

func (f *fakeQuerier) NearbySensors(context.Context, float64, float64, float64) ([]types.Sensor, error) {
	var out []types.Sensor
	for _, s := range f.sensors {
		if s.Latitude != nil {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeQuerier) PatchSensorMetadata(_ context.Context, id string, _ map[string]interface{}) error {
	if _, ok := f.sensors[id]; !ok {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (f *fakeQuerier) Latest(_ context.Context, family types.SensorFamily, filter timescale.Filter) ([]types.Reading, error) {
	newest := make(map[string]types.Reading)
	for _, r := range f.readings[family] {
		if len(filter.SensorIDs) > 0 && !contains(filter.SensorIDs, r.GetSensorID()) {
			continue
		}
		if cur, ok := newest[r.GetSensorID()]; !ok || r.GetTime().After(cur.GetTime()) {
			newest[r.GetSensorID()] = r
		}
	}
	var out []types.Reading
	for _, r := range newest {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeQuerier) Series(_ context.Context, family types.SensorFamily, filter timescale.Filter, from, to time.Time, limit int, _ string) (*timescale.SeriesPage, error) {
	var out []types.Reading
	for _, r := range f.readings[family] {
		if len(filter.SensorIDs) > 0 && !contains(filter.SensorIDs, r.GetSensorID()) {
			continue
		}
		if t := r.GetTime(); !t.Before(from) && t.Before(to) {
			out = append(out, r)
		}
	}
	return &timescale.SeriesPage{Readings: out}, nil
}

func (f *fakeQuerier) Aggregate(_ context.Context, family types.SensorFamily, filter timescale.Filter, from, to time.Time, bucket string, aggs []string) ([]timescale.AggRow, error) {
	return []timescale.AggRow{}, nil
}

func (f *fakeQuerier) SensorStats(_ context.Context, family types.SensorFamily, sensorID string, from, to time.Time) (*timescale.Stats, error) {
	return &timescale.Stats{Min: 5, Max: 25, Avg: 15, Count: 3}, nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

type memKeyStore struct {
	records map[string]*apikey.Record
}

func (s *memKeyStore) LookupKeyHash(_ context.Context, hash string) (*apikey.Record, error) {
	return s.records[hash], nil
}

func jsonbOf(t *testing.T, v interface{}) pgtype.JSONB {
	t.Helper()
	var j pgtype.JSONB
	if err := j.Set(v); err != nil {
		t.Fatalf("jsonb set: %v", err)
	}
	return j
}

func floatPtr(v float64) *float64 { return &v }

func newTestController(t *testing.T) *Controller {
	t.Helper()
	base := time.Date(2025, 7, 7, 3, 0, 0, 0, time.UTC) // mid-day in Bangkok

	store := &fakeQuerier{
		sensors: map[string]*types.Sensor{
			"WL-1A2B3C4D5E6F": {
				ID: "WL-1A2B3C4D5E6F", Family: types.FamilyWaterLevel,
				FirstSeen: base, LastSeen: base,
				Latitude: floatPtr(13.75), Longitude: floatPtr(100.50),
				Metadata: jsonbOf(t, map[string]interface{}{}),
			},
			"MS-00003-00013": {
				ID: "MS-00003-00013", Family: types.FamilyMoisture,
				FirstSeen: base, LastSeen: base,
				Metadata: jsonbOf(t, map[string]interface{}{}),
			},
		},
		readings: map[types.SensorFamily][]types.Reading{
			types.FamilyWaterLevel: {
				&types.WaterLevelReading{SensorID: "WL-1A2B3C4D5E6F", Time: base.Add(-2 * time.Hour), LevelCm: 12, VoltageV: 4.2, Quality: 1},
				&types.WaterLevelReading{SensorID: "WL-1A2B3C4D5E6F", Time: base, LevelCm: 15, VoltageV: 4.2, Quality: 1},
			},
			types.FamilyMoisture: {
				&types.MoistureReading{SensorID: "MS-00003-00013", GatewayID: "GW-00003", Time: base, MoistureSurfacePct: 18, Quality: 1},
			},
		},
	}

	keys := &memKeyStore{records: map[string]*apikey.Record{
		apikey.HashKey("ent-key"): {
			KeyHash: apikey.HashKey("ent-key"), Tenant: "rid", Tier: apikey.TierEnterprise,
			AllowedFamilies: jsonbOf(t, []string{"water_level", "moisture", "gateway", "weather"}),
			Active:          true,
		},
		apikey.HashKey("wl-only"): {
			KeyHash: apikey.HashKey("wl-only"), Tenant: "rid", Tier: apikey.TierEnterprise,
			AllowedFamilies: jsonbOf(t, []string{"water_level"}),
			Active:          true,
		},
	}}

	var wg sync.WaitGroup
	return NewController(context.Background(), &wg, store, apikey.NewAuthority(keys), nil, ":0")
}

func get(t *testing.T, c *Controller, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	c.Server.Handler.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), into); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestListSensorsPagination(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/sensors?page=1&limit=1", "ent-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data       []types.Sensor `json:"data"`
		Pagination struct {
			Page       int   `json:"page"`
			Limit      int   `json:"limit"`
			Total      int64 `json:"total"`
			TotalPages int64 `json:"totalPages"`
		} `json:"pagination"`
	}
	decode(t, w, &resp)
	if len(resp.Data) != 1 || resp.Pagination.Total != 2 || resp.Pagination.TotalPages != 2 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestSensorLatest(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/sensors/WL-1A2B3C4D5E6F/latest", "ent-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var reading types.WaterLevelReading
	decode(t, w, &reading)
	if reading.LevelCm != 15 {
		t.Errorf("level = %v, want 15 (newest)", reading.LevelCm)
	}
}

func TestUnknownSensorIs404(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/sensors/WL-000000000000", "ent-key")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	var resp struct {
		Error      string `json:"error"`
		StatusCode int    `json:"statusCode"`
	}
	decode(t, w, &resp)
	if resp.StatusCode != http.StatusNotFound || resp.Error == "" {
		t.Errorf("error shape = %+v", resp)
	}
}

func TestFamilyScopeEnforced(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/sensors/MS-00003-00013/latest", "wl-only")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestMissingKeyIs401(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/sensors", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestFamilySeriesWindow(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/water-levels?start=2025-07-07T02:00:00Z&end=2025-07-07T04:00:00Z", "ent-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data      []types.WaterLevelReading `json:"data"`
		Truncated bool                      `json:"truncated"`
	}
	decode(t, w, &resp)
	if len(resp.Data) != 1 || resp.Data[0].LevelCm != 15 {
		t.Errorf("data = %+v, want only the 03:00 reading", resp.Data)
	}
}

func TestPublicTimeseriesBEDate(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/public/water-levels/timeseries?date=07/07/2568", "ent-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Date  string                   `json:"date"`
		Start string                   `json:"start"`
		End   string                   `json:"end"`
		Data  []map[string]interface{} `json:"data"`
	}
	decode(t, w, &resp)
	if resp.Start != "2025-07-06T17:00:00Z" || resp.End != "2025-07-07T17:00:00Z" {
		t.Errorf("window = [%s, %s)", resp.Start, resp.End)
	}
	if len(resp.Data) != 2 {
		t.Fatalf("data rows = %d, want 2 (both readings fall on that Bangkok day)", len(resp.Data))
	}
	for _, item := range resp.Data {
		if item["timestamp_buddhist"] != "07/07/2568" {
			t.Errorf("timestamp_buddhist = %v, want 07/07/2568", item["timestamp_buddhist"])
		}
	}
}

func TestPublicTimeseriesRequiresDate(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/public/water-levels/timeseries", "ent-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestMoistureAlertsFromLatest(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/moisture/alerts", "ent-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []types.Alert `json:"data"`
	}
	decode(t, w, &resp)
	if len(resp.Data) != 1 || resp.Data[0].Kind != "moisture_low" {
		t.Errorf("alerts = %+v, want one moisture_low", resp.Data)
	}
}

func TestComparisonRequiresTwoSensors(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/water-levels/comparison?sensor_ids=WL-1A2B3C4D5E6F", "ent-key")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestRIDMSSpatialGeoJSON(t *testing.T) {
	c := newTestController(t)
	w := get(t, c, "/api/v1/external/rid-ms/spatial", "ent-key")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Type     string `json:"type"`
		Features []struct {
			Type     string `json:"type"`
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	decode(t, w, &resp)
	if resp.Type != "FeatureCollection" {
		t.Errorf("type = %q", resp.Type)
	}
	// Only the located moisture sensors become features; MS-00003-00013
	// has no coordinates, so the collection is empty but well-formed.
	for _, f := range resp.Features {
		if f.Type != "Feature" || f.Geometry.Type != "Point" || len(f.Geometry.Coordinates) != 2 {
			t.Errorf("feature = %+v", f)
		}
	}
}

func TestNearbyValidation(t *testing.T) {
	c := newTestController(t)
	for _, path := range []string{
		"/api/v1/sensors/nearby",
		"/api/v1/sensors/nearby?lat=999&lng=100",
		"/api/v1/sensors/nearby?lat=13.75&lng=100.5&radius=-1",
	} {
		w := get(t, c, path, "ent-key")
		if w.Code != http.StatusBadRequest {
			t.Errorf("status for %s = %d, want 400", path, w.Code)
		}
	}
	w := get(t, c, "/api/v1/sensors/nearby?lat=13.75&lng=100.5&radius=10", "ent-key")
	if w.Code != http.StatusOK {
		t.Errorf("valid nearby status = %d, want 200", w.Code)
	}
}
