package timescale

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/munbon/sensorhub/internal/types"
)

// MaxSeriesRows caps a single series request; larger windows paginate
// through the cursor.
const MaxSeriesRows = 10000

// Filter narrows latest/series/aggregate queries. Zones match the
// sensor registry's metadata->>'zone' value (tenant scoping).
type Filter struct {
	SensorIDs []string
	Zones     []string
}

// SeriesPage is one page of an ascending time-ordered scan.
type SeriesPage struct {
	Readings   []types.Reading
	Truncated  bool
	NextCursor string
}

// AggRow is one time bucket for one sensor.
type AggRow struct {
	Bucket   time.Time          `json:"bucket"`
	SensorID string             `json:"sensor_id"`
	Values   map[string]float64 `json:"values"`
}

// Stats summarizes one sensor's primary metric over a window.
type Stats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Count  int64   `json:"count"`
	StdDev float64 `json:"stddev"`
}

var readingTables = map[types.SensorFamily]string{
	types.FamilyWaterLevel: "water_level_readings",
	types.FamilyMoisture:   "moisture_readings",
	types.FamilyWeather:    "weather_readings",
}

// familyMetric is the default aggregation column per family.
var familyMetric = map[types.SensorFamily]string{
	types.FamilyWaterLevel: "level_cm",
	types.FamilyMoisture:   "moisture_surface_pct",
	types.FamilyWeather:    "rainfall_mm",
}

var bucketIntervals = map[string]string{
	"1h": "1 hour",
	"1d": "1 day",
	"1w": "1 week",
}

var aggFunctions = map[string]string{
	"min":    "min",
	"max":    "max",
	"avg":    "avg",
	"sum":    "sum",
	"count":  "count",
	"stddev": "stddev_samp",
}

// HasReadings reports whether a family has its own readings table.
// Gateways are registry-only.
func HasReadings(family types.SensorFamily) bool {
	_, ok := readingTables[family]
	return ok
}

// Latest returns the newest reading per matching sensor, ordered newest
// first.
func (s *Store) Latest(ctx context.Context, family types.SensorFamily, f Filter) ([]types.Reading, error) {
	table, ok := readingTables[family]
	if !ok {
		return nil, fmt.Errorf("family %q has no readings", family)
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := s.readDB.WithContext(ctx).
		Table(table+" AS r").
		Select("DISTINCT ON (r.sensor_id) r.*").
		Order("r.sensor_id, r.time DESC")
	q = applyFilter(q, f)

	inner := q
	outer := s.readDB.WithContext(ctx).
		Table("(?) AS latest", inner).
		Order("latest.time DESC")

	return scanReadings(outer, family)
}

// Series returns readings ascending by time. Results cap at MaxSeriesRows
// (or limit, if smaller); a truncated page carries an opaque cursor.
func (s *Store) Series(ctx context.Context, family types.SensorFamily, f Filter, from, to time.Time, limit int, cursor string) (*SeriesPage, error) {
	table, ok := readingTables[family]
	if !ok {
		return nil, fmt.Errorf("family %q has no readings", family)
	}
	if limit <= 0 || limit > MaxSeriesRows {
		limit = MaxSeriesRows
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := s.readDB.WithContext(ctx).
		Table(table + " AS r").
		Where("r.time >= ? AND r.time < ?", from, to).
		Order("r.time ASC, r.sensor_id ASC").
		Limit(limit + 1)
	q = applyFilter(q, f)

	if cursor != "" {
		curTime, curID, err := decodeCursor(cursor)
		if err != nil {
			return nil, fmt.Errorf("bad cursor: %w", err)
		}
		q = q.Where("(r.time, r.sensor_id) > (?, ?)", curTime, curID)
	}

	readings, err := scanReadings(q, family)
	if err != nil {
		return nil, err
	}

	page := &SeriesPage{Readings: readings}
	if len(readings) > limit {
		page.Readings = readings[:limit]
		page.Truncated = true
		last := page.Readings[limit-1]
		page.NextCursor = encodeCursor(last.GetTime(), last.GetSensorID())
	}
	return page, nil
}

// Aggregate buckets the family's metric over [from, to). Buckets align
// to UTC hour/midnight boundaries via time_bucket.
func (s *Store) Aggregate(ctx context.Context, family types.SensorFamily, f Filter, from, to time.Time, bucket string, aggs []string) ([]AggRow, error) {
	table, ok := readingTables[family]
	if !ok {
		return nil, fmt.Errorf("family %q has no readings", family)
	}
	interval, ok := bucketIntervals[bucket]
	if !ok {
		return nil, fmt.Errorf("unknown bucket %q (want 1h, 1d or 1w)", bucket)
	}
	if len(aggs) == 0 {
		aggs = []string{"avg"}
	}

	metric := familyMetric[family]
	selects := []string{fmt.Sprintf("time_bucket('%s', r.time) AS bucket", interval), "r.sensor_id"}
	for _, a := range aggs {
		fn, ok := aggFunctions[a]
		if !ok {
			return nil, fmt.Errorf("unknown aggregation %q", a)
		}
		selects = append(selects, fmt.Sprintf("%s(r.%s) AS %s", fn, metric, a))
	}

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := s.readDB.WithContext(ctx).
		Table(table+" AS r").
		Select(strings.Join(selects, ", ")).
		Where("r.time >= ? AND r.time < ?", from, to).
		Group("1, 2").
		Order("1, 2")
	q = applyFilter(q, f)

	rows, err := q.Rows()
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []AggRow
	for rows.Next() {
		row := AggRow{Values: make(map[string]float64, len(aggs))}
		dest := make([]interface{}, 0, 2+len(aggs))
		dest = append(dest, &row.Bucket, &row.SensorID)
		vals := make([]sql.NullFloat64, len(aggs))
		for i := range vals {
			dest = append(dest, &vals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, classify(err)
		}
		for i, a := range aggs {
			if vals[i].Valid {
				row.Values[a] = vals[i].Float64
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// SensorStats summarizes a single sensor's primary metric over a window.
func (s *Store) SensorStats(ctx context.Context, family types.SensorFamily, sensorID string, from, to time.Time) (*Stats, error) {
	table, ok := readingTables[family]
	if !ok {
		return nil, fmt.Errorf("family %q has no readings", family)
	}
	metric := familyMetric[family]

	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var st Stats
	err := s.readDB.WithContext(ctx).Raw(fmt.Sprintf(`
		SELECT COALESCE(min(%[1]s), 0) AS min,
		       COALESCE(max(%[1]s), 0) AS max,
		       COALESCE(avg(%[1]s), 0) AS avg,
		       count(*) AS count,
		       COALESCE(stddev_samp(%[1]s), 0) AS std_dev
		FROM %[2]s
		WHERE sensor_id = ? AND time >= ? AND time < ?`, metric, table),
		sensorID, from, to).Scan(&st).Error
	if err != nil {
		return nil, classify(err)
	}
	return &st, nil
}

// ListSensors pages through the registry.
func (s *Store) ListSensors(ctx context.Context, family types.SensorFamily, zones []string, page, limit int) ([]types.Sensor, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	q := s.readDB.WithContext(ctx).Model(&types.Sensor{})
	if family != "" {
		q = q.Where("family = ?", family)
	}
	if len(zones) > 0 {
		q = q.Where("metadata->>'zone' IN ?", zones)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, classify(err)
	}

	var sensors []types.Sensor
	err := q.Order("sensor_id").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&sensors).Error
	if err != nil {
		return nil, 0, classify(err)
	}
	return sensors, total, nil
}

// NearbySensors returns registered sensors within radiusKm of a point,
// nearest first, using the Haversine great-circle distance.
func (s *Store) NearbySensors(ctx context.Context, lat, lng, radiusKm float64) ([]types.Sensor, error) {
	ctx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	var sensors []types.Sensor
	err := s.readDB.WithContext(ctx).Raw(`
		SELECT * FROM (
			SELECT *, 6371 * acos(LEAST(1.0,
				cos(radians(?)) * cos(radians(latitude)) * cos(radians(longitude) - radians(?)) +
				sin(radians(?)) * sin(radians(latitude))
			)) AS distance_km
			FROM sensors
			WHERE latitude IS NOT NULL AND longitude IS NOT NULL
		) nearby
		WHERE distance_km <= ?
		ORDER BY distance_km`, lat, lng, lat, radiusKm).Scan(&sensors).Error
	if err != nil {
		return nil, classify(err)
	}
	return sensors, nil
}

// PatchSensorMetadata merges a metadata delta into one sensor row.
func (s *Store) PatchSensorMetadata(ctx context.Context, id string, delta map[string]interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	b, err := json.Marshal(delta)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Exec(
		`UPDATE sensors SET metadata = metadata || ?::jsonb WHERE sensor_id = ?`, string(b), id)
	if res.Error != nil {
		return classify(res.Error)
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func applyFilter(q *gorm.DB, f Filter) *gorm.DB {
	if len(f.SensorIDs) > 0 {
		q = q.Where("r.sensor_id IN ?", f.SensorIDs)
	}
	if len(f.Zones) > 0 {
		q = q.Where("r.sensor_id IN (SELECT sensor_id FROM sensors WHERE metadata->>'zone' IN ?)", f.Zones)
	}
	return q
}

// scanReadings materializes rows into the family's concrete reading type.
func scanReadings(q *gorm.DB, family types.SensorFamily) ([]types.Reading, error) {
	switch family {
	case types.FamilyWaterLevel:
		var rows []types.WaterLevelReading
		if err := q.Scan(&rows).Error; err != nil {
			return nil, classify(err)
		}
		out := make([]types.Reading, len(rows))
		for i := range rows {
			out[i] = &rows[i]
		}
		return out, nil
	case types.FamilyMoisture:
		var rows []types.MoistureReading
		if err := q.Scan(&rows).Error; err != nil {
			return nil, classify(err)
		}
		out := make([]types.Reading, len(rows))
		for i := range rows {
			out[i] = &rows[i]
		}
		return out, nil
	case types.FamilyWeather:
		var rows []types.WeatherReading
		if err := q.Scan(&rows).Error; err != nil {
			return nil, classify(err)
		}
		out := make([]types.Reading, len(rows))
		for i := range rows {
			out[i] = &rows[i]
		}
		return out, nil
	}
	return nil, fmt.Errorf("family %q has no readings", family)
}

// Series cursors are the base64 of "RFC3339Nano|sensor_id" for the last
// row already returned.
func encodeCursor(t time.Time, sensorID string) string {
	return base64.URLEncoding.EncodeToString([]byte(t.UTC().Format(time.RFC3339Nano) + "|" + sensorID))
}

func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.URLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", err
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", err
	}
	return t, parts[1], nil
}
