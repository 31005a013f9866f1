package restserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"gorm.io/gorm"

	"github.com/munbon/sensorhub/internal/apikey"
	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
	"github.com/munbon/sensorhub/pkg/responseformat"
	"github.com/munbon/sensorhub/pkg/thaitime"
)

// Handlers owns the HTTP handler methods for the Controller.
type Handlers struct {
	controller *Controller
}

func NewHandlers(c *Controller) *Handlers {
	return &Handlers{controller: c}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	h.controller.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "sensorhub-api",
		"ts":      time.Now().UTC().Format(time.RFC3339),
	})
}

// ListSensors serves GET /api/v1/sensors?type=&page=&limit=.
func (h *Handlers) ListSensors(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	grant := apikey.GrantFrom(r.Context())

	var family types.SensorFamily
	if t := r.URL.Query().Get("type"); t != "" {
		family = types.SensorFamily(t)
		if !types.ValidFamily(family) {
			c.formatter.WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("unknown sensor type %q", t))
			return
		}
		if !familyAllowed(grant, family) {
			c.formatter.WriteError(w, r, http.StatusForbidden, "family not in key scope")
			return
		}
	}

	page, limit, err := parsePage(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sensors, total, err := c.store.ListSensors(r.Context(), family, grantZones(grant), page, limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	c.formatter.Write(w, r, http.StatusOK, paginated(sensors, page, limit, total))
}

// GetSensor serves GET /api/v1/sensors/{id}.
func (h *Handlers) GetSensor(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	id := mux.Vars(r)["id"]

	sensor, err := c.store.GetSensor(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if sensor == nil {
		c.formatter.WriteError(w, r, http.StatusNotFound, fmt.Sprintf("unknown sensor %q", id))
		return
	}
	if !familyAllowed(apikey.GrantFrom(r.Context()), sensor.Family) {
		c.formatter.WriteError(w, r, http.StatusForbidden, "family not in key scope")
		return
	}
	c.formatter.Write(w, r, http.StatusOK, sensor)
}

// PatchSensor serves PATCH /api/v1/sensors/{id} with a metadata delta.
func (h *Handlers) PatchSensor(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	id := mux.Vars(r)["id"]

	var delta map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&delta); err != nil || len(delta) == 0 {
		c.formatter.WriteError(w, r, http.StatusBadRequest, "body must be a non-empty JSON object")
		return
	}
	if err := c.store.PatchSensorMetadata(r.Context(), id, delta); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.formatter.WriteError(w, r, http.StatusNotFound, fmt.Sprintf("unknown sensor %q", id))
			return
		}
		h.storeError(w, r, err)
		return
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]string{"status": "success"})
}

// NearbySensors serves GET /api/v1/sensors/nearby?lat=&lng=&radius=.
func (h *Handlers) NearbySensors(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	q := r.URL.Query()

	lat, latErr := strconv.ParseFloat(q.Get("lat"), 64)
	lng, lngErr := strconv.ParseFloat(q.Get("lng"), 64)
	if latErr != nil || lngErr != nil || lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		c.formatter.WriteError(w, r, http.StatusBadRequest, "lat and lng are required coordinates")
		return
	}
	radius := 5.0
	if s := q.Get("radius"); s != "" {
		var err error
		if radius, err = strconv.ParseFloat(s, 64); err != nil || radius <= 0 || radius > 500 {
			c.formatter.WriteError(w, r, http.StatusBadRequest, "radius must be in (0, 500] km")
			return
		}
	}

	sensors, err := c.store.NearbySensors(r.Context(), lat, lng, radius)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	grant := apikey.GrantFrom(r.Context())
	visible := sensors[:0]
	for _, s := range sensors {
		if familyAllowed(grant, s.Family) {
			visible = append(visible, s)
		}
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{"data": visible})
}

// SensorReadings serves GET /api/v1/sensors/{id}/readings.
func (h *Handlers) SensorReadings(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	sensor, ok := h.resolveSensor(w, r)
	if !ok {
		return
	}
	if !timescale.HasReadings(sensor.Family) {
		c.formatter.WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("family %q has no readings", sensor.Family))
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit := timescale.MaxSeriesRows
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			c.formatter.WriteError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	page, err := c.store.Series(r.Context(), sensor.Family,
		timescale.Filter{SensorIDs: []string{sensor.ID}, Zones: grantZones(apikey.GrantFrom(r.Context()))},
		from, to, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	readings := page.Readings
	if strings.EqualFold(r.URL.Query().Get("sortOrder"), "desc") {
		reverse(readings)
	}
	resp := map[string]interface{}{
		"data":      readings,
		"truncated": page.Truncated,
	}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	}
	c.formatter.Write(w, r, http.StatusOK, resp)
}

// SensorLatest serves GET /api/v1/sensors/{id}/latest.
func (h *Handlers) SensorLatest(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	sensor, ok := h.resolveSensor(w, r)
	if !ok {
		return
	}
	if !timescale.HasReadings(sensor.Family) {
		c.formatter.WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("family %q has no readings", sensor.Family))
		return
	}

	readings, err := c.store.Latest(r.Context(), sensor.Family, timescale.Filter{SensorIDs: []string{sensor.ID}})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	if len(readings) == 0 {
		c.formatter.WriteError(w, r, http.StatusNotFound, fmt.Sprintf("no readings for %q", sensor.ID))
		return
	}
	c.formatter.Write(w, r, http.StatusOK, readings[0])
}

// SensorStatistics serves GET /api/v1/sensors/{id}/statistics.
func (h *Handlers) SensorStatistics(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	sensor, ok := h.resolveSensor(w, r)
	if !ok {
		return
	}
	if !timescale.HasReadings(sensor.Family) {
		c.formatter.WriteError(w, r, http.StatusBadRequest, fmt.Sprintf("family %q has no readings", sensor.Family))
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := c.store.SensorStats(r.Context(), sensor.Family, sensor.ID, from, to)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"sensor_id":  sensor.ID,
		"start":      from.Format(time.RFC3339),
		"end":        to.Format(time.RFC3339),
		"statistics": stats,
	})
}

// FamilySeries serves GET /api/v1/{family} as an ascending time window.
func (h *Handlers) FamilySeries(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolveFamily(w, r)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	limit := timescale.MaxSeriesRows
	if s := r.URL.Query().Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit <= 0 {
			c.formatter.WriteError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
	}

	page, err := c.store.Series(r.Context(), family, h.requestFilter(r), from, to, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	resp := map[string]interface{}{
		"data":      page.Readings,
		"truncated": page.Truncated,
	}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	}
	c.formatter.Write(w, r, http.StatusOK, resp)
}

// FamilyAggregated serves GET /api/v1/{family}/aggregated.
func (h *Handlers) FamilyAggregated(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolveFamily(w, r)
	if !ok {
		return
	}

	from, to, err := parseWindow(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}
	var aggs []string
	if s := r.URL.Query().Get("aggregation"); s != "" {
		aggs = strings.Split(s, ",")
	}

	rows, err := c.store.Aggregate(r.Context(), family, h.requestFilter(r), from, to, interval, aggs)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"interval": interval,
		"start":    from.Format(time.RFC3339),
		"end":      to.Format(time.RFC3339),
		"data":     rows,
	})
}

// FamilyAlerts serves GET /api/v1/{family}/alerts: threshold alerts
// derived from each sensor's newest reading.
func (h *Handlers) FamilyAlerts(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolveFamily(w, r)
	if !ok {
		return
	}

	latest, err := c.store.Latest(r.Context(), family, h.requestFilter(r))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	alerts := []types.Alert{}
	for _, reading := range latest {
		alerts = append(alerts, types.DeriveAlerts(reading)...)
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{"data": alerts})
}

// PublicLatest serves GET /api/v1/public/{family}/latest with BE-date
// siblings on every timestamp.
func (h *Handlers) PublicLatest(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolvePublicFamily(w, r)
	if !ok {
		return
	}

	latest, err := c.store.Latest(r.Context(), family, h.requestFilter(r))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	items := make([]map[string]interface{}, 0, len(latest))
	for _, reading := range latest {
		item, err := withBuddhistTimestamp(reading)
		if err != nil {
			h.storeError(w, r, err)
			return
		}
		items = append(items, item)
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{"data": items})
}

// PublicTimeseries serves GET /api/v1/public/{family}/timeseries for one
// Buddhist-calendar day.
func (h *Handlers) PublicTimeseries(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolvePublicFamily(w, r)
	if !ok {
		return
	}

	date := r.URL.Query().Get("date")
	from, to, err := thaitime.DayWindowUTC(date)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	page, err := c.store.Series(r.Context(), family, h.requestFilter(r), from, to, timescale.MaxSeriesRows, r.URL.Query().Get("cursor"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	items := make([]map[string]interface{}, 0, len(page.Readings))
	for _, reading := range page.Readings {
		item, err := withBuddhistTimestamp(reading)
		if err != nil {
			h.storeError(w, r, err)
			return
		}
		items = append(items, item)
	}
	resp := map[string]interface{}{
		"date":      date,
		"start":     from.Format(time.RFC3339),
		"end":       to.Format(time.RFC3339),
		"data":      items,
		"truncated": page.Truncated,
	}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	}
	c.formatter.Write(w, r, http.StatusOK, resp)
}

// PublicStatistics serves GET /api/v1/public/{family}/statistics for one
// Buddhist-calendar day.
func (h *Handlers) PublicStatistics(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	family, ok := h.resolvePublicFamily(w, r)
	if !ok {
		return
	}

	date := r.URL.Query().Get("date")
	from, to, err := thaitime.DayWindowUTC(date)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := c.store.Aggregate(r.Context(), family, h.requestFilter(r), from, to, "1d", []string{"min", "max", "avg", "count"})
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"date":  date,
		"start": from.Format(time.RFC3339),
		"end":   to.Format(time.RFC3339),
		"data":  rows,
	})
}

// DashboardSummary serves GET /api/v1/dashboard/summary.
func (h *Handlers) DashboardSummary(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	zones := grantZones(apikey.GrantFrom(r.Context()))

	families := []types.SensorFamily{
		types.FamilyWaterLevel, types.FamilyMoisture,
		types.FamilyGateway, types.FamilyWeather,
	}
	summary := make(map[string]interface{}, len(families))
	for _, f := range families {
		_, total, err := c.store.ListSensors(r.Context(), f, zones, 1, 1)
		if err != nil {
			h.storeError(w, r, err)
			return
		}
		summary[string(f)] = map[string]interface{}{"sensors": total}
	}
	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"ts":       time.Now().UTC().Format(time.RFC3339),
		"families": summary,
	})
}

// resolveSensor fetches the {id} sensor and enforces the grant's family
// scope. It writes the response on failure.
func (h *Handlers) resolveSensor(w http.ResponseWriter, r *http.Request) (*types.Sensor, bool) {
	c := h.controller
	id := mux.Vars(r)["id"]

	sensor, err := c.store.GetSensor(r.Context(), id)
	if err != nil {
		h.storeError(w, r, err)
		return nil, false
	}
	if sensor == nil {
		c.formatter.WriteError(w, r, http.StatusNotFound, fmt.Sprintf("unknown sensor %q", id))
		return nil, false
	}
	if !familyAllowed(apikey.GrantFrom(r.Context()), sensor.Family) {
		c.formatter.WriteError(w, r, http.StatusForbidden, "family not in key scope")
		return nil, false
	}
	return sensor, true
}

// resolveFamily maps the first path segment under /api/v1 to a family
// and enforces the grant scope.
func (h *Handlers) resolveFamily(w http.ResponseWriter, r *http.Request) (types.SensorFamily, bool) {
	c := h.controller
	slug := pathSegment(r.URL.Path, 2) // /api/v1/<slug>/...
	family, err := familyFromSlug(slug)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return "", false
	}
	if !familyAllowed(apikey.GrantFrom(r.Context()), family) {
		c.formatter.WriteError(w, r, http.StatusForbidden, "family not in key scope")
		return "", false
	}
	return family, true
}

func (h *Handlers) resolvePublicFamily(w http.ResponseWriter, r *http.Request) (types.SensorFamily, bool) {
	c := h.controller
	family, err := familyFromSlug(mux.Vars(r)["family"])
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return "", false
	}
	if !familyAllowed(apikey.GrantFrom(r.Context()), family) {
		c.formatter.WriteError(w, r, http.StatusForbidden, "family not in key scope")
		return "", false
	}
	return family, true
}

// requestFilter merges the grant's zone scope with query filters.
func (h *Handlers) requestFilter(r *http.Request) timescale.Filter {
	f := timescale.Filter{Zones: grantZones(apikey.GrantFrom(r.Context()))}
	if ids := r.URL.Query().Get("sensor_ids"); ids != "" {
		f.SensorIDs = strings.Split(ids, ",")
	}
	return f
}

// storeError maps store failures onto the wire taxonomy: transient I/O
// becomes 503 with Retry-After, everything else a 500.
func (h *Handlers) storeError(w http.ResponseWriter, r *http.Request, err error) {
	c := h.controller
	if timescale.IsTransient(err) {
		w.Header().Set("Retry-After", "5")
		c.formatter.WriteError(w, r, http.StatusServiceUnavailable, "store temporarily unavailable")
		return
	}
	c.logger.Errorf("read query failed: %v", err)
	c.formatter.WriteError(w, r, http.StatusInternalServerError, "internal error")
}

func grantOf(r *http.Request) *apikey.Grant {
	return apikey.GrantFrom(r.Context())
}

func familyAllowed(grant *apikey.Grant, family types.SensorFamily) bool {
	if grant == nil {
		return false
	}
	return grant.AllowsFamily(family)
}

func grantZones(grant *apikey.Grant) []string {
	if grant == nil {
		return nil
	}
	return grant.Zones
}

func parsePage(r *http.Request) (page, limit int, err error) {
	page, limit = 1, defaultPageLimit
	q := r.URL.Query()
	if s := q.Get("page"); s != "" {
		if page, err = strconv.Atoi(s); err != nil || page < 1 {
			return 0, 0, fmt.Errorf("page must be a positive integer")
		}
	}
	if s := q.Get("limit"); s != "" {
		if limit, err = strconv.Atoi(s); err != nil || limit < 1 || limit > maxPageLimit {
			return 0, 0, fmt.Errorf("limit must be in [1, %d]", maxPageLimit)
		}
	}
	return page, limit, nil
}

// parseWindow reads start/end ISO-8601 UTC params, defaulting to the
// last 24 hours.
func parseWindow(r *http.Request) (from, to time.Time, err error) {
	q := r.URL.Query()
	to = time.Now().UTC()
	from = to.Add(-defaultWindow)

	if s := q.Get("start"); s != "" {
		if from, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start must be RFC 3339")
		}
	}
	if s := q.Get("end"); s != "" {
		if to, err = time.Parse(time.RFC3339, s); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end must be RFC 3339")
		}
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, fmt.Errorf("start must precede end")
	}
	return from.UTC(), to.UTC(), nil
}

func paginated(data interface{}, page, limit int, total int64) interface{} {
	return responseformat.Paginated{
		Data:       data,
		Pagination: responseformat.NewPagination(page, limit, total),
	}
}

// withBuddhistTimestamp flattens a reading and adds the BE-formatted
// sibling date field public consumers expect.
func withBuddhistTimestamp(r types.Reading) (map[string]interface{}, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	m["timestamp_buddhist"] = thaitime.FormatBE(r.GetTime())
	return m, nil
}

func reverse(rs []types.Reading) {
	for i, j := 0, len(rs)-1; i < j; i, j = i+1, j-1 {
		rs[i], rs[j] = rs[j], rs[i]
	}
}

func pathSegment(path string, idx int) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if idx < len(parts) {
		return parts[idx]
	}
	return ""
}
