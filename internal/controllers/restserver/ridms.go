package restserver

import (
	"net/http"
	"time"

	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
)

// The RID-MS surface preserves the field names the Royal Irrigation
// Department's moisture integration has consumed since before this
// service existed. Do not rename them.

type ridmsSensor struct {
	SensorID     string   `json:"sensorId"`
	GatewayID    string   `json:"gatewayId,omitempty"`
	SensorType   string   `json:"sensorType"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
	LastSeen     string   `json:"lastSeen"`
	IsActive     bool     `json:"isActive"`
}

// RIDMSSensors serves GET /api/v1/external/rid-ms/sensors.
func (h *Handlers) RIDMSSensors(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	page, limit, err := parsePage(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sensors, total, err := c.store.ListSensors(r.Context(), types.FamilyMoisture, grantZones(grantOf(r)), page, limit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	now := time.Now().UTC()
	out := make([]ridmsSensor, 0, len(sensors))
	for i := range sensors {
		out = append(out, toRIDMSSensor(&sensors[i], now))
	}
	c.formatter.Write(w, r, http.StatusOK, paginated(out, page, limit, total))
}

// RIDMSReadings serves GET /api/v1/external/rid-ms/readings.
func (h *Handlers) RIDMSReadings(w http.ResponseWriter, r *http.Request) {
	c := h.controller
	from, to, err := parseWindow(r)
	if err != nil {
		c.formatter.WriteError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	page, err := c.store.Series(r.Context(), types.FamilyMoisture, h.requestFilter(r), from, to, timescale.MaxSeriesRows, r.URL.Query().Get("cursor"))
	if err != nil {
		h.storeError(w, r, err)
		return
	}

	out := make([]map[string]interface{}, 0, len(page.Readings))
	for _, reading := range page.Readings {
		m, ok := reading.(*types.MoistureReading)
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"sensorId":        m.SensorID,
			"gatewayId":       m.GatewayID,
			"timestamp":       m.Time.UTC().Format(time.RFC3339),
			"moistureSurface": m.MoistureSurfacePct,
			"moistureDeep":    m.MoistureDeepPct,
			"floodStatus":     m.Flood,
			"qualityScore":    m.Quality,
		})
	}
	resp := map[string]interface{}{"data": out, "truncated": page.Truncated}
	if page.NextCursor != "" {
		resp["next_cursor"] = page.NextCursor
	}
	c.formatter.Write(w, r, http.StatusOK, resp)
}

// RIDMSSpatial serves GET /api/v1/external/rid-ms/spatial as a GeoJSON
// FeatureCollection: one Point feature per located sensor, its newest
// reading in the properties.
func (h *Handlers) RIDMSSpatial(w http.ResponseWriter, r *http.Request) {
	c := h.controller

	sensors, _, err := c.store.ListSensors(r.Context(), types.FamilyMoisture, grantZones(grantOf(r)), 1, maxPageLimit)
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	latest, err := c.store.Latest(r.Context(), types.FamilyMoisture, h.requestFilter(r))
	if err != nil {
		h.storeError(w, r, err)
		return
	}
	latestByID := make(map[string]*types.MoistureReading, len(latest))
	for _, reading := range latest {
		if m, ok := reading.(*types.MoistureReading); ok {
			latestByID[m.SensorID] = m
		}
	}

	now := time.Now().UTC()
	features := make([]map[string]interface{}, 0, len(sensors))
	for i := range sensors {
		s := &sensors[i]
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		props := map[string]interface{}{
			"sensorId":   s.ID,
			"sensorType": string(s.Family),
			"isActive":   s.Active(now),
		}
		if m, ok := latestByID[s.ID]; ok {
			props["lastReading"] = map[string]interface{}{
				"timestamp":       m.Time.UTC().Format(time.RFC3339),
				"moistureSurface": m.MoistureSurfacePct,
				"moistureDeep":    m.MoistureDeepPct,
				"floodStatus":     m.Flood,
			}
		}
		features = append(features, map[string]interface{}{
			"type": "Feature",
			"geometry": map[string]interface{}{
				"type":        "Point",
				"coordinates": []float64{*s.Longitude, *s.Latitude},
			},
			"properties": props,
		})
	}

	c.formatter.Write(w, r, http.StatusOK, map[string]interface{}{
		"type":     "FeatureCollection",
		"features": features,
	})
}

func toRIDMSSensor(s *types.Sensor, now time.Time) ridmsSensor {
	return ridmsSensor{
		SensorID:     s.ID,
		GatewayID:    gatewayOf(s),
		SensorType:   string(s.Family),
		Manufacturer: s.Manufacturer,
		Latitude:     s.Latitude,
		Longitude:    s.Longitude,
		LastSeen:     s.LastSeen.UTC().Format(time.RFC3339),
		IsActive:     s.Active(now),
	}
}

func gatewayOf(s *types.Sensor) string {
	if meta := s.MetadataMap(); meta != nil {
		if gw, ok := meta["gateway_id"].(string); ok {
			return gw
		}
	}
	return ""
}
