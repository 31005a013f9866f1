// Package types holds the canonical data model shared by the ingest
// pipeline and the read API: sensors, readings, and the bus envelope.
package types

import (
	"time"

	"github.com/jackc/pgtype"
)

// SensorFamily identifies the schema and endpoint group a sensor belongs to.
type SensorFamily string

const (
	FamilyWaterLevel SensorFamily = "water_level"
	FamilyMoisture   SensorFamily = "moisture"
	FamilyGateway    SensorFamily = "gateway"
	FamilyWeather    SensorFamily = "weather"
)

// ValidFamily reports whether f is one of the known sensor families.
func ValidFamily(f SensorFamily) bool {
	switch f {
	case FamilyWaterLevel, FamilyMoisture, FamilyGateway, FamilyWeather:
		return true
	}
	return false
}

// LatLng is a WGS84 coordinate pair.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Sensor is the registry entity. Exactly one row exists per sensor ID and
// it is updated in place on every reading. Sensors are never deleted;
// staleness is a derived view over LastSeen.
type Sensor struct {
	ID           string       `gorm:"column:sensor_id;primaryKey" json:"sensor_id"`
	Family       SensorFamily `gorm:"column:family;index" json:"family"`
	Manufacturer string       `gorm:"column:manufacturer" json:"manufacturer,omitempty"`
	FirstSeen    time.Time    `gorm:"column:first_seen" json:"first_seen"`
	LastSeen     time.Time    `gorm:"column:last_seen;index" json:"last_seen"`
	Latitude     *float64     `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude    *float64     `gorm:"column:longitude" json:"longitude,omitempty"`
	Metadata     pgtype.JSONB `gorm:"column:metadata;type:jsonb;default:'{}'" json:"metadata"`
}

// TableName implements the GORM Tabler interface.
func (Sensor) TableName() string { return "sensors" }

// Location returns the sensor's last observed location, if any.
func (s *Sensor) Location() *LatLng {
	if s.Latitude == nil || s.Longitude == nil {
		return nil
	}
	return &LatLng{Lat: *s.Latitude, Lng: *s.Longitude}
}

// StaleAfter is the window after which a silent sensor is reported inactive.
const StaleAfter = 24 * time.Hour

// Active reports whether the sensor has been heard from within StaleAfter.
// This is a view over LastSeen, not a stored flag.
func (s *Sensor) Active(now time.Time) bool {
	return now.Sub(s.LastSeen) <= StaleAfter
}

// MetadataMap decodes the JSONB metadata column into a map. A null or
// unset column decodes to an empty map.
func (s *Sensor) MetadataMap() map[string]interface{} {
	m := make(map[string]interface{})
	if s.Metadata.Status == pgtype.Present {
		_ = s.Metadata.AssignTo(&m)
	}
	return m
}

// LocationHistory records every movement of a sensor beyond the drift
// threshold. The sensors table keeps only the last observed location.
type LocationHistory struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	SensorID  string    `gorm:"column:sensor_id;index" json:"sensor_id"`
	Time      time.Time `gorm:"column:time" json:"time"`
	Latitude  float64   `gorm:"column:latitude" json:"latitude"`
	Longitude float64   `gorm:"column:longitude" json:"longitude"`
}

// TableName implements the GORM Tabler interface.
func (LocationHistory) TableName() string { return "sensor_location_history" }
