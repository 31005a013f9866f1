package codec

import (
	"encoding/json"
	"time"

	"github.com/munbon/sensorhub/internal/types"
)

// waterLevelPayload is the vendor JSON posted by RID-R water-level
// gateways. Voltage arrives in centivolts; the timestamp is epoch
// milliseconds.
type waterLevelPayload struct {
	DeviceID    string   `json:"deviceID"`
	MacAddress  string   `json:"macAddress"`
	Latitude    *float64 `json:"latitude"`
	Longitude   *float64 `json:"longitude"`
	RSSI        int      `json:"RSSI"`
	Voltage     float64  `json:"voltage"`
	Level       float64  `json:"level"`
	Temperature *float64 `json:"temperature"`
	Timestamp   int64    `json:"timestamp"`
}

func decodeWaterLevel(body []byte) (*Result, error) {
	var p waterLevelPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, decodeErr(ReasonShapeMismatch, "water-level payload: %v", err)
	}
	if p.MacAddress == "" {
		return nil, decodeErr(ReasonMissingIdentity, "water-level payload has no macAddress")
	}

	id, err := types.WaterLevelID(p.MacAddress)
	if err != nil {
		return nil, decodeErr(ReasonMissingIdentity, "%v", err)
	}

	if p.Timestamp <= 0 {
		return nil, decodeErr(ReasonBadTimestamp, "water-level timestamp %d", p.Timestamp)
	}
	ts := time.UnixMilli(p.Timestamp).UTC()

	voltageV := p.Voltage / 100 // vendor sends centivolts

	q := newQualityScore()
	q.voltage(&voltageV, lowVoltageV)
	q.temperature(p.Temperature)

	reading := &types.WaterLevelReading{
		Time:         ts,
		SensorID:     id,
		LevelCm:      p.Level,
		VoltageV:     voltageV,
		RSSIDbm:      p.RSSI,
		TemperatureC: p.Temperature,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Quality:      q.value(),
	}

	facts := SensorFacts{
		ID:           id,
		Family:       types.FamilyWaterLevel,
		Manufacturer: "RID-R",
		SeenAt:       ts,
		Metadata: map[string]interface{}{
			"device_id":   p.DeviceID,
			"mac_address": p.MacAddress,
		},
	}
	if p.Latitude != nil && p.Longitude != nil {
		facts.Location = &types.LatLng{Lat: *p.Latitude, Lng: *p.Longitude}
	}

	return &Result{
		Family:   types.FamilyWaterLevel,
		Readings: []types.Reading{reading},
		Sensors:  []SensorFacts{facts},
	}, nil
}
