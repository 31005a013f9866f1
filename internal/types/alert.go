package types

import "time"

// AlertSeverity buckets alerts for topic routing.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a threshold event derived from a freshly written reading.
type Alert struct {
	Severity AlertSeverity `json:"severity"`
	Kind     string        `json:"kind"`
	SensorID string        `json:"sensor_id"`
	Family   SensorFamily  `json:"family"`
	Value    float64       `json:"value"`
	Time     time.Time     `json:"time"`
}

// Alert thresholds for the irrigation fleet.
const (
	WaterLevelHighCm      = 25.0
	WaterLevelLowCm       = 5.0
	MoistureSurfaceLowPct = 20.0
)

// DeriveAlerts evaluates a reading against the fleet thresholds and
// returns zero or more alerts.
func DeriveAlerts(r Reading) []Alert {
	var alerts []Alert
	switch v := r.(type) {
	case *WaterLevelReading:
		if v.LevelCm > WaterLevelHighCm {
			alerts = append(alerts, Alert{
				Severity: SeverityCritical, Kind: "water_high",
				SensorID: v.SensorID, Family: FamilyWaterLevel,
				Value: v.LevelCm, Time: v.Time,
			})
		}
		if v.LevelCm < WaterLevelLowCm {
			alerts = append(alerts, Alert{
				Severity: SeverityWarning, Kind: "water_low",
				SensorID: v.SensorID, Family: FamilyWaterLevel,
				Value: v.LevelCm, Time: v.Time,
			})
		}
	case *MoistureReading:
		if v.MoistureSurfacePct < MoistureSurfaceLowPct {
			alerts = append(alerts, Alert{
				Severity: SeverityWarning, Kind: "moisture_low",
				SensorID: v.SensorID, Family: FamilyMoisture,
				Value: v.MoistureSurfacePct, Time: v.Time,
			})
		}
		if v.Flood {
			alerts = append(alerts, Alert{
				Severity: SeverityCritical, Kind: "flood",
				SensorID: v.SensorID, Family: FamilyMoisture,
				Value: 1, Time: v.Time,
			})
		}
	}
	return alerts
}
