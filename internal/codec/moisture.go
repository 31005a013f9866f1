package codec

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/munbon/sensorhub/internal/types"
)

// moisturePayload is the v2 vendor JSON posted by M2M moisture gateways:
// gateway-level ambient fields plus a sensor array. Every value arrives
// as a string; numerics may carry leading zeros and empty strings mean
// "not reported".
type moisturePayload struct {
	GatewayID   string           `json:"gw_id"`
	MsgType     string           `json:"msg_type"`
	GPSLat      string           `json:"gps_lat"`
	GPSLng      string           `json:"gps_lng"`
	Date        string           `json:"date"` // gateway clock, Asia/Bangkok
	Time        string           `json:"time"`
	Humidity    string           `json:"humidity"` // ambient at the gateway
	Temperature string           `json:"temperature"`
	HeatIndex   string           `json:"heat_index"`
	Battery     string           `json:"batt"`
	Sensors     []moistureSensor `json:"sensor"`
}

type moistureSensor struct {
	SensorID   string `json:"sensor_id"`
	FloodLevel string `json:"flood"`
	SensorUTC  string `json:"sensor_utc"` // HH:MM:SS, UTC
	SensorDate string `json:"sensor_date"`
	HumidHi    string `json:"humid_hi"` // surface moisture %
	HumidLow   string `json:"humid_low"`
	TempHi     string `json:"temp_hi"` // surface soil temperature
	TempLow    string `json:"temp_low"`
	AmbHumid   string `json:"amb_humid"`
	AmbTemp    string `json:"amb_temp"`
	SensorBatt string `json:"sensor_batt"`
}

func decodeMoisture(body []byte, receivedAt time.Time) (*Result, error) {
	var p moisturePayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, decodeErr(ReasonShapeMismatch, "moisture payload: %v", err)
	}
	if strings.TrimSpace(p.GatewayID) == "" {
		return nil, decodeErr(ReasonMissingIdentity, "moisture payload has no gw_id")
	}

	gwID, err := types.MoistureGatewayID(p.GatewayID)
	if err != nil {
		return nil, decodeErr(ReasonMissingIdentity, "%v", err)
	}

	gwLocation := optLocation(p.GPSLat, p.GPSLng)
	gwTime, gwTimeOK := parseGatewayTime(p.Date, p.Time)

	result := &Result{Family: types.FamilyMoisture}

	// The gateway is a sensor in its own right: its ambient fields live
	// in registry metadata, refreshed on every payload. A payload with
	// no sensor array is a registry-only update.
	gwSeen := receivedAt.UTC()
	if gwTimeOK {
		gwSeen = gwTime
	}
	gwFacts := SensorFacts{
		ID:           gwID,
		Family:       types.FamilyGateway,
		Manufacturer: "M2M",
		Location:     gwLocation,
		SeenAt:       gwSeen,
		Metadata:     map[string]interface{}{"gw_id": p.GatewayID},
	}
	if v := optFloat(p.Humidity); v != nil {
		gwFacts.Metadata["ambient_humidity_pct"] = *v
	}
	if v := optFloat(p.Temperature); v != nil {
		gwFacts.Metadata["ambient_temp_c"] = *v
	}
	if v := optFloat(p.HeatIndex); v != nil {
		gwFacts.Metadata["heat_index_c"] = *v
	}
	if v := optFloat(p.Battery); v != nil {
		gwFacts.Metadata["battery_v"] = *v
	}
	result.Sensors = append(result.Sensors, gwFacts)

	for i := range p.Sensors {
		s := &p.Sensors[i]
		if strings.TrimSpace(s.SensorID) == "" {
			return nil, decodeErr(ReasonMissingIdentity, "sensor[%d] has no sensor_id", i)
		}
		id, err := types.MoistureSensorID(p.GatewayID, s.SensorID)
		if err != nil {
			return nil, decodeErr(ReasonMissingIdentity, "sensor[%d]: %v", i, err)
		}

		// Per-sensor UTC stamps win over the gateway clock.
		ts, ok := parseSensorTime(s.SensorDate, s.SensorUTC)
		if !ok {
			if !gwTimeOK {
				return nil, decodeErr(ReasonBadTimestamp, "sensor[%d] has no usable timestamp", i)
			}
			ts = gwTime
		}

		surface := optFloat(s.HumidHi)
		deep := optFloat(s.HumidLow)
		if surface == nil || deep == nil {
			return nil, decodeErr(ReasonShapeMismatch, "sensor[%d] missing moisture fields", i)
		}

		tempSurface := optFloat(s.TempHi)
		tempDeep := optFloat(s.TempLow)
		ambHumid := optFloat(s.AmbHumid)
		ambTemp := optFloat(s.AmbTemp)
		batt := optFloat(s.SensorBatt)

		q := newQualityScore()
		q.moisture(*surface)
		q.moisture(*deep)
		q.temperature(tempSurface)
		q.temperature(tempDeep)
		q.temperature(ambTemp)
		q.voltage(batt, lowVoltageV)

		reading := &types.MoistureReading{
			Time:               ts,
			SensorID:           id,
			GatewayID:          gwID,
			MoistureSurfacePct: *surface,
			MoistureDeepPct:    *deep,
			TempSurfaceC:       tempSurface,
			TempDeepC:          tempDeep,
			AmbientHumidityPct: ambHumid,
			AmbientTempC:       ambTemp,
			Flood:              strings.EqualFold(strings.TrimSpace(s.FloodLevel), "yes"),
			VoltageV:           batt,
			Quality:            q.value(),
		}
		if gwLocation != nil {
			reading.Latitude = &gwLocation.Lat
			reading.Longitude = &gwLocation.Lng
		}
		result.Readings = append(result.Readings, reading)

		result.Sensors = append(result.Sensors, SensorFacts{
			ID:           id,
			Family:       types.FamilyMoisture,
			Manufacturer: "M2M",
			Location:     gwLocation,
			SeenAt:       ts,
			Metadata: map[string]interface{}{
				"gw_id":     p.GatewayID,
				"sensor_id": s.SensorID,
			},
		})
	}

	return result, nil
}

// optFloat parses a vendor numeric string. Empty strings map to nil;
// leading zeros are decimal, not octal.
func optFloat(s string) *float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	s = strings.TrimLeft(s, "0")
	if s == "" || s[0] == '.' {
		s = "0" + s
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func optLocation(lat, lng string) *types.LatLng {
	la := optFloat(lat)
	ln := optFloat(lng)
	if la == nil || ln == nil {
		return nil
	}
	return &types.LatLng{Lat: *la, Lng: *ln}
}

// parseSensorTime combines sensor_date (yyyy/mm/dd) and sensor_utc
// (HH:MM:SS). The _utc suffix is taken at its word: these are UTC.
func parseSensorTime(date, clock string) (time.Time, bool) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006/01/02 15:04:05", date+" "+clock, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// parseGatewayTime combines the gateway's date and time fields, which
// are wall-clock Asia/Bangkok.
func parseGatewayTime(date, clock string) (time.Time, bool) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006/01/02 15:04:05", date+" "+clock, bangkok)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}
