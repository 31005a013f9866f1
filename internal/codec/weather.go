package codec

import (
	"encoding/json"
	"time"

	"github.com/munbon/sensorhub/internal/types"
)

// weatherPayload is the SCADA row feed for AOS weather stations: a
// station number plus rows of named columns. Station clocks are wall
// time Asia/Bangkok.
type weatherPayload struct {
	StationNum int               `json:"stationNum"`
	Rows       []weatherRow      `json:"rows"`
}

type weatherRow struct {
	DateTime string             `json:"dateTime"`
	Values   map[string]float64 `json:"values"`
}

// weatherColumnMap is the static SCADA column → canonical field mapping.
var weatherColumnMap = map[string]func(*types.WeatherReading, float64){
	"Rainfall":  func(r *types.WeatherReading, v float64) { r.RainfallMm = &v },
	"AirTemp":   func(r *types.WeatherReading, v float64) { r.TemperatureC = &v },
	"Humidity":  func(r *types.WeatherReading, v float64) { r.HumidityPct = &v },
	"WindSpeed": func(r *types.WeatherReading, v float64) { r.WindSpeedMs = &v },
	"WindMax":   func(r *types.WeatherReading, v float64) { r.WindMaxMs = &v },
	"WindDir":   func(r *types.WeatherReading, v float64) { r.WindDirDeg = &v },
	"SolarRad":  func(r *types.WeatherReading, v float64) { r.SolarRadiationWm2 = &v },
	"Battery":   func(r *types.WeatherReading, v float64) { r.BatteryV = &v },
	"Pressure":  func(r *types.WeatherReading, v float64) { r.PressureHpa = &v },
}

func decodeWeather(body []byte) (*Result, error) {
	var p weatherPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, decodeErr(ReasonShapeMismatch, "weather payload: %v", err)
	}
	if p.StationNum <= 0 {
		return nil, decodeErr(ReasonMissingIdentity, "weather payload has no stationNum")
	}

	id := types.WeatherStationID(p.StationNum)
	result := &Result{Family: types.FamilyWeather}

	var lastSeen time.Time
	for i := range p.Rows {
		row := &p.Rows[i]
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", row.DateTime, bangkok)
		if err != nil {
			return nil, decodeErr(ReasonBadTimestamp, "weather row %d: %v", i, err)
		}

		reading := &types.WeatherReading{
			Time:     ts.UTC(),
			SensorID: id,
		}
		for col, v := range row.Values {
			if assign, ok := weatherColumnMap[col]; ok {
				assign(reading, v)
			}
		}

		q := newQualityScore()
		q.temperature(reading.TemperatureC)
		q.voltage(reading.BatteryV, weatherLowBatteryV)
		reading.Quality = q.value()

		result.Readings = append(result.Readings, reading)
		if reading.Time.After(lastSeen) {
			lastSeen = reading.Time
		}
	}

	if len(result.Readings) == 0 {
		return nil, decodeErr(ReasonShapeMismatch, "weather payload has no rows")
	}

	result.Sensors = []SensorFacts{{
		ID:           id,
		Family:       types.FamilyWeather,
		Manufacturer: "AOS",
		SeenAt:       lastSeen,
		Metadata:     map[string]interface{}{"station_num": p.StationNum},
	}}

	return result, nil
}
