package types

import "time"

// Reading is implemented by every canonical reading variant. Readings are
// immutable once written; (SensorID, Time) is unique per family table.
type Reading interface {
	GetSensorID() string
	GetTime() time.Time
	GetFamily() SensorFamily
	GetQuality() float64
}

// WaterLevelReading is one canal water-level measurement.
type WaterLevelReading struct {
	Time         time.Time `gorm:"column:time;primaryKey" json:"time"`
	SensorID     string    `gorm:"column:sensor_id;primaryKey" json:"sensor_id"`
	LevelCm      float64   `gorm:"column:level_cm" json:"level_cm"`
	VoltageV     float64   `gorm:"column:voltage_v" json:"voltage_v"`
	RSSIDbm      int       `gorm:"column:rssi_dbm" json:"rssi_dbm"`
	TemperatureC *float64  `gorm:"column:temperature_c" json:"temperature_c,omitempty"`
	Latitude     *float64  `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude    *float64  `gorm:"column:longitude" json:"longitude,omitempty"`
	Quality      float64   `gorm:"column:quality" json:"quality"`
}

func (WaterLevelReading) TableName() string            { return "water_level_readings" }
func (r *WaterLevelReading) GetSensorID() string       { return r.SensorID }
func (r *WaterLevelReading) GetTime() time.Time        { return r.Time }
func (r *WaterLevelReading) GetFamily() SensorFamily   { return FamilyWaterLevel }
func (r *WaterLevelReading) GetQuality() float64       { return r.Quality }

// MoistureReading is one in-ground soil-moisture measurement taken by a
// sensor hanging off a moisture gateway.
type MoistureReading struct {
	Time               time.Time `gorm:"column:time;primaryKey" json:"time"`
	SensorID           string    `gorm:"column:sensor_id;primaryKey" json:"sensor_id"`
	GatewayID          string    `gorm:"column:gateway_id;index" json:"gateway_id"`
	MoistureSurfacePct float64   `gorm:"column:moisture_surface_pct" json:"moisture_surface_pct"`
	MoistureDeepPct    float64   `gorm:"column:moisture_deep_pct" json:"moisture_deep_pct"`
	TempSurfaceC       *float64  `gorm:"column:temp_surface_c" json:"temp_surface_c,omitempty"`
	TempDeepC          *float64  `gorm:"column:temp_deep_c" json:"temp_deep_c,omitempty"`
	AmbientHumidityPct *float64  `gorm:"column:ambient_humidity_pct" json:"ambient_humidity_pct,omitempty"`
	AmbientTempC       *float64  `gorm:"column:ambient_temp_c" json:"ambient_temp_c,omitempty"`
	Flood              bool      `gorm:"column:flood" json:"flood"`
	VoltageV           *float64  `gorm:"column:voltage_v" json:"voltage_v,omitempty"`
	Latitude           *float64  `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude          *float64  `gorm:"column:longitude" json:"longitude,omitempty"`
	Quality            float64   `gorm:"column:quality" json:"quality"`
}

func (MoistureReading) TableName() string            { return "moisture_readings" }
func (r *MoistureReading) GetSensorID() string       { return r.SensorID }
func (r *MoistureReading) GetTime() time.Time        { return r.Time }
func (r *MoistureReading) GetFamily() SensorFamily   { return FamilyMoisture }
func (r *MoistureReading) GetQuality() float64       { return r.Quality }

// WeatherReading is one row from the SCADA weather-station feed. Every
// metric is nullable because stations report sparse column sets.
type WeatherReading struct {
	Time              time.Time `gorm:"column:time;primaryKey" json:"time"`
	SensorID          string    `gorm:"column:sensor_id;primaryKey" json:"sensor_id"`
	RainfallMm        *float64  `gorm:"column:rainfall_mm" json:"rainfall_mm,omitempty"`
	TemperatureC      *float64  `gorm:"column:temperature_c" json:"temperature_c,omitempty"`
	HumidityPct       *float64  `gorm:"column:humidity_pct" json:"humidity_pct,omitempty"`
	WindSpeedMs       *float64  `gorm:"column:wind_speed_ms" json:"wind_speed_ms,omitempty"`
	WindMaxMs         *float64  `gorm:"column:wind_max_ms" json:"wind_max_ms,omitempty"`
	WindDirDeg        *float64  `gorm:"column:wind_dir_deg" json:"wind_dir_deg,omitempty"`
	SolarRadiationWm2 *float64  `gorm:"column:solar_radiation_wm2" json:"solar_radiation_wm2,omitempty"`
	BatteryV          *float64  `gorm:"column:battery_v" json:"battery_v,omitempty"`
	PressureHpa       *float64  `gorm:"column:pressure_hpa" json:"pressure_hpa,omitempty"`
	Latitude          *float64  `gorm:"column:latitude" json:"latitude,omitempty"`
	Longitude         *float64  `gorm:"column:longitude" json:"longitude,omitempty"`
	Quality           float64   `gorm:"column:quality" json:"quality"`
}

func (WeatherReading) TableName() string            { return "weather_readings" }
func (r *WeatherReading) GetSensorID() string       { return r.SensorID }
func (r *WeatherReading) GetTime() time.Time        { return r.Time }
func (r *WeatherReading) GetFamily() SensorFamily   { return FamilyWeather }
func (r *WeatherReading) GetQuality() float64       { return r.Quality }
