package timescale

const createExtensionSQL = `CREATE EXTENSION IF NOT EXISTS timescaledb;`

const createSensorsTableSQL = `
CREATE TABLE IF NOT EXISTS sensors (
    sensor_id text PRIMARY KEY,
    family text NOT NULL,
    manufacturer text NULL,
    first_seen timestamp WITH TIME ZONE NOT NULL,
    last_seen timestamp WITH TIME ZONE NOT NULL,
    latitude float8 NULL,
    longitude float8 NULL,
    metadata jsonb NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_sensors_family ON sensors (family);
CREATE INDEX IF NOT EXISTS idx_sensors_last_seen ON sensors (last_seen);
`

const createLocationHistoryTableSQL = `
CREATE TABLE IF NOT EXISTS sensor_location_history (
    id bigserial PRIMARY KEY,
    sensor_id text NOT NULL,
    time timestamp WITH TIME ZONE NOT NULL,
    latitude float8 NOT NULL,
    longitude float8 NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_location_history_sensor ON sensor_location_history (sensor_id, time);
`

const createWaterLevelTableSQL = `
CREATE TABLE IF NOT EXISTS water_level_readings (
    time timestamp WITH TIME ZONE NOT NULL,
    sensor_id text NOT NULL,
    level_cm float8 NULL,
    voltage_v float8 NULL,
    rssi_dbm int NULL,
    temperature_c float8 NULL,
    latitude float8 NULL,
    longitude float8 NULL,
    quality float8 NOT NULL DEFAULT 1.0,
    PRIMARY KEY (sensor_id, time)
);
`

const createMoistureTableSQL = `
CREATE TABLE IF NOT EXISTS moisture_readings (
    time timestamp WITH TIME ZONE NOT NULL,
    sensor_id text NOT NULL,
    gateway_id text NULL,
    moisture_surface_pct float8 NULL,
    moisture_deep_pct float8 NULL,
    temp_surface_c float8 NULL,
    temp_deep_c float8 NULL,
    ambient_humidity_pct float8 NULL,
    ambient_temp_c float8 NULL,
    flood boolean NOT NULL DEFAULT false,
    voltage_v float8 NULL,
    latitude float8 NULL,
    longitude float8 NULL,
    quality float8 NOT NULL DEFAULT 1.0,
    PRIMARY KEY (sensor_id, time)
);
CREATE INDEX IF NOT EXISTS idx_moisture_gateway ON moisture_readings (gateway_id, time);
`

const createWeatherTableSQL = `
CREATE TABLE IF NOT EXISTS weather_readings (
    time timestamp WITH TIME ZONE NOT NULL,
    sensor_id text NOT NULL,
    rainfall_mm float8 NULL,
    temperature_c float8 NULL,
    humidity_pct float8 NULL,
    wind_speed_ms float8 NULL,
    wind_max_ms float8 NULL,
    wind_dir_deg float8 NULL,
    solar_radiation_wm2 float8 NULL,
    battery_v float8 NULL,
    pressure_hpa float8 NULL,
    latitude float8 NULL,
    longitude float8 NULL,
    quality float8 NOT NULL DEFAULT 1.0,
    PRIMARY KEY (sensor_id, time)
);
`

// Readings tables are hypertables chunked weekly.
const (
	createWaterLevelHypertableSQL = `SELECT create_hypertable('water_level_readings', 'time', chunk_time_interval => INTERVAL '7 days', if_not_exists => true);`
	createMoistureHypertableSQL   = `SELECT create_hypertable('moisture_readings', 'time', chunk_time_interval => INTERVAL '7 days', if_not_exists => true);`
	createWeatherHypertableSQL    = `SELECT create_hypertable('weather_readings', 'time', chunk_time_interval => INTERVAL '7 days', if_not_exists => true);`
)

// Chunks older than 30 days compress; rows older than 2 years roll off.
const (
	enableWaterLevelCompressionSQL = `ALTER TABLE water_level_readings SET (timescaledb.compress, timescaledb.compress_segmentby = 'sensor_id');`
	enableMoistureCompressionSQL   = `ALTER TABLE moisture_readings SET (timescaledb.compress, timescaledb.compress_segmentby = 'sensor_id');`
	enableWeatherCompressionSQL    = `ALTER TABLE weather_readings SET (timescaledb.compress, timescaledb.compress_segmentby = 'sensor_id');`

	addWaterLevelCompressionPolicySQL = `SELECT add_compression_policy('water_level_readings', INTERVAL '30 days', if_not_exists => true);`
	addMoistureCompressionPolicySQL   = `SELECT add_compression_policy('moisture_readings', INTERVAL '30 days', if_not_exists => true);`
	addWeatherCompressionPolicySQL    = `SELECT add_compression_policy('weather_readings', INTERVAL '30 days', if_not_exists => true);`

	addWaterLevelRetentionPolicySQL = `SELECT add_retention_policy('water_level_readings', INTERVAL '2 years', if_not_exists => true);`
	addMoistureRetentionPolicySQL   = `SELECT add_retention_policy('moisture_readings', INTERVAL '2 years', if_not_exists => true);`
	addWeatherRetentionPolicySQL    = `SELECT add_retention_policy('weather_readings', INTERVAL '2 years', if_not_exists => true);`
)

const upsertSensorSQL = `
INSERT INTO sensors (sensor_id, family, manufacturer, first_seen, last_seen, latitude, longitude, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (sensor_id) DO UPDATE SET
    last_seen = GREATEST(sensors.last_seen, EXCLUDED.last_seen),
    manufacturer = COALESCE(NULLIF(EXCLUDED.manufacturer, ''), sensors.manufacturer),
    latitude = COALESCE(EXCLUDED.latitude, sensors.latitude),
    longitude = COALESCE(EXCLUDED.longitude, sensors.longitude),
    metadata = sensors.metadata || EXCLUDED.metadata;
`
