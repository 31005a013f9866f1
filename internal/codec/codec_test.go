package codec

import (
	"testing"
	"time"

	"github.com/munbon/sensorhub/internal/types"
)

func envelope(token string, body string) *types.RawEnvelope {
	return &types.RawEnvelope{
		ReceivedAt:    time.Date(2025, 8, 1, 16, 0, 0, 0, time.UTC),
		Transport:     types.TransportEdgeHTTP,
		Token:         token,
		ContentType:   "application/json",
		VendorPayload: []byte(body),
	}
}

func TestDecodeWaterLevel(t *testing.T) {
	body := `{"deviceID":"abc","macAddress":"1A2B3C4D5E6F","latitude":13.75,"longitude":100.50,"RSSI":-65,"voltage":420,"level":15,"timestamp":1748841346551}`

	res, err := Decode(envelope("munbon-ridr-water-level", body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if res.Family != types.FamilyWaterLevel {
		t.Errorf("family = %q, want water_level", res.Family)
	}
	if len(res.Readings) != 1 {
		t.Fatalf("got %d readings, want 1", len(res.Readings))
	}

	r, ok := res.Readings[0].(*types.WaterLevelReading)
	if !ok {
		t.Fatalf("reading type = %T, want *WaterLevelReading", res.Readings[0])
	}
	if r.SensorID != "WL-1A2B3C4D5E6F" {
		t.Errorf("sensor id = %q, want WL-1A2B3C4D5E6F", r.SensorID)
	}
	wantTime := time.Date(2025, 6, 2, 7, 55, 46, 551_000_000, time.UTC)
	if !r.Time.Equal(wantTime) {
		t.Errorf("time = %v, want %v", r.Time, wantTime)
	}
	if r.LevelCm != 15 {
		t.Errorf("level = %v, want 15", r.LevelCm)
	}
	if r.VoltageV != 4.20 {
		t.Errorf("voltage = %v, want 4.20", r.VoltageV)
	}
	if r.RSSIDbm != -65 {
		t.Errorf("rssi = %v, want -65", r.RSSIDbm)
	}
	if r.Quality != 1.0 {
		t.Errorf("quality = %v, want 1.0", r.Quality)
	}

	if len(res.Sensors) != 1 || res.Sensors[0].ID != "WL-1A2B3C4D5E6F" {
		t.Errorf("sensor facts = %+v, want one entry for WL-1A2B3C4D5E6F", res.Sensors)
	}
	if res.Sensors[0].Location == nil || res.Sensors[0].Location.Lat != 13.75 {
		t.Errorf("sensor facts location = %+v, want lat 13.75", res.Sensors[0].Location)
	}
}

func TestDecodeWaterLevelMACNormalization(t *testing.T) {
	tests := []struct {
		name    string
		mac     string
		want    string
		wantErr bool
	}{
		{name: "plain", mac: "1a2b3c4d5e6f", want: "WL-1A2B3C4D5E6F"},
		{name: "colon separated", mac: "1A:2B:3C:4D:5E:6F", want: "WL-1A2B3C4D5E6F"},
		{name: "longer than 12, keeps tail", mac: "00DEAD1A2B3C4D5E6F", want: "WL-1A2B3C4D5E6F"},
		{name: "too short", mac: "1A2B", wantErr: true},
		{name: "non-hex", mac: "1A2B3C4D5EZZ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := types.WaterLevelID(tt.mac)
			if tt.wantErr {
				if err == nil {
					t.Errorf("WaterLevelID(%q) = %q, want error", tt.mac, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("WaterLevelID(%q) error = %v", tt.mac, err)
			}
			if got != tt.want {
				t.Errorf("WaterLevelID(%q) = %q, want %q", tt.mac, got, tt.want)
			}
		})
	}
}

func TestDecodeMoistureFanOut(t *testing.T) {
	body := `{
		"gw_id": "3",
		"gps_lat": "13.94551",
		"gps_lng": "100.73405",
		"date": "2025/08/01",
		"time": "22:40:00",
		"humidity": "65",
		"temperature": "29.5",
		"batt": "12.1",
		"sensor": [
			{"sensor_id":"13","sensor_utc":"15:36:34","sensor_date":"2025/08/01","humid_hi":"018","humid_low":"018","temp_hi":"28.5","temp_low":"27.0","flood":"no","sensor_batt":"3.72"},
			{"sensor_id":"13","sensor_utc":"15:37:41","sensor_date":"2025/08/01","humid_hi":"019","humid_low":"018","temp_hi":"28.5","temp_low":"27.0","flood":"no","sensor_batt":"3.72"}
		]
	}`

	res, err := Decode(envelope("munbon-m2m-moisture", body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(res.Readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(res.Readings))
	}

	wantTimes := []time.Time{
		time.Date(2025, 8, 1, 15, 36, 34, 0, time.UTC),
		time.Date(2025, 8, 1, 15, 37, 41, 0, time.UTC),
	}
	for i, rd := range res.Readings {
		r, ok := rd.(*types.MoistureReading)
		if !ok {
			t.Fatalf("reading %d type = %T, want *MoistureReading", i, rd)
		}
		if r.SensorID != "MS-00003-00013" {
			t.Errorf("reading %d sensor id = %q, want MS-00003-00013", i, r.SensorID)
		}
		if !r.Time.Equal(wantTimes[i]) {
			t.Errorf("reading %d time = %v, want %v", i, r.Time, wantTimes[i])
		}
		if r.GatewayID != "GW-00003" {
			t.Errorf("reading %d gateway = %q, want GW-00003", i, r.GatewayID)
		}
		if r.Flood {
			t.Errorf("reading %d flood = true, want false", i)
		}
	}

	// Leading-zero numerics are decimal.
	first := res.Readings[0].(*types.MoistureReading)
	if first.MoistureSurfacePct != 18 {
		t.Errorf("surface moisture = %v, want 18", first.MoistureSurfacePct)
	}

	// One gateway facts entry plus one per sensor reading.
	var gwSeen bool
	for _, s := range res.Sensors {
		if s.ID == "GW-00003" {
			gwSeen = true
			if s.Family != types.FamilyGateway {
				t.Errorf("gateway facts family = %q, want gateway", s.Family)
			}
			if s.Location == nil || s.Location.Lat != 13.94551 {
				t.Errorf("gateway location = %+v, want lat 13.94551", s.Location)
			}
		}
	}
	if !gwSeen {
		t.Error("no GW-00003 sensor facts emitted")
	}
}

func TestDecodeMoistureGatewayTimeFallback(t *testing.T) {
	// No per-sensor stamps: the gateway clock (Asia/Bangkok) is used.
	body := `{
		"gw_id": "3",
		"date": "2025/08/01",
		"time": "22:40:00",
		"sensor": [
			{"sensor_id":"1","humid_hi":"020","humid_low":"025","flood":"no"}
		]
	}`
	res, err := Decode(envelope("munbon-m2m-moisture", body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	want := time.Date(2025, 8, 1, 15, 40, 0, 0, time.UTC) // 22:40 ICT
	if got := res.Readings[0].GetTime(); !got.Equal(want) {
		t.Errorf("time = %v, want %v", got, want)
	}
}

func TestDecodeMoistureRegistryOnly(t *testing.T) {
	// Gateway heartbeat with ambient fields but no sensor array: facts
	// only, no readings.
	body := `{"gw_id":"7","humidity":"71","temperature":"30.2","date":"2025/08/01","time":"10:00:00"}`
	res, err := Decode(envelope("munbon-m2m-moisture", body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(res.Readings) != 0 {
		t.Errorf("got %d readings, want 0", len(res.Readings))
	}
	if len(res.Sensors) != 1 || res.Sensors[0].ID != "GW-00007" {
		t.Fatalf("sensor facts = %+v, want single GW-00007", res.Sensors)
	}
	if res.Sensors[0].Metadata["ambient_humidity_pct"] != 71.0 {
		t.Errorf("ambient humidity metadata = %v, want 71", res.Sensors[0].Metadata["ambient_humidity_pct"])
	}
}

func TestDecodeWeatherRows(t *testing.T) {
	body := `{"stationNum":12,"rows":[
		{"dateTime":"2025-06-02 10:00:00","values":{"Rainfall":0.5,"AirTemp":31.2,"Humidity":70,"Battery":12.8}},
		{"dateTime":"2025-06-02 11:00:00","values":{"Rainfall":0,"AirTemp":32.4,"Humidity":66,"Battery":12.7}}
	]}`

	res, err := Decode(envelope("munbon-scada-weather", body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(res.Readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(res.Readings))
	}
	r := res.Readings[0].(*types.WeatherReading)
	if r.SensorID != "AOS-12" {
		t.Errorf("sensor id = %q, want AOS-12", r.SensorID)
	}
	// 10:00 ICT is 03:00 UTC.
	want := time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC)
	if !r.Time.Equal(want) {
		t.Errorf("time = %v, want %v", r.Time, want)
	}
	if r.RainfallMm == nil || *r.RainfallMm != 0.5 {
		t.Errorf("rainfall = %v, want 0.5", r.RainfallMm)
	}
	if r.WindSpeedMs != nil {
		t.Errorf("wind speed = %v, want nil (column absent)", *r.WindSpeedMs)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		body   string
		reason Reason
	}{
		{name: "empty body", token: "munbon-m2m-moisture", body: "", reason: ReasonEmptyPayload},
		{name: "whitespace body", token: "munbon-m2m-moisture", body: "   ", reason: ReasonEmptyPayload},
		{name: "unknown token, ambiguous shape", token: "mystery", body: `{"x":1}`, reason: ReasonUnknownToken},
		{name: "moisture without gw_id", token: "munbon-m2m-moisture", body: `{"sensor":[]}`, reason: ReasonMissingIdentity},
		{name: "water level without mac", token: "munbon-ridr-water-level", body: `{"level":3,"timestamp":1748841346551}`, reason: ReasonMissingIdentity},
		{name: "water level zero timestamp", token: "munbon-ridr-water-level", body: `{"macAddress":"1A2B3C4D5E6F","level":3,"timestamp":0}`, reason: ReasonBadTimestamp},
		{name: "water level malformed json", token: "munbon-ridr-water-level", body: `{"macAddress":`, reason: ReasonShapeMismatch},
		{name: "moisture sensor without timestamp", token: "munbon-m2m-moisture", body: `{"gw_id":"3","sensor":[{"sensor_id":"1","humid_hi":"10","humid_low":"10"}]}`, reason: ReasonBadTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(envelope(tt.token, tt.body))
			if err == nil {
				t.Fatal("Decode() succeeded, want error")
			}
			de, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("error type = %T, want *DecodeError", err)
			}
			if de.Reason != tt.reason {
				t.Errorf("reason = %q, want %q", de.Reason, tt.reason)
			}
		})
	}
}

func TestDecodeSniffFallback(t *testing.T) {
	// A retired token still decodes if the shape is unambiguous.
	body := `{"macAddress":"AABBCCDDEEFF","level":9,"voltage":390,"timestamp":1748841346551}`
	res, err := Decode(envelope("legacy-token", body))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if res.Family != types.FamilyWaterLevel {
		t.Errorf("sniffed family = %q, want water_level", res.Family)
	}
}

func TestDecodeIsPure(t *testing.T) {
	body := `{"deviceID":"abc","macAddress":"1A2B3C4D5E6F","RSSI":-65,"voltage":420,"level":15,"timestamp":1748841346551}`
	env := envelope("munbon-ridr-water-level", body)

	a, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	b, err := Decode(env)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	ra := a.Readings[0].(*types.WaterLevelReading)
	rb := b.Readings[0].(*types.WaterLevelReading)
	if *ra != *rb {
		t.Errorf("equal inputs produced different readings: %+v vs %+v", ra, rb)
	}
}

func TestQualityScore(t *testing.T) {
	tests := []struct {
		name string
		body string
		want float64
	}{
		{
			name: "in range",
			body: `{"gw_id":"1","sensor":[{"sensor_id":"1","sensor_utc":"01:00:00","sensor_date":"2025/08/01","humid_hi":"50","humid_low":"50","temp_hi":"25","temp_low":"25","sensor_batt":"3.8"}]}`,
			want: 1.0,
		},
		{
			name: "one moisture out of range",
			body: `{"gw_id":"1","sensor":[{"sensor_id":"1","sensor_utc":"01:00:00","sensor_date":"2025/08/01","humid_hi":"120","humid_low":"50","temp_hi":"25","temp_low":"25","sensor_batt":"3.8"}]}`,
			want: 0.8,
		},
		{
			name: "low battery and hot probe",
			body: `{"gw_id":"1","sensor":[{"sensor_id":"1","sensor_utc":"01:00:00","sensor_date":"2025/08/01","humid_hi":"50","humid_low":"50","temp_hi":"75","temp_low":"25","sensor_batt":"2.9"}]}`,
			want: 0.7,
		},
		{
			name: "penalties accumulate",
			body: `{"gw_id":"1","sensor":[{"sensor_id":"1","sensor_utc":"01:00:00","sensor_date":"2025/08/01","humid_hi":"150","humid_low":"-5","temp_hi":"99","temp_low":"-40","amb_temp":"80","sensor_batt":"1.0"}]}`,
			want: 0.1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Decode(envelope("munbon-m2m-moisture", tt.body))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			got := res.Readings[0].GetQuality()
			if diff := got - tt.want; diff > 1e-9 || diff < -1e-9 {
				t.Errorf("quality = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQualityScoreClamp(t *testing.T) {
	q := newQualityScore()
	for i := 0; i < 10; i++ {
		q.moisture(500)
	}
	if got := q.value(); got != 0 {
		t.Errorf("clamped quality = %v, want 0", got)
	}
}
