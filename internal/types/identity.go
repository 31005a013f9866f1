package types

import (
	"fmt"
	"strconv"
	"strings"
)

// Sensor IDs are pure functions of vendor identity fields. The exact
// formats are load-bearing: external consumers key on them.
//
//	WL-[0-9A-F]{12}        water level (last 12 hex digits of the MAC)
//	MS-[0-9]{5}-[0-9]{5}   moisture sensor (gateway id + sensor id)
//	GW-[0-9]{5}            moisture gateway
//	AOS-[0-9]+             weather station

// WaterLevelID derives the sensor ID for a water-level device from its
// MAC address. Separators are stripped and the last 12 hex digits are
// uppercased.
func WaterLevelID(mac string) (string, error) {
	cleaned := strings.ToUpper(strings.NewReplacer(":", "", "-", "", ".", "").Replace(strings.TrimSpace(mac)))
	if len(cleaned) < 12 {
		return "", fmt.Errorf("mac address too short: %q", mac)
	}
	cleaned = cleaned[len(cleaned)-12:]
	for _, c := range cleaned {
		if !((c >= '0' && c <= '9') || (c >= 'A' && c <= 'F')) {
			return "", fmt.Errorf("mac address contains non-hex digit: %q", mac)
		}
	}
	return "WL-" + cleaned, nil
}

// MoistureSensorID derives the sensor ID for an in-ground moisture sensor.
// Vendor ids arrive as decimal strings, sometimes zero-padded ("016").
func MoistureSensorID(gatewayID, sensorID string) (string, error) {
	gw, err := parseVendorInt(gatewayID)
	if err != nil {
		return "", fmt.Errorf("bad gateway id %q: %w", gatewayID, err)
	}
	sid, err := parseVendorInt(sensorID)
	if err != nil {
		return "", fmt.Errorf("bad sensor id %q: %w", sensorID, err)
	}
	return fmt.Sprintf("MS-%05d-%05d", gw, sid), nil
}

// MoistureGatewayID derives the sensor ID for a moisture gateway.
func MoistureGatewayID(gatewayID string) (string, error) {
	gw, err := parseVendorInt(gatewayID)
	if err != nil {
		return "", fmt.Errorf("bad gateway id %q: %w", gatewayID, err)
	}
	return fmt.Sprintf("GW-%05d", gw), nil
}

// WeatherStationID derives the sensor ID for an AOS weather station.
func WeatherStationID(stationNum int) string {
	return fmt.Sprintf("AOS-%d", stationNum)
}

// parseVendorInt parses a vendor numeric string as base-10, tolerating
// leading zeros ("016" is sixteen, not octal).
func parseVendorInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty numeric field")
	}
	n, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("negative id %d", n)
	}
	return int(n), nil
}
