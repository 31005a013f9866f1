// Package codec maps vendor-specific payloads into the canonical model.
// Decoders are pure: they dispatch on transport+token (with a
// content-sniffing fallback), produce fully-typed readings plus derived
// sensor facts, and never touch storage or the network.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/munbon/sensorhub/internal/types"
)

// Reason tags a DecodeError so the consumer can decide between
// acknowledge-and-count, dead-letter, and redeliver.
type Reason string

const (
	ReasonUnknownToken    Reason = "unknown_token"
	ReasonShapeMismatch   Reason = "shape_mismatch"
	ReasonEmptyPayload    Reason = "empty_payload"
	ReasonMissingIdentity Reason = "missing_identity"
	ReasonBadTimestamp    Reason = "bad_timestamp"
)

// DecodeError is the failure variant of Decode.
type DecodeError struct {
	Reason Reason
	Detail string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode failed (%s): %s", e.Reason, e.Detail)
}

func decodeErr(reason Reason, format string, args ...interface{}) *DecodeError {
	return &DecodeError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// SensorFacts carries what a payload reveals about the sensor itself,
// for the registry to merge. The registry is the only component that
// persists these.
type SensorFacts struct {
	ID           string
	Family       types.SensorFamily
	Manufacturer string
	Location     *types.LatLng
	Metadata     map[string]interface{}
	SeenAt       time.Time
}

// Result is the successful output of Decode. A single envelope may fan
// out into several readings (moisture gateways batch their sensors) and
// several sensor facts (each moisture sensor plus its gateway).
type Result struct {
	Family   types.SensorFamily
	Readings []types.Reading
	Sensors  []SensorFacts
}

// Asia/Bangkok is the declared zone for vendor-local timestamps.
var bangkok *time.Location

func init() {
	var err error
	bangkok, err = time.LoadLocation("Asia/Bangkok")
	if err != nil {
		// ICT has no DST; a fixed offset is equivalent.
		bangkok = time.FixedZone("ICT", 7*3600)
	}
}

// ClassifyToken maps an intake token to a sensor family. Tokens are
// provisioned per vendor integration and encode the family in their
// suffix (e.g. munbon-ridr-water-level, munbon-m2m-moisture).
func ClassifyToken(token string) (types.SensorFamily, bool) {
	switch {
	case hasSuffixFold(token, "water-level"), hasSuffixFold(token, "waterlevel"):
		return types.FamilyWaterLevel, true
	case hasSuffixFold(token, "moisture"):
		return types.FamilyMoisture, true
	case hasSuffixFold(token, "weather"), hasSuffixFold(token, "aos"):
		return types.FamilyWeather, true
	}
	return "", false
}

func hasSuffixFold(s, suffix string) bool {
	if len(s) < len(suffix) {
		return false
	}
	tail := s[len(s)-len(suffix):]
	return bytes.EqualFold([]byte(tail), []byte(suffix))
}

// Decode turns a bus envelope into canonical readings. The error, when
// non-nil, is always a *DecodeError.
func Decode(env *types.RawEnvelope) (*Result, error) {
	body := bytes.TrimSpace(env.VendorPayload)
	if len(body) == 0 {
		return nil, decodeErr(ReasonEmptyPayload, "zero-length payload")
	}

	family, known := ClassifyToken(env.Token)
	if !known {
		family, known = sniffFamily(body)
		if !known {
			return nil, decodeErr(ReasonUnknownToken, "token %q not recognized and payload shape is ambiguous", env.Token)
		}
	}

	switch family {
	case types.FamilyWaterLevel:
		return decodeWaterLevel(body)
	case types.FamilyMoisture:
		return decodeMoisture(body, env.ReceivedAt)
	case types.FamilyWeather:
		return decodeWeather(body)
	}
	return nil, decodeErr(ReasonUnknownToken, "no decoder for family %q", family)
}

// sniffFamily guesses the payload family from field presence. It is the
// fallback for legacy gateways that post to retired token paths.
func sniffFamily(body []byte) (types.SensorFamily, bool) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return "", false
	}
	if _, ok := probe["macAddress"]; ok {
		return types.FamilyWaterLevel, true
	}
	if _, ok := probe["gw_id"]; ok {
		return types.FamilyMoisture, true
	}
	if _, ok := probe["stationNum"]; ok {
		return types.FamilyWeather, true
	}
	return "", false
}
