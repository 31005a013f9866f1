package types

import "time"

// Transport identifies the path a vendor payload took into the system.
type Transport string

const (
	TransportEdgeHTTP  Transport = "edge_http"
	TransportCloudHTTP Transport = "cloud_http"
	TransportMQTT      Transport = "mqtt"
)

// RawEnvelope wraps a vendor payload for transit over the message bus.
// It is created at intake and destroyed when the consumer acknowledges
// the message after a successful write.
type RawEnvelope struct {
	ReceivedAt    time.Time `json:"received_at"`
	Transport     Transport `json:"transport"`
	Token         string    `json:"token"`
	SourceIP      string    `json:"source_ip,omitempty"`
	ContentType   string    `json:"content_type"`
	VendorPayload []byte    `json:"vendor_payload"`
}
