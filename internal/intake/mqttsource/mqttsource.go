// Package mqttsource bridges vendor devices that publish over MQTT into
// the ingest bus. Topics follow ingest/<family>/<token>; the payload is
// the same vendor JSON the HTTP intakes accept.
package mqttsource

import (
	"context"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/munbon/sensorhub/internal/bus"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/types"
)

const (
	subscription   = "ingest/#"
	connectTimeout = 10 * time.Second
	publishTimeout = 3 * time.Second
)

// Source subscribes to the intake topic tree and forwards envelopes.
type Source struct {
	client mqtt.Client
	bus    bus.Bus
}

// New connects to the broker and subscribes. Messages arriving before
// Run is called are forwarded immediately; paho handles redelivery of
// the subscription across reconnects.
func New(brokerURL, clientID string, b bus.Bus) (*Source, error) {
	s := &Source{bus: b}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetOnConnectHandler(func(c mqtt.Client) {
			if token := c.Subscribe(subscription, 1, s.onMessage); token.Wait() && token.Error() != nil {
				log.Errorf("mqtt subscribe failed: %v", token.Error())
			}
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Warnw("mqtt intake connection lost", "error", err)
		})

	s.client = mqtt.NewClient(opts)
	if token := s.client.Connect(); token.WaitTimeout(connectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt connect: %w", token.Error())
	}

	log.Infow("mqtt intake connected", "broker", brokerURL, "subscription", subscription)
	return s, nil
}

func (s *Source) onMessage(_ mqtt.Client, msg mqtt.Message) {
	token, ok := tokenFromTopic(msg.Topic())
	if !ok {
		log.Warnw("ignoring mqtt message on unmapped topic", "topic", msg.Topic())
		return
	}

	env := &types.RawEnvelope{
		ReceivedAt:    time.Now().UTC(),
		Transport:     types.TransportMQTT,
		Token:         token,
		ContentType:   "application/json",
		VendorPayload: msg.Payload(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.bus.Publish(ctx, env); err != nil {
		log.Errorf("mqtt intake enqueue failed on %s: %v", msg.Topic(), err)
	}
}

// tokenFromTopic extracts the intake token from ingest/<family>/<token>.
func tokenFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "ingest" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

func (s *Source) Close() {
	s.client.Disconnect(250)
}
