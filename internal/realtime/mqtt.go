package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/munbon/sensorhub/internal/log"
)

const mqttConnectTimeout = 10 * time.Second

func mirrorPublish(m Mirror, ev Event) error {
	body, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	return m.Publish(ev.Topic, body)
}

// MQTTMirror republishes hub events to an external broker at QoS 0.
type MQTTMirror struct {
	client mqtt.Client
}

func NewMQTTMirror(brokerURL, clientID string) (*MQTTMirror, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(mqttConnectTimeout)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(mqttConnectTimeout) && token.Error() != nil {
		return nil, fmt.Errorf("mqtt mirror connect: %w", token.Error())
	}
	return &MQTTMirror{client: client}, nil
}

// Publish is fire-and-forget. QoS 0 matches the hub's best-effort
// delivery contract; the delivery token is watched off the hot path so
// a dead broker connection shows up in the log.
func (m *MQTTMirror) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, 0, false, payload)
	go func() {
		if err := publishResult(token); err != nil {
			log.Warnw("mqtt mirror publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// publishResult waits out a delivery token and reports its terminal
// error.
func publishResult(token mqtt.Token) error {
	token.Wait()
	return token.Error()
}

func (m *MQTTMirror) Close() {
	m.client.Disconnect(250)
}
