// Package bus carries RawEnvelopes between intake and the consumer. The
// contract is at-least-once delivery with per-message acknowledgement,
// redelivery of unacked messages, and a dead-letter stream for messages
// that should stop retrying.
package bus

import (
	"context"
	"encoding/json"

	"github.com/munbon/sensorhub/internal/types"
)

// Message is one delivered envelope plus its acknowledgement handles.
type Message struct {
	Envelope     *types.RawEnvelope
	ReceiveCount int

	ack        func() error
	nack       func() error
	deadLetter func(reason string) error
}

// Ack removes the message from the bus. Terminal.
func (m *Message) Ack() error { return m.ack() }

// Nack returns the message to the bus for redelivery.
func (m *Message) Nack() error { return m.nack() }

// DeadLetter moves the message to the dead-letter stream tagged with a
// reason, then acknowledges it. Terminal.
func (m *Message) DeadLetter(reason string) error { return m.deadLetter(reason) }

// Bus is the transport contract shared by the AMQP implementation and
// the in-memory test double.
type Bus interface {
	// Publish enqueues one envelope durably.
	Publish(ctx context.Context, env *types.RawEnvelope) error
	// Receive long-polls for up to max messages. It returns early with
	// whatever is available once at least one message arrives, and
	// returns an empty slice on context expiry.
	Receive(ctx context.Context, max int) ([]*Message, error)
	Close() error
}

func marshalEnvelope(env *types.RawEnvelope) ([]byte, error) {
	return json.Marshal(env)
}

func unmarshalEnvelope(body []byte) (*types.RawEnvelope, error) {
	var env types.RawEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return &env, nil
}
