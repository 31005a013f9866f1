package bus

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/types"
)

const (
	ingestQueue     = "ingest.envelopes"
	deadQueue       = "ingest.envelopes.dead"
	deadExchange    = "ingest.dlx"
	deadRoutingKey  = "dead"
	publishTimeout  = 5 * time.Second
	receiveWaitSlop = 50 * time.Millisecond
)

// AMQPBus is the RabbitMQ-backed bus. The ingest queue is a quorum
// queue, so every redelivery carries an x-delivery-count header that
// grows across requeues; that count maps onto the max-receive
// threshold. Terminal failures are published to a DLX.
type AMQPBus struct {
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	consCh    *amqp.Channel
	deliveries <-chan amqp.Delivery
	confirms  chan amqp.Confirmation
}

// NewAMQP connects, declares the topology, and starts a consumer with
// manual acknowledgement and a bounded prefetch.
func NewAMQP(url string, prefetch int) (*AMQPBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	confirms := pubCh.NotifyPublish(make(chan amqp.Confirmation, 16))

	consCh, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp consume channel: %w", err)
	}

	if err := declareTopology(consCh); err != nil {
		return nil, err
	}

	if prefetch <= 0 {
		prefetch = 10
	}
	if err := consCh.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("amqp qos: %w", err)
	}
	deliveries, err := consCh.Consume(ingestQueue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("amqp consume: %w", err)
	}

	log.Infow("connected to message bus", "queue", ingestQueue, "prefetch", prefetch)
	return &AMQPBus{
		conn:       conn,
		pubCh:      pubCh,
		consCh:     consCh,
		deliveries: deliveries,
		confirms:   confirms,
	}, nil
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(deadExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx: %w", err)
	}
	if _, err := ch.QueueDeclare(deadQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead queue: %w", err)
	}
	if err := ch.QueueBind(deadQueue, deadRoutingKey, deadExchange, false, nil); err != nil {
		return fmt.Errorf("bind dead queue: %w", err)
	}
	_, err := ch.QueueDeclare(ingestQueue, true, false, false, false, amqp.Table{
		"x-queue-type":              "quorum",
		"x-dead-letter-exchange":    deadExchange,
		"x-dead-letter-routing-key": deadRoutingKey,
	})
	if err != nil {
		return fmt.Errorf("declare ingest queue: %w", err)
	}
	return nil
}

// Publish enqueues one envelope with publisher confirms.
func (b *AMQPBus) Publish(ctx context.Context, env *types.RawEnvelope) error {
	body, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = b.pubCh.PublishWithContext(ctx, "", ingestQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    env.ReceivedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish: %w", err)
	}

	select {
	case confirm := <-b.confirms:
		if !confirm.Ack {
			return fmt.Errorf("amqp publish not confirmed")
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("amqp publish confirm: %w", ctx.Err())
	}
}

// Receive drains up to max deliveries, waiting for the first one until
// the context expires.
func (b *AMQPBus) Receive(ctx context.Context, max int) ([]*Message, error) {
	var out []*Message

	// Block for the first message.
	select {
	case d, ok := <-b.deliveries:
		if !ok {
			return nil, fmt.Errorf("amqp consumer channel closed")
		}
		out = append(out, b.wrap(d))
	case <-ctx.Done():
		return nil, nil
	}

	// Then take whatever else is immediately available.
	for len(out) < max {
		select {
		case d, ok := <-b.deliveries:
			if !ok {
				return out, nil
			}
			out = append(out, b.wrap(d))
		case <-time.After(receiveWaitSlop):
			return out, nil
		}
	}
	return out, nil
}

func (b *AMQPBus) wrap(d amqp.Delivery) *Message {
	env, err := unmarshalEnvelope(d.Body)
	if err != nil {
		// A non-envelope body is unprocessable regardless of retries.
		log.Warnw("dropping malformed bus message", "error", err)
		env = &types.RawEnvelope{ReceivedAt: time.Now().UTC(), VendorPayload: d.Body}
	}

	return &Message{
		Envelope:     env,
		ReceiveCount: receiveCount(d),
		ack:          func() error { return d.Ack(false) },
		nack:         func() error { return d.Nack(false, true) },
		deadLetter: func(reason string) error {
			pub := amqp.Publishing{
				ContentType: "application/json",
				Headers:     amqp.Table{"x-reason": reason},
				Body:        d.Body,
			}
			if err := b.pubCh.Publish(deadExchange, deadRoutingKey, false, false, pub); err != nil {
				return err
			}
			return d.Ack(false)
		},
	}
}

// receiveCount derives how many times this message has been delivered.
// Quorum queues stamp redeliveries with x-delivery-count, the number of
// prior delivery attempts, so a message nacked back onto the queue n
// times arrives with count n+1. The redelivered flag is the floor for
// deliveries that predate the header.
func receiveCount(d amqp.Delivery) int {
	if n, ok := headerInt(d.Headers["x-delivery-count"]); ok {
		return n + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

// headerInt reads an AMQP numeric header, which the broker may encode
// as any integer width.
func headerInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

// Close shuts down channels then the connection.
func (b *AMQPBus) Close() error {
	b.pubCh.Close()
	b.consCh.Close()
	return b.conn.Close()
}
