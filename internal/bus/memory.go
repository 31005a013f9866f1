package bus

import (
	"context"
	"sync"
	"time"

	"github.com/munbon/sensorhub/internal/types"
)

// DeadMessage is one envelope retired to the in-memory dead stream.
type DeadMessage struct {
	Envelope *types.RawEnvelope
	Reason   string
}

// MemoryBus is the in-process Bus used by tests and the simulator. It
// mirrors the broker contract: unacked messages are redelivered on
// Nack with an incremented receive count, and dead-lettered messages
// land on an inspectable list.
type MemoryBus struct {
	mu      sync.Mutex
	queue   []*memEntry
	dead    []DeadMessage
	closed  bool
	arrived chan struct{}
}

type memEntry struct {
	env      *types.RawEnvelope
	receives int
}

func NewMemory() *MemoryBus {
	return &MemoryBus{arrived: make(chan struct{}, 1)}
}

func (b *MemoryBus) Publish(_ context.Context, env *types.RawEnvelope) error {
	// Round-trip through the wire encoding so tests exercise the same
	// envelope shape the broker carries.
	body, err := marshalEnvelope(env)
	if err != nil {
		return err
	}
	decoded, err := unmarshalEnvelope(body)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.queue = append(b.queue, &memEntry{env: decoded})
	b.mu.Unlock()
	b.signal()
	return nil
}

func (b *MemoryBus) Receive(ctx context.Context, max int) ([]*Message, error) {
	for {
		if msgs := b.take(max); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-b.arrived:
		case <-ctx.Done():
			return nil, nil
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (b *MemoryBus) take(max int) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.queue)
	if n > max {
		n = max
	}
	var out []*Message
	for i := 0; i < n; i++ {
		entry := b.queue[i]
		entry.receives++
		out = append(out, &Message{
			Envelope:     entry.env,
			ReceiveCount: entry.receives,
			ack:          func() error { return nil },
			nack: func() error {
				b.requeue(entry)
				return nil
			},
			deadLetter: func(reason string) error {
				b.mu.Lock()
				b.dead = append(b.dead, DeadMessage{Envelope: entry.env, Reason: reason})
				b.mu.Unlock()
				return nil
			},
		})
	}
	b.queue = b.queue[n:]
	return out
}

func (b *MemoryBus) requeue(entry *memEntry) {
	b.mu.Lock()
	b.queue = append(b.queue, entry)
	b.mu.Unlock()
	b.signal()
}

func (b *MemoryBus) signal() {
	select {
	case b.arrived <- struct{}{}:
	default:
	}
}

// Dead returns a copy of the dead-letter stream.
func (b *MemoryBus) Dead() []DeadMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DeadMessage(nil), b.dead...)
}

// Depth reports queued, undelivered messages.
func (b *MemoryBus) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
