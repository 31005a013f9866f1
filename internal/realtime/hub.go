// Package realtime fans freshly-written readings and alerts out to
// WebSocket and MQTT subscribers. Delivery is best-effort and
// non-persistent; slow subscribers lose their oldest events.
package realtime

import (
	"fmt"
	"strings"
	"sync"

	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/types"
)

const subscriberQueueCap = 1000

// SlowConsumerTopic carries the synthetic event emitted when a
// subscriber's queue overflows and older events are shed.
const SlowConsumerTopic = "system/slow_consumer"

// Event is one published message.
type Event struct {
	Topic   string      `json:"topic"`
	Payload interface{} `json:"payload"`
}

// ReadingTopic names the data stream for one sensor.
func ReadingTopic(family types.SensorFamily, sensorID string) string {
	return fmt.Sprintf("sensors/%s/%s/data", family, sensorID)
}

// LocationTopic names the drift stream for one sensor.
func LocationTopic(family types.SensorFamily, sensorID string) string {
	return fmt.Sprintf("sensors/%s/%s/location", family, sensorID)
}

// AlertTopic names an alert stream.
func AlertTopic(severity types.AlertSeverity, kind string) string {
	return fmt.Sprintf("alerts/%s/%s", severity, kind)
}

// Mirror receives every published event, independent of subscriptions.
// The MQTT bridge implements it.
type Mirror interface {
	Publish(topic string, payload []byte) error
}

// Hub is the in-process broker.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*Subscriber]struct{}
	mirrors []Mirror
}

func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscriber]struct{})}
}

// AttachMirror registers a tap that sees every event.
func (h *Hub) AttachMirror(m Mirror) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mirrors = append(h.mirrors, m)
}

// Subscribe creates a subscriber with an empty topic set.
func (h *Hub) Subscribe() *Subscriber {
	s := &Subscriber{
		hub:    h,
		topics: make(map[string]struct{}),
		notify: make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	return s
}

func (h *Hub) remove(s *Subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
}

// Publish delivers an event to every matching subscriber and all
// mirrors. It never blocks on a slow subscriber.
func (h *Hub) Publish(topic string, payload interface{}) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	mirrors := h.mirrors
	h.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, s := range subs {
		if s.matches(topic) {
			s.enqueue(ev)
		}
	}
	for _, m := range mirrors {
		if err := mirrorPublish(m, ev); err != nil {
			log.Debugf("mirror publish failed on %s: %v", topic, err)
		}
	}
}

// SubscriberCount reports attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Subscriber owns a bounded event queue drained by one reader.
type Subscriber struct {
	hub    *Hub
	notify chan struct{}

	mu      sync.Mutex
	topics  map[string]struct{}
	queue   []Event
	closed  bool
	dropped int64
}

// Add subscribes to topics. Patterns use MQTT-style wildcards: "+"
// matches one level, a trailing "#" matches the rest.
func (s *Subscriber) Add(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
}

// Remove unsubscribes from topics.
func (s *Subscriber) Remove(topics ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range topics {
		delete(s.topics, t)
	}
}

func (s *Subscriber) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pattern := range s.topics {
		if topicMatch(pattern, topic) {
			return true
		}
	}
	return false
}

func (s *Subscriber) enqueue(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= subscriberQueueCap {
		s.queue = s.queue[1:]
		s.dropped++
		metrics.SlowConsumers.Inc()
		s.queue = append(s.queue, Event{
			Topic:   SlowConsumerTopic,
			Payload: map[string]int64{"dropped": s.dropped},
		})
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is queued or done closes. The second
// return is false once the subscriber is finished.
func (s *Subscriber) Next(done <-chan struct{}) (Event, bool) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, true
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-s.notify:
		case <-done:
			return Event{}, false
		}
	}
}

// Close detaches the subscriber from the hub.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.remove(s)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// topicMatch implements exact matching plus "+" and trailing "#"
// wildcards over slash-separated topics.
func topicMatch(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	pp := strings.Split(pattern, "/")
	tp := strings.Split(topic, "/")
	for i, p := range pp {
		if p == "#" {
			return i == len(pp)-1
		}
		if i >= len(tp) {
			return false
		}
		if p != "+" && p != tp[i] {
			return false
		}
	}
	return len(pp) == len(tp)
}
