// Package consumer drains the ingest bus and turns raw envelopes into
// durable canonical rows: decode, register, write, publish, ack.
package consumer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/munbon/sensorhub/internal/bus"
	"github.com/munbon/sensorhub/internal/codec"
	"github.com/munbon/sensorhub/internal/log"
	"github.com/munbon/sensorhub/internal/metrics"
	"github.com/munbon/sensorhub/internal/realtime"
	"github.com/munbon/sensorhub/internal/storage/timescale"
	"github.com/munbon/sensorhub/internal/types"
)

const (
	defaultWorkers = 8
	receiveBatch   = 10
	receiveTimeout = 20 * time.Second
	drainGrace     = 30 * time.Second
	maxReceives    = 5
)

// ReadingWriter is the store contract the consumer writes through.
type ReadingWriter interface {
	WriteReading(ctx context.Context, sensor *types.Sensor, r types.Reading) (timescale.WriteOutcome, error)
}

// Registrar resolves sensor facts into registry rows.
type Registrar interface {
	Observe(ctx context.Context, facts codec.SensorFacts) (*types.Sensor, error)
}

// Publisher receives the post-write fan-out.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Options configures the pool.
type Options struct {
	Workers int
	// Secondary, when set, receives a best-effort replica of every
	// written reading. Secondary failures never fail the message.
	Secondary ReadingWriter
}

// Consumer is the worker pool.
type Consumer struct {
	bus       bus.Bus
	store     ReadingWriter
	secondary ReadingWriter
	registry  Registrar
	hub       Publisher
	workers   int
}

func New(b bus.Bus, store ReadingWriter, reg Registrar, hub Publisher, opts Options) *Consumer {
	workers := opts.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	return &Consumer{
		bus:       b,
		store:     store,
		secondary: opts.Secondary,
		registry:  reg,
		hub:       hub,
		workers:   workers,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight messages
// within the grace window. Messages not completed in time are simply
// left unacked for redelivery.
func (c *Consumer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			c.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	log.Info("ingest consumer drained")
}

func (c *Consumer) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		recvCtx, cancel := context.WithTimeout(ctx, receiveTimeout)
		msgs, err := c.bus.Receive(recvCtx, receiveBatch)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warnw("bus receive failed", "worker", id, "error", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			// Each message gets a context that outlives shutdown by the
			// grace window, so work already in flight when the signal
			// lands still runs to an ack instead of aborting mid-write.
			pctx, cancel := processContext(ctx, drainGrace)
			c.process(pctx, msg)
			cancel()
		}
	}
}

// processContext derives a per-message context that cancels only once
// the parent has been done for grace. Messages that still have not
// finished by then are left unacked for redelivery.
func processContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-parent.Done():
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-timer.C:
				cancel()
			case <-ctx.Done():
			}
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// process walks one message through the ingest state machine:
// received, decoded, registered, stored, published, acked.
func (c *Consumer) process(ctx context.Context, msg *bus.Message) {
	if msg.ReceiveCount > maxReceives {
		c.deadLetter(msg, "max_receives")
		return
	}

	result, err := codec.Decode(msg.Envelope)
	if err != nil {
		var decErr *codec.DecodeError
		if !errors.As(err, &decErr) {
			c.deadLetter(msg, string(codec.ReasonShapeMismatch))
			return
		}
		if decErr.Reason == codec.ReasonEmptyPayload {
			// Keep-alives that slipped past intake: count and move on.
			metrics.EmptyPayloads.Inc()
			c.ack(msg)
			return
		}
		c.deadLetter(msg, string(decErr.Reason))
		return
	}

	// Register every sensor the payload revealed; the rows feed the
	// transactional write below.
	rows := make(map[string]*types.Sensor, len(result.Sensors))
	for _, facts := range result.Sensors {
		row, err := c.registry.Observe(ctx, facts)
		if err != nil {
			c.nack(msg, err)
			return
		}
		rows[facts.ID] = row
	}

	var published []types.Reading
	for _, r := range result.Readings {
		sensor, ok := rows[r.GetSensorID()]
		if !ok {
			c.deadLetter(msg, string(codec.ReasonMissingIdentity))
			return
		}
		outcome, err := c.store.WriteReading(ctx, sensor, r)
		if err != nil {
			c.nack(msg, err)
			return
		}
		if outcome == timescale.Duplicate {
			metrics.IngestDuplicates.Inc()
			continue
		}
		c.replicate(ctx, sensor, r)
		published = append(published, r)
	}

	for _, r := range published {
		c.hub.Publish(realtime.ReadingTopic(r.GetFamily(), r.GetSensorID()), r)
		for _, alert := range types.DeriveAlerts(r) {
			c.hub.Publish(realtime.AlertTopic(alert.Severity, alert.Kind), alert)
		}
	}

	c.ack(msg)
}

func (c *Consumer) replicate(ctx context.Context, sensor *types.Sensor, r types.Reading) {
	if c.secondary == nil {
		return
	}
	if _, err := c.secondary.WriteReading(ctx, sensor, r); err != nil {
		metrics.ReplicationLag.Inc()
		log.Warnw("secondary store write failed",
			"sensor_id", r.GetSensorID(), "time", r.GetTime(), "error", err)
	}
}

func (c *Consumer) ack(msg *bus.Message) {
	if err := msg.Ack(); err != nil {
		log.Errorf("ack failed: %v", err)
		return
	}
	metrics.IngestMessages.WithLabelValues("acked").Inc()
}

func (c *Consumer) nack(msg *bus.Message, cause error) {
	if !timescale.IsTransient(cause) {
		// Unexpected persistent failures still go back on the bus; the
		// max-receive threshold stops the loop.
		log.Errorf("non-transient ingest failure, redelivering: %v", cause)
	}
	if err := msg.Nack(); err != nil {
		log.Errorf("nack failed: %v", err)
		return
	}
	metrics.IngestMessages.WithLabelValues("nacked").Inc()
}

func (c *Consumer) deadLetter(msg *bus.Message, reason string) {
	if err := msg.DeadLetter(reason); err != nil {
		log.Errorf("dead-letter failed: %v", err)
		return
	}
	metrics.DeadLetters.WithLabelValues(reason).Inc()
	metrics.IngestMessages.WithLabelValues("dead_lettered").Inc()
	log.Warnw("message dead-lettered", "reason", reason, "token", msg.Envelope.Token)
}
