// Package consumer bridges JetStream delivery to the engine's processing
// protocol. Delivery is at-least-once; the engine's idempotency turns it
// into exactly-once effect, and this package decides ack, nak, or
// dead-letter per delivery.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/meshforge/runtime/internal/bus"
	"github.com/meshforge/runtime/internal/engine"
	"github.com/meshforge/runtime/internal/envelope"
)

// Processor is the engine-facing surface the consumer drives.
type Processor interface {
	Process(ctx context.Context, env envelope.Envelope) (engine.Result, error)
}

// Defaults for the durable consumer configuration.
var defaultBackoff = []time.Duration{
	1 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
}

const (
	defaultMaxDeliver     = 5
	defaultAckWait        = 30 * time.Second
	defaultMessageTimeout = 30 * time.Second
	fetchWait             = 2 * time.Second
)

// Options configures one durable pull consumer.
type Options struct {
	// Stream is the JetStream stream to bind to.
	Stream string

	// Subject filters deliveries, e.g. "cmd.acme.main.counter.>".
	Subject string

	// Durable names the consumer. Defaults to "<agent>_consumer" when the
	// caller builds it via DurableName.
	Durable string

	// MaxDeliver caps delivery attempts before dead-lettering. Default 5.
	MaxDeliver int

	// Backoff spaces out redeliveries. Default 1s/5s/10s/30s/60s.
	Backoff []time.Duration

	// AckWait is the server-side redelivery timer. Default 30s.
	AckWait time.Duration

	// MessageTimeout bounds one Process call. Default 30s.
	MessageTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxDeliver == 0 {
		o.MaxDeliver = defaultMaxDeliver
	}
	if o.Backoff == nil {
		o.Backoff = defaultBackoff
	}
	if o.AckWait == 0 {
		o.AckWait = defaultAckWait
	}
	if o.MessageTimeout == 0 {
		o.MessageTimeout = defaultMessageTimeout
	}
	return o
}

// DurableName derives the conventional consumer name for an agent.
func DurableName(agentID string) string {
	return agentID + "_consumer"
}

// Consumer is a durable pull consumer feeding one engine.
type Consumer struct {
	js     nats.JetStreamContext
	proc   Processor
	opts   Options
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a consumer over an established JetStream context.
func New(js nats.JetStreamContext, proc Processor, opts Options, logger *slog.Logger) (*Consumer, error) {
	if opts.Stream == "" || opts.Subject == "" || opts.Durable == "" {
		return nil, fmt.Errorf("consumer: stream, subject, and durable name are required")
	}
	if proc == nil {
		return nil, fmt.Errorf("consumer: processor is required")
	}
	return &Consumer{js: js, proc: proc, opts: opts.withDefaults(), logger: logger}, nil
}

// Start ensures the durable consumer exists and launches the pull loop.
// It returns once the subscription is established.
func (c *Consumer) Start(ctx context.Context) error {
	_, err := c.js.AddConsumer(c.opts.Stream, &nats.ConsumerConfig{
		Durable:       c.opts.Durable,
		DeliverPolicy: nats.DeliverAllPolicy,
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: c.opts.Subject,
		MaxDeliver:    c.opts.MaxDeliver,
		AckWait:       c.opts.AckWait,
		BackOff:       c.opts.Backoff,
	})
	if err != nil && !errors.Is(err, nats.ErrConsumerNameAlreadyInUse) {
		return fmt.Errorf("consumer %s: ensure: %w", c.opts.Durable, err)
	}

	sub, err := c.js.PullSubscribe(c.opts.Subject, c.opts.Durable, nats.BindStream(c.opts.Stream))
	if err != nil {
		return fmt.Errorf("consumer %s: subscribe: %w", c.opts.Durable, err)
	}

	c.logger.Info("consumer started",
		"durable", c.opts.Durable,
		"stream", c.opts.Stream,
		"subject", c.opts.Subject,
		"max_deliver", c.opts.MaxDeliver,
	)

	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.wg.Add(1)
	go c.loop(loopCtx, sub)
	return nil
}

// Stop halts the pull loop and waits for the in-flight message to finish.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	c.logger.Info("consumer stopped", "durable", c.opts.Durable)
}

func (c *Consumer) loop(ctx context.Context, sub *nats.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.MaxWait(fetchWait))
		if err != nil {
			// Empty queue; keep pulling.
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("fetch failed", "durable", c.opts.Durable, "error", err)
			time.Sleep(time.Second)
			continue
		}
		for _, msg := range msgs {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg *nats.Msg) {
	env, decodeErr := envelope.Decode(msg.Data)

	var processErr error
	if decodeErr == nil {
		procCtx, cancel := context.WithTimeout(ctx, c.opts.MessageTimeout)
		res, err := c.proc.Process(procCtx, env)
		cancel()
		processErr = err
		if err == nil {
			if ackErr := msg.Ack(); ackErr != nil {
				c.logger.Error("ack failed",
					"durable", c.opts.Durable,
					"subject", msg.Subject,
					"error", ackErr,
				)
				return
			}
			c.logger.Debug("message processed",
				"durable", c.opts.Durable,
				"subject", msg.Subject,
				"event_id", env.MessageID,
				"outcome", string(res.Outcome),
			)
			return
		}
	}

	numDelivered := 1
	if meta, metaErr := msg.Metadata(); metaErr == nil {
		numDelivered = int(meta.NumDelivered)
	}

	switch disposition(decodeErr, numDelivered, c.opts.MaxDeliver) {
	case dispositionDeadLetter:
		c.deadLetter(msg, decodeErr, processErr)
	case dispositionNak:
		c.logger.Warn("processing failed, redelivering",
			"durable", c.opts.Durable,
			"subject", msg.Subject,
			"delivery", numDelivered,
			"error", processErr,
		)
		if err := msg.Nak(); err != nil {
			c.logger.Error("nak failed", "durable", c.opts.Durable, "error", err)
		}
	}
}

// deadLetter republishes the original payload to failed.<subject> and acks
// the delivery so the work queue moves on. The DLQ record is the operator's
// signal; losing it on a broker failure only delays that signal until the
// next redelivery attempt.
func (c *Consumer) deadLetter(msg *nats.Msg, decodeErr, processErr error) {
	reason := processErr
	if decodeErr != nil {
		reason = decodeErr
	}

	dlqSubject := bus.DLQSubject(msg.Subject)
	if _, err := c.js.Publish(dlqSubject, msg.Data); err != nil {
		c.logger.Error("dead-letter publish failed, leaving for redelivery",
			"durable", c.opts.Durable,
			"subject", dlqSubject,
			"error", err,
		)
		if nakErr := msg.Nak(); nakErr != nil {
			c.logger.Error("nak failed", "durable", c.opts.Durable, "error", nakErr)
		}
		return
	}

	c.logger.Error("message dead-lettered",
		"durable", c.opts.Durable,
		"subject", msg.Subject,
		"dlq_subject", dlqSubject,
		"error", reason,
	)
	if err := msg.Ack(); err != nil {
		c.logger.Error("ack after dead-letter failed", "durable", c.opts.Durable, "error", err)
	}
}

type dispositionKind int

const (
	dispositionNak dispositionKind = iota
	dispositionDeadLetter
)

// disposition decides what to do with a failed delivery. Undecodable
// payloads can never succeed, so they dead-letter immediately; everything
// else retries until the delivery budget runs out.
func disposition(decodeErr error, numDelivered, maxDeliver int) dispositionKind {
	if decodeErr != nil {
		return dispositionDeadLetter
	}
	if numDelivered >= maxDeliver {
		return dispositionDeadLetter
	}
	return dispositionNak
}
