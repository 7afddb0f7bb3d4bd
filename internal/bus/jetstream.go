package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/meshforge/runtime/internal/envelope"
)

// Default stream names. Both are configurable through StreamConfig.
const (
	DefaultEventsStream   = "MESHFORGE_EVENTS"
	DefaultCommandsStream = "MESHFORGE_COMMANDS"
)

// StreamConfig names the two JetStream streams the runtime owns.
type StreamConfig struct {
	Events   string
	Commands string
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Events == "" {
		c.Events = DefaultEventsStream
	}
	if c.Commands == "" {
		c.Commands = DefaultCommandsStream
	}
	return c
}

// JetStream is the durable Publisher and Router. Events go to a
// limits-retention stream on evt.> (every consumer sees every event);
// commands go to a work-queue stream on cmd.> (each command is consumed by
// exactly one worker in the target group).
type JetStream struct {
	js      nats.JetStreamContext
	streams StreamConfig
	logger  *slog.Logger
}

// NewJetStream wraps an established NATS connection. Call EnsureStreams
// before publishing.
func NewJetStream(nc *nats.Conn, streams StreamConfig, logger *slog.Logger) (*JetStream, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return &JetStream{js: js, streams: streams.withDefaults(), logger: logger}, nil
}

// EnsureStreams idempotently creates both streams. File storage for
// durability across broker restarts.
func (b *JetStream) EnsureStreams() error {
	if err := b.ensureStream(&nats.StreamConfig{
		Name:      b.streams.Events,
		Subjects:  []string{envelope.PrefixEvent + ".>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("ensure events stream %s: %w", b.streams.Events, err)
	}

	if err := b.ensureStream(&nats.StreamConfig{
		Name:      b.streams.Commands,
		Subjects:  []string{envelope.PrefixCommand + ".>"},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
	}); err != nil {
		return fmt.Errorf("ensure commands stream %s: %w", b.streams.Commands, err)
	}

	return nil
}

func (b *JetStream) ensureStream(cfg *nats.StreamConfig) error {
	_, err := b.js.StreamInfo(cfg.Name)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return err
	}

	if _, err := b.js.AddStream(cfg); err != nil {
		return err
	}
	b.logger.Info("stream created",
		"stream", cfg.Name,
		"subjects", cfg.Subjects[0],
		"retention", cfg.Retention.String(),
	)
	return nil
}

// Publish sends each event to its scoped subject and waits for the server
// ack. Stops at the first failure.
func (b *JetStream) Publish(ctx context.Context, events []envelope.Envelope) error {
	for i := range events {
		env := &events[i]
		subject := EventSubject(env)
		data, err := envelope.MarshalCanonical(env)
		if err != nil {
			return fmt.Errorf("publish %s: marshal: %w", env.MessageID, err)
		}
		ack, err := b.js.Publish(subject, data, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("publish %s to %s: %w", env.MessageID, subject, err)
		}
		b.logger.Debug("event published",
			"event_id", env.MessageID,
			"subject", subject,
			"seq", ack.Sequence,
		)
	}
	return nil
}

// Route sends a command to the work-queue stream. Non-command envelopes are
// a programming error at the call site and are rejected.
func (b *JetStream) Route(ctx context.Context, cmd envelope.Envelope) error {
	if !cmd.IsCommand() {
		return fmt.Errorf("route %s: not a command type: %s", cmd.MessageID, cmd.Type)
	}

	subject := CommandSubject(&cmd)
	data, err := envelope.MarshalCanonical(&cmd)
	if err != nil {
		return fmt.Errorf("route %s: marshal: %w", cmd.MessageID, err)
	}
	ack, err := b.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("route %s to %s: %w", cmd.MessageID, subject, err)
	}
	b.logger.Debug("command routed",
		"command_id", cmd.MessageID,
		"subject", subject,
		"seq", ack.Sequence,
	)
	return nil
}

// PublishRaw republishes pre-serialized bytes to an arbitrary subject.
// Used by the consumer's dead-letter path, which must forward the original
// payload untouched.
func (b *JetStream) PublishRaw(ctx context.Context, subject string, data []byte) error {
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish raw to %s: %w", subject, err)
	}
	return nil
}
