package messagebatcher

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/transport"
)

// Emitter publishes drained bundles to the bundle topic.
// It keeps no reference to a bundle after Publish returns.
type Emitter struct {
	transport transport.Transport
	topic     string
	timeout   time.Duration
	logger    *slog.Logger
}

// NewEmitter creates an emitter for topic. A zero timeout leaves the caller's deadline in charge.
func NewEmitter(t transport.Transport, topic string, timeout time.Duration, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		transport: t,
		topic:     topic,
		timeout:   timeout,
		logger:    logger,
	}
}

// Publish encodes and sends the bundle once. Failures are not retried.
func (e *Emitter) Publish(ctx context.Context, b message.Bundle) error {
	data, err := b.Encode()
	if err != nil {
		return fmt.Errorf("encode bundle %s: %w", b.ID, err)
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	if err := e.transport.Publish(ctx, e.topic, data); err != nil {
		return fmt.Errorf("publish bundle %s to %s: %w", b.ID, e.topic, err)
	}

	e.logger.Debug("Published bundle",
		"bundle_id", b.ID,
		"topic", e.topic,
		"messages", len(b.Messages),
		"bytes", len(data))
	return nil
}
