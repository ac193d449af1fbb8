package sink

import (
	"context"
	"fmt"

	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/transport"
)

// Publish republishes responses as JSON on a broker topic.
type Publish struct {
	transport transport.Transport
	topic     string
}

// NewPublish creates a publish sink for topic.
func NewPublish(t transport.Transport, topic string) *Publish {
	return &Publish{transport: t, topic: topic}
}

// Emit encodes and publishes resp.
func (p *Publish) Emit(ctx context.Context, resp message.Response) error {
	data, err := resp.Encode()
	if err != nil {
		return err
	}
	if err := p.transport.Publish(ctx, p.topic, data); err != nil {
		return fmt.Errorf("publish response to %s: %w", p.topic, err)
	}
	return nil
}
