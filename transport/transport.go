// Package transport provides the publish/subscribe adapters the pipeline runs on.
//
// A Transport delivers inbound messages to handlers on its own goroutines and
// publishes outbound data. Handlers must return quickly; anything slow belongs
// on a worker owned by the caller.
package transport

import (
	"context"
	"errors"

	"github.com/shijie-nv/houseagent/message"
)

// Handler receives one inbound message. It runs on the transport's delivery goroutine.
type Handler func(ctx context.Context, msg message.RawMessage)

// Transport is the broker contract the pipeline depends on.
type Transport interface {
	// Subscribe registers handler for every message on topic.
	// Topics use NATS subject syntax, including the * and > wildcards.
	Subscribe(ctx context.Context, topic string, handler Handler) error

	// Publish sends data to topic.
	Publish(ctx context.Context, topic string, data []byte) error

	// Close flushes pending publishes and releases the connection.
	Close() error
}

// Errors returned by transports.
var (
	ErrClosed       = errors.New("transport closed")
	ErrNotConnected = errors.New("not connected to broker")
	ErrEmptyTopic   = errors.New("topic is required")
)
