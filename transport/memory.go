package transport

import (
	"context"
	"sync"
	"time"

	"github.com/shijie-nv/houseagent/message"
)

// memoryBuffer is the per-subscription delivery queue depth.
const memoryBuffer = 1024

// Memory is an in-process Transport. Each subscription gets its own delivery
// goroutine, mirroring how nats.go dispatches callbacks.
type Memory struct {
	mu     sync.RWMutex
	subs   []*memorySub
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type memorySub struct {
	topic   string
	handler Handler
	ch      chan message.RawMessage
}

// NewMemory creates an in-process transport.
func NewMemory() *Memory {
	ctx, cancel := context.WithCancel(context.Background())
	return &Memory{ctx: ctx, cancel: cancel}
}

// Subscribe registers handler for topic.
func (m *Memory) Subscribe(_ context.Context, topic string, handler Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	sub := &memorySub{
		topic:   topic,
		handler: handler,
		ch:      make(chan message.RawMessage, memoryBuffer),
	}
	m.subs = append(m.subs, sub)

	m.wg.Add(1)
	go m.deliver(sub)
	return nil
}

func (m *Memory) deliver(sub *memorySub) {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case msg := <-sub.ch:
			sub.handler(m.ctx, msg)
		}
	}
}

// Publish fans data out to every matching subscription.
func (m *Memory) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}

	now := time.Now()
	for _, sub := range m.subs {
		if !SubjectMatches(sub.topic, topic) {
			continue
		}
		msg := message.RawMessage{
			Topic:      topic,
			Payload:    append(message.Payload(nil), data...),
			ReceivedAt: now,
		}
		select {
		case sub.ch <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops delivery goroutines. Messages still queued are discarded.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	return nil
}
