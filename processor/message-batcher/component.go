// Package messagebatcher collects raw home-automation events into fixed
// time windows and publishes each window as one bundle.
package messagebatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/metric"
	"github.com/shijie-nv/houseagent/transport"
)

// Bundle publish outcomes recorded in metrics.
const (
	statusOK         = "ok"
	statusError      = "error"
	statusSuppressed = "suppressed"
)

// Component implements the message-batcher processor.
type Component struct {
	name      string
	config    Config
	transport transport.Transport
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time

	accumulator *Accumulator
	emitter     *Emitter
	filter      *TopicFilter

	// flushMu serializes drain plus publish. Ticks that find it held are rejected.
	flushMu sync.Mutex

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	// Metrics
	messagesReceived atomic.Int64
	messagesFiltered atomic.Int64
	bundlesPublished atomic.Int64
	publishFailures  atomic.Int64
	flushesRejected  atomic.Int64
}

// Option configures a Component.
type Option func(*Component)

// WithLogger sets the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Component) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records pipeline metrics on m.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Component) {
		c.metrics = m
	}
}

// WithClock overrides the time source used for window bounds.
func WithClock(now func() time.Time) Option {
	return func(c *Component) {
		if now != nil {
			c.now = now
		}
	}
}

// NewComponent creates a message batcher bound to t.
func NewComponent(config Config, t transport.Transport, opts ...Option) (*Component, error) {
	defaults := DefaultConfig()
	if config.BundleTopic == "" {
		config.BundleTopic = defaults.BundleTopic
	}
	if config.BundleInterval == 0 {
		config.BundleInterval = defaults.BundleInterval
	}
	if config.PublishTimeout == 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("transport required")
	}

	filter, err := NewTopicFilter(config.Include, config.Exclude)
	if err != nil {
		return nil, fmt.Errorf("topic filter: %w", err)
	}

	c := &Component{
		name:      "message-batcher",
		config:    config,
		transport: t,
		logger:    slog.Default(),
		now:       time.Now,
		filter:    filter,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.emitter = NewEmitter(t, config.BundleTopic, config.PublishTimeout, c.logger)
	return c, nil
}

// Name returns the component name.
func (c *Component) Name() string {
	return c.name
}

// Start subscribes to the input topic and begins the flush schedule.
// The first window opens when Start is called. Cancelling ctx after Start
// returns does not stop the component; only Stop runs the final flush.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("component already running")
	}
	select {
	case <-c.stopCh:
		c.mu.Unlock()
		return fmt.Errorf("component stopped")
	default:
	}

	c.startTime = c.now()
	c.accumulator = NewAccumulator(c.startTime)

	if err := c.transport.Subscribe(ctx, c.config.InputTopic, c.handleMessage); err != nil {
		c.mu.Unlock()
		return fmt.Errorf("subscribe to %s: %w", c.config.InputTopic, err)
	}
	c.running = true
	c.mu.Unlock()

	go c.flushLoop(context.WithoutCancel(ctx))

	c.logger.Info("message-batcher started",
		"input_topic", c.config.InputTopic,
		"bundle_topic", c.config.BundleTopic,
		"bundle_interval", c.config.BundleInterval,
		"suppress_empty", c.config.SuppressEmpty)
	return nil
}

// handleMessage runs on the transport delivery goroutine. It only appends.
// A message is counted only when the accumulator took it.
func (c *Component) handleMessage(_ context.Context, msg message.RawMessage) {
	if !c.filter.Allow(msg.Topic) {
		c.messagesFiltered.Add(1)
		c.metrics.MessageFiltered()
		return
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = c.now()
	}
	if !c.accumulator.Append(msg) {
		c.logger.Debug("Dropping message after final flush", "topic", msg.Topic)
		return
	}
	c.messagesReceived.Add(1)
	c.metrics.MessageReceived()
}

// flushLoop fires a flush every BundleInterval until Stop, then runs the final flush.
// Ticks that arrive while a flush is still running are dropped by the ticker.
func (c *Component) flushLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.config.BundleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			c.finalFlush()
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil && !errors.Is(err, ErrFlushInProgress) {
				c.logger.Warn("Bundle flush failed", "error", err)
			}
		}
	}
}

// Flush drains the current window and publishes it. A flush that overlaps
// another returns ErrFlushInProgress without draining.
func (c *Component) Flush(ctx context.Context) error {
	if !c.flushMu.TryLock() {
		c.flushesRejected.Add(1)
		c.metrics.FlushRejectedInc()
		c.logger.Warn("Flush rejected, previous flush still running")
		return ErrFlushInProgress
	}
	defer c.flushMu.Unlock()
	return c.flushLocked(ctx, false)
}

// finalFlush waits for any running flush, then closes the accumulator and
// publishes what remains.
func (c *Component) finalFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	// The publish timeout bounds the send.
	if err := c.flushLocked(context.Background(), true); err != nil {
		c.logger.Warn("Final flush failed", "error", err)
		return
	}
	c.logger.Debug("Final flush complete")
}

func (c *Component) flushLocked(ctx context.Context, final bool) error {
	if c.accumulator == nil || (!final && c.accumulator.Closed()) {
		return nil
	}

	drain := c.accumulator.DrainAndReset
	if final {
		drain = c.accumulator.Close
	}
	bundle, err := drain(c.now())
	if err != nil {
		if errors.Is(err, ErrFlushInProgress) {
			c.flushesRejected.Add(1)
			c.metrics.FlushRejectedInc()
		}
		return err
	}

	if bundle.Empty() && c.config.SuppressEmpty {
		c.metrics.BundleFlushed(statusSuppressed, 0)
		return nil
	}

	if err := c.emitter.Publish(ctx, bundle); err != nil {
		c.publishFailures.Add(1)
		c.metrics.BundleFlushed(statusError, len(bundle.Messages))
		return err
	}

	c.bundlesPublished.Add(1)
	c.metrics.BundleFlushed(statusOK, len(bundle.Messages))
	if !bundle.Empty() {
		c.logger.Info("Bundle published",
			"bundle_id", bundle.ID,
			"messages", len(bundle.Messages),
			"window_start", bundle.WindowStart,
			"window_end", bundle.WindowEnd)
	}
	return nil
}

// Stop requests the final flush and waits for it. Safe to call more than once;
// only the first call flushes.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	running := c.running
	c.running = false
	c.mu.Unlock()

	c.stopOnce.Do(func() { close(c.stopCh) })

	if !running {
		select {
		case <-c.done:
		default:
			// Never started: nothing to flush.
			return nil
		}
	}

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for final flush: %w", ctx.Err())
	}

	c.logger.Info("message-batcher stopped",
		"messages_received", c.messagesReceived.Load(),
		"bundles_published", c.bundlesPublished.Load(),
		"publish_failures", c.publishFailures.Load())
	return nil
}

// Health reports whether the component is running.
func (c *Component) Health() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.running {
		return false, "stopped"
	}
	return true, fmt.Sprintf("running since %s", c.startTime.Format(time.RFC3339))
}

// Stats is a point-in-time view of the batcher counters.
type Stats struct {
	MessagesReceived int64
	MessagesFiltered int64
	BundlesPublished int64
	PublishFailures  int64
	FlushesRejected  int64
	Pending          int
}

// Stats returns the current counters.
func (c *Component) Stats() Stats {
	s := Stats{
		MessagesReceived: c.messagesReceived.Load(),
		MessagesFiltered: c.messagesFiltered.Load(),
		BundlesPublished: c.bundlesPublished.Load(),
		PublishFailures:  c.publishFailures.Load(),
		FlushesRejected:  c.flushesRejected.Load(),
	}
	c.mu.RLock()
	acc := c.accumulator
	c.mu.RUnlock()
	if acc != nil {
		s.Pending = acc.Len()
	}
	return s
}
