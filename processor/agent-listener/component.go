// Package agentlistener consumes bundles, tracks the last two world-state
// snapshots, and asks the reasoning model to describe each transition.
package agentlistener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360studio/semstreams/pkg/retry"
	"github.com/c360studio/semstreams/pkg/worker"

	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/metric"
	"github.com/shijie-nv/houseagent/sink"
	"github.com/shijie-nv/houseagent/state"
	"github.com/shijie-nv/houseagent/transport"
)

// Bundle consumption outcomes recorded in metrics.
const (
	statusAccepted  = "accepted"
	statusDropped   = "dropped"
	statusDiscarded = "discarded"
	statusInvalid   = "invalid"
	statusFailed    = "failed"
	statusProcessed = "processed"
)

// checkpointTimeout bounds one checkpoint load or save.
const checkpointTimeout = 5 * time.Second

// enqueueRetry paces a delivery waiting for room in a full queue. It keeps
// trying until the bundle is queued or the listener stops.
var enqueueRetry = retry.Config{
	MaxAttempts:  math.MaxInt32,
	InitialDelay: 5 * time.Millisecond,
	MaxDelay:     100 * time.Millisecond,
	Multiplier:   2,
}

// Checkpointer persists the state window across restarts.
type Checkpointer interface {
	Load(ctx context.Context) (current, previous state.Snapshot, ok bool, err error)
	Save(ctx context.Context, current, previous state.Snapshot) error
}

type queuedBundle struct {
	data       []byte
	receivedAt time.Time
}

// Component implements the agent-listener processor.
type Component struct {
	name      string
	config    Config
	transport transport.Transport
	invoker   *Invoker
	window    *StateWindow
	defaults  func() state.Snapshot
	sink      sink.Sink
	store     Checkpointer
	logger    *slog.Logger
	metrics   *metric.Metrics

	// pool runs one worker, so bundles are processed one at a time in
	// arrival order.
	pool *worker.Pool[queuedBundle]

	// submitMu orders deliveries against Stop; accepting is guarded by it.
	submitMu  sync.RWMutex
	accepting bool

	// Lifecycle
	running    bool
	startTime  time.Time
	mu         sync.RWMutex
	stopCtx    context.Context
	stopCancel context.CancelFunc
	done       chan struct{}
	stopOnce   sync.Once
	poolErr    error

	// Metrics
	bundlesReceived  atomic.Int64
	bundlesProcessed atomic.Int64
	bundlesDropped   atomic.Int64
	generateFailures atomic.Int64
	inFlight         atomic.Bool
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

// WithSink sets where generated responses go.
func WithSink(s sink.Sink) Option {
	return func(c *Component) {
		c.sink = s
	}
}

// WithDefaultState supplies the default snapshot passed to each request.
// It is read per request so a reloaded default takes effect without restart.
func WithDefaultState(fn func() state.Snapshot) Option {
	return func(c *Component) {
		if fn != nil {
			c.defaults = fn
		}
	}
}

// WithCheckpoint restores the window from store on Start and saves it after
// every bundle.
func WithCheckpoint(store Checkpointer) Option {
	return func(c *Component) {
		c.store = store
	}
}

// NewComponent creates an agent listener. The state window starts at def.
func NewComponent(config Config, t transport.Transport, invoker *Invoker, def state.Snapshot, opts ...Option) (*Component, error) {
	defaults := DefaultConfig()
	if config.BundleTopic == "" {
		config.BundleTopic = defaults.BundleTopic
	}
	if config.QueueSize == 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.GenerateTimeout == 0 {
		config.GenerateTimeout = defaults.GenerateTimeout
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if t == nil {
		return nil, fmt.Errorf("transport required")
	}
	if invoker == nil {
		return nil, fmt.Errorf("invoker required")
	}
	if len(def) == 0 {
		def = state.Empty
	}

	c := &Component{
		name:      "agent-listener",
		config:    config,
		transport: t,
		invoker:   invoker,
		window:    NewStateWindow(def),
		defaults:  func() state.Snapshot { return def },
		sink:      sink.NewMulti(),
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	c.stopCtx, c.stopCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	c.pool = worker.NewPool(1, config.QueueSize, c.runItem)
	return c, nil
}

// Name returns the component name.
func (c *Component) Name() string {
	return c.name
}

// Window exposes the state window.
func (c *Component) Window() *StateWindow {
	return c.window
}

// Start subscribes to the bundle topic and starts the worker. Cancelling ctx
// after Start returns does not stop the component; only Stop does.
func (c *Component) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("component already running")
	}
	if c.stopCtx.Err() != nil {
		return fmt.Errorf("component stopped")
	}

	c.restore(ctx)

	if err := c.pool.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	c.submitMu.Lock()
	c.accepting = true
	c.submitMu.Unlock()

	if err := c.transport.Subscribe(ctx, c.config.BundleTopic, c.handleBundle); err != nil {
		c.submitMu.Lock()
		c.accepting = false
		c.submitMu.Unlock()
		c.stopCancel()
		_ = c.pool.Stop(time.Second)
		return fmt.Errorf("subscribe to %s: %w", c.config.BundleTopic, err)
	}
	c.running = true
	c.startTime = time.Now()

	c.logger.Info("agent-listener started",
		"bundle_topic", c.config.BundleTopic,
		"queue_size", c.config.QueueSize,
		"generate_timeout", c.config.GenerateTimeout)
	return nil
}

// restore loads a saved window. A failed load keeps the default window.
func (c *Component) restore(ctx context.Context) {
	if c.store == nil {
		return
	}
	loadCtx, cancel := context.WithTimeout(ctx, checkpointTimeout)
	defer cancel()

	current, previous, ok, err := c.store.Load(loadCtx)
	if err != nil {
		c.logger.Warn("Checkpoint load failed, starting from default state", "error", err)
		return
	}
	if !ok {
		return
	}
	c.window.Restore(current, previous)
	c.logger.Info("State window restored from checkpoint")
}

func (c *Component) checkpoint(ctx context.Context, current, previous state.Snapshot) {
	if c.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), checkpointTimeout)
	defer cancel()

	if err := c.store.Save(saveCtx, current, previous); err != nil {
		c.logger.Warn("Checkpoint save failed", "error", err)
	}
}

// handleBundle runs on the transport delivery goroutine. It only enqueues;
// when the queue is full it waits for room or for Stop.
func (c *Component) handleBundle(_ context.Context, msg message.RawMessage) {
	c.submitMu.RLock()
	defer c.submitMu.RUnlock()

	if !c.accepting {
		c.drop(msg, "listener stopping")
		return
	}

	item := queuedBundle{
		data:       append([]byte(nil), msg.Payload...),
		receivedAt: msg.ReceivedAt,
	}
	err := retry.Do(c.stopCtx, enqueueRetry, func() error {
		err := c.pool.Submit(item)
		if errors.Is(err, worker.ErrQueueFull) {
			return err
		}
		return retry.NonRetryable(err)
	})
	if err != nil {
		c.drop(msg, "listener stopping")
		return
	}
	c.bundlesReceived.Add(1)
	c.metrics.BundleConsumed(statusAccepted)
	c.metrics.QueueDepth(c.pool.Stats().QueueDepth)
}

func (c *Component) drop(msg message.RawMessage, reason string) {
	c.bundlesDropped.Add(1)
	c.metrics.BundleConsumed(statusDropped)
	c.logger.Warn("Dropping bundle", "topic", msg.Topic, "reason", reason)
}

// runItem is the worker pool processor. Once Stop has begun, queued bundles
// are discarded instead of processed.
func (c *Component) runItem(ctx context.Context, item queuedBundle) error {
	if c.stopCtx.Err() != nil {
		c.discard(1)
		return nil
	}
	c.metrics.QueueDepth(c.pool.Stats().QueueDepth)
	c.process(ctx, item)
	return nil
}

func (c *Component) discard(n int) {
	if n == 0 {
		return
	}
	c.bundlesDropped.Add(int64(n))
	for range n {
		c.metrics.BundleConsumed(statusDiscarded)
	}
	c.metrics.QueueDepth(c.pool.Stats().QueueDepth)
	c.logger.Info("Discarded queued bundle on stop", "count", n)
}

// process advances the window with one bundle and generates a response.
// The generation context ignores cancellation of ctx so an in-flight request
// completes during shutdown, bounded by GenerateTimeout.
func (c *Component) process(ctx context.Context, item queuedBundle) {
	c.inFlight.Store(true)
	defer c.inFlight.Store(false)

	snapshot, err := state.Parse(item.data)
	if err != nil {
		c.metrics.BundleConsumed(statusInvalid)
		c.logger.Warn("Discarding malformed bundle", "error", err, "bytes", len(item.data))
		return
	}

	// Window bounds are informational; an undecodable bundle still advances state.
	var bundleID string
	var windowStart, windowEnd time.Time
	if b, err := message.DecodeBundle(item.data); err == nil {
		bundleID, windowStart, windowEnd = b.ID, b.WindowStart, b.WindowEnd
	} else {
		c.logger.Debug("Bundle has no window metadata", "error", err)
	}

	current, previous := c.window.Advance(snapshot)
	c.checkpoint(ctx, current, previous)

	genCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.config.GenerateTimeout)
	defer cancel()

	resp, err := c.invoker.Generate(genCtx, current, previous, c.defaults())
	if err != nil {
		c.generateFailures.Add(1)
		c.metrics.BundleConsumed(statusFailed)
		c.logger.Error("Response generation failed",
			"bundle_id", bundleID,
			"error", err)
		return
	}
	resp.BundleID = bundleID
	resp.WindowStart = windowStart
	resp.WindowEnd = windowEnd

	if err := c.sink.Emit(genCtx, resp); err != nil {
		c.logger.Warn("Response sink failed", "response_id", resp.ID, "error", err)
	}

	c.bundlesProcessed.Add(1)
	c.metrics.BundleConsumed(statusProcessed)
	c.logger.Debug("Bundle processed",
		"bundle_id", bundleID,
		"response_id", resp.ID,
		"queued_for", time.Since(item.receivedAt))
}

// Stop stops accepting bundles, discards queued ones, and waits for the
// in-flight request to finish or ctx to expire. Safe to call more than once.
func (c *Component) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	c.stopOnce.Do(func() {
		// Cancelling first releases deliveries waiting for queue room.
		c.stopCancel()
		c.submitMu.Lock()
		c.accepting = false
		c.submitMu.Unlock()

		go func() {
			defer close(c.done)
			c.poolErr = c.pool.Stop(c.drainTimeout())
		}()
	})

	select {
	case <-c.done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight generation: %w", ctx.Err())
	}
	if c.poolErr != nil {
		return fmt.Errorf("stop worker: %w", c.poolErr)
	}

	c.logger.Info("agent-listener stopped",
		"bundles_received", c.bundlesReceived.Load(),
		"bundles_processed", c.bundlesProcessed.Load(),
		"bundles_dropped", c.bundlesDropped.Load(),
		"generate_failures", c.generateFailures.Load())
	return nil
}

// drainTimeout bounds the worker pool shutdown: one in-flight generation and
// its checkpoint.
func (c *Component) drainTimeout() time.Duration {
	return c.config.GenerateTimeout + checkpointTimeout + time.Second
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

// Stats is a point-in-time view of the listener counters.
type Stats struct {
	BundlesReceived  int64
	BundlesProcessed int64
	BundlesDropped   int64
	GenerateFailures int64
	Queued           int
	InFlight         bool
}

// Stats returns the current counters.
func (c *Component) Stats() Stats {
	return Stats{
		BundlesReceived:  c.bundlesReceived.Load(),
		BundlesProcessed: c.bundlesProcessed.Load(),
		BundlesDropped:   c.bundlesDropped.Load(),
		GenerateFailures: c.generateFailures.Load(),
		Queued:           c.pool.Stats().QueueDepth,
		InFlight:         c.inFlight.Load(),
	}
}
