// Package lifecycle coordinates shutdown between the broker callback goroutines,
// the pipeline workers and the supervising loop of a houseagent process.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// State is the run state of a Controller.
type State int32

const (
	Running State = iota
	StopRequested
	Stopped
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StopRequested:
		return "stop_requested"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopFunc halts a participant and returns once it has finished its in-flight work.
type StopFunc func(ctx context.Context) error

type participant struct {
	name string
	stop StopFunc
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithStopTimeout bounds how long Stop waits for each participant.
// Zero waits indefinitely.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Controller) {
		c.stopTimeout = d
	}
}

// WithStateObserver registers a callback invoked on every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(c *Controller) {
		c.observer = fn
	}
}

// Controller is the shared run/stop flag of a process.
type Controller struct {
	state atomic.Int32

	mu           sync.Mutex
	participants []participant

	once        sync.Once
	done        chan struct{}
	stopTimeout time.Duration
	observer    func(State)
	logger      *slog.Logger
}

// NewController creates a controller in the Running state.
func NewController(opts ...Option) *Controller {
	c := &Controller{
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.setState(Running)
	return c
}

// Register adds a participant. Participants are stopped in registration order.
// Registering after Stop has begun is ignored and returns false.
func (c *Controller) Register(name string, stop StopFunc) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != Running {
		c.logger.Warn("Ignoring lifecycle registration after stop", "participant", name)
		return false
	}
	c.participants = append(c.participants, participant{name: name, stop: stop})
	return true
}

// State returns the current state.
func (c *Controller) State() State {
	return State(c.state.Load())
}

// IsStopped reports whether shutdown has completed.
func (c *Controller) IsStopped() bool {
	return c.State() == Stopped
}

// Done is closed once the controller reaches Stopped.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the controller reaches Stopped or ctx is done.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop requests shutdown and blocks until every participant has acknowledged.
// It is safe to call from any goroutine and any number of times; calls made
// while the first is in progress wait for it, later calls are no-ops.
func (c *Controller) Stop() error {
	var err error
	c.once.Do(func() {
		err = c.shutdown()
	})
	return err
}

func (c *Controller) shutdown() error {
	// The state change and the snapshot share c.mu with Register, so a
	// participant is either in the snapshot or rejected.
	c.mu.Lock()
	c.state.Store(int32(StopRequested))
	participants := make([]participant, len(c.participants))
	copy(participants, c.participants)
	c.mu.Unlock()

	c.notify(StopRequested)
	c.logger.Info("Stop requested")

	var errs []error
	for _, p := range participants {
		ctx, cancel := c.stopContext()
		start := time.Now()
		if err := p.stop(ctx); err != nil {
			c.logger.Error("Participant stop failed", "participant", p.name, "error", err)
			errs = append(errs, err)
		} else {
			c.logger.Debug("Participant stopped", "participant", p.name, "elapsed", time.Since(start))
		}
		cancel()
	}

	c.setState(Stopped)
	close(c.done)
	c.logger.Info("Stopped")
	return errors.Join(errs...)
}

func (c *Controller) stopContext() (context.Context, context.CancelFunc) {
	if c.stopTimeout > 0 {
		return context.WithTimeout(context.Background(), c.stopTimeout)
	}
	return context.WithCancel(context.Background())
}

func (c *Controller) setState(s State) {
	c.state.Store(int32(s))
	c.notify(s)
}

func (c *Controller) notify(s State) {
	if c.observer != nil {
		c.observer(s)
	}
}

// Supervise runs the coarse polling loop of the process: it checks IsStopped
// every interval and triggers Stop when ctx is cancelled (typically by an
// interrupt). It returns once the controller has stopped.
func (c *Controller) Supervise(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !c.IsStopped() {
		select {
		case <-ctx.Done():
			c.logger.Info("Shutdown signal received")
			return c.Stop()
		case <-c.done:
		case <-ticker.C:
		}
	}
	return nil
}
