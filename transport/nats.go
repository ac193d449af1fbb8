package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/shijie-nv/houseagent/message"
)

// NATSConfig configures a NATS transport.
type NATSConfig struct {
	// URL is the server URL, or a comma separated list of URLs.
	URL string

	// Name identifies the client connection on the server.
	Name string

	// PingInterval is the keep-alive interval.
	PingInterval time.Duration

	// MaxReconnects caps reconnect attempts; -1 retries forever.
	MaxReconnects int

	// ReconnectWait is the delay between reconnect attempts.
	ReconnectWait time.Duration

	// ConnectTimeout bounds the initial dial.
	ConnectTimeout time.Duration

	// FlushTimeout bounds the connection drain on Close.
	FlushTimeout time.Duration

	// Stream, when set, is a JetStream stream created for StreamSubjects.
	// Publishes to those subjects go through JetStream and are acknowledged.
	Stream         string
	StreamSubjects []string
	StreamMaxAge   time.Duration

	// Metrics, when set, receives JetStream stream metrics.
	Metrics *metric.MetricsRegistry

	// OnConnectionChange is called with true on connect and reconnect and
	// with false on disconnect.
	OnConnectionChange func(connected bool)

	// OnReconnect is called after every successful reconnect.
	OnReconnect func()
}

// DefaultNATSConfig returns sensible defaults for a local broker.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:            nats.DefaultURL,
		Name:           "houseagent",
		PingInterval:   60 * time.Second,
		MaxReconnects:  -1,
		ReconnectWait:  2 * time.Second,
		ConnectTimeout: 5 * time.Second,
		FlushTimeout:   2 * time.Second,
		StreamMaxAge:   24 * time.Hour,
	}
}

// NATS is a Transport backed by a semstreams NATS client.
type NATS struct {
	cfg    NATSConfig
	client *natsclient.Client
	js     jetstream.JetStream
	logger *slog.Logger

	streamSubjects map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	wildcard []*nats.Subscription
	closed   bool
}

// ConnectNATS dials the server and, when configured, ensures the bundle stream exists.
// Connection failures are returned to the caller; startup treats them as fatal.
func ConnectNATS(ctx context.Context, cfg NATSConfig, logger *slog.Logger) (*NATS, error) {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = defaults.URL
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}
	if cfg.FlushTimeout == 0 {
		cfg.FlushTimeout = defaults.FlushTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = defaults.ReconnectWait
	}

	t := &NATS{
		cfg:            cfg,
		logger:         logger,
		streamSubjects: make(map[string]struct{}),
	}

	opts := []natsclient.ClientOption{
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
		natsclient.WithPingInterval(cfg.PingInterval),
		natsclient.WithTimeout(cfg.ConnectTimeout),
		natsclient.WithDrainTimeout(cfg.FlushTimeout),
		natsclient.WithLogger(logger.With("component", "natsclient")),
		natsclient.WithDisconnectCallback(t.handleDisconnect),
		natsclient.WithReconnectCallback(t.handleReconnect),
		natsclient.WithMetrics(cfg.Metrics),
	}
	if cfg.Name != "" {
		opts = append(opts, natsclient.WithName(cfg.Name))
	}

	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}
	t.client = client

	logger.Info("Connecting to NATS", "url", cfg.URL, "name", cfg.Name)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(dialCtx); err != nil {
		t.closeClient()
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	if err := client.WaitForConnection(dialCtx); err != nil {
		t.closeClient()
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	t.notifyConnection(true)

	t.ctx, t.cancel = context.WithCancel(context.Background())

	if cfg.Stream != "" {
		if err := t.ensureStream(ctx); err != nil {
			t.cancel()
			t.closeClient()
			return nil, err
		}
	}

	logger.Info("Connected to NATS", "url", client.GetConnection().ConnectedUrl())
	return t, nil
}

func (t *NATS) ensureStream(ctx context.Context) error {
	if len(t.cfg.StreamSubjects) == 0 {
		return fmt.Errorf("stream %s has no subjects", t.cfg.Stream)
	}

	streamCfg := jetstream.StreamConfig{
		Name:     t.cfg.Stream,
		Subjects: t.cfg.StreamSubjects,
		MaxAge:   t.cfg.StreamMaxAge,
		Storage:  jetstream.FileStorage,
	}
	if _, err := t.client.GetStream(ctx, t.cfg.Stream); err == nil {
		js, err := t.client.JetStream()
		if err != nil {
			return fmt.Errorf("JetStream context: %w", err)
		}
		if _, err := js.UpdateStream(ctx, streamCfg); err != nil {
			return fmt.Errorf("update stream %s: %w", t.cfg.Stream, err)
		}
	} else if _, err := t.client.CreateStream(ctx, streamCfg); err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.cfg.Stream, err)
	}

	js, err := t.client.JetStream()
	if err != nil {
		return fmt.Errorf("JetStream context: %w", err)
	}
	t.js = js
	for _, s := range t.cfg.StreamSubjects {
		t.streamSubjects[s] = struct{}{}
	}
	t.logger.Debug("JetStream stream ready", "stream", t.cfg.Stream, "subjects", t.cfg.StreamSubjects)
	return nil
}

// Subscribe registers handler for topic. Each subscription's messages are
// delivered on its own goroutine, in order.
//
// Literal subjects go through the client subscription. Wildcard subjects need
// the concrete subject of every message, so they subscribe on the underlying
// connection instead.
func (t *NATS) Subscribe(_ context.Context, topic string, handler Handler) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	if !hasWildcard(topic) {
		_, err := t.client.Subscribe(t.ctx, topic, func(ctx context.Context, msg *nats.Msg) {
			data := msg.Data
			handler(ctx, message.RawMessage{
				Topic:      topic,
				Payload:    append(message.Payload(nil), data...),
				ReceivedAt: time.Now(),
			})
		})
		if err != nil {
			return t.wrapErr(fmt.Sprintf("subscribe to %s", topic), err)
		}
		t.logger.Info("Subscribed", "topic", topic)
		return nil
	}

	conn := t.client.GetConnection()
	if conn == nil {
		return ErrNotConnected
	}
	sub, err := conn.Subscribe(topic, func(m *nats.Msg) {
		handler(t.ctx, message.RawMessage{
			Topic:      m.Subject,
			Payload:    append(message.Payload(nil), m.Data...),
			ReceivedAt: time.Now(),
		})
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", topic, err)
	}

	t.wildcard = append(t.wildcard, sub)
	t.logger.Info("Subscribed", "topic", topic)
	return nil
}

func hasWildcard(topic string) bool {
	for _, tok := range strings.Split(topic, ".") {
		if tok == "*" || tok == ">" {
			return true
		}
	}
	return false
}

// Publish sends data to topic. Subjects captured by the configured stream are
// published through JetStream and wait for the server acknowledgement.
func (t *NATS) Publish(ctx context.Context, topic string, data []byte) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if t.js != nil && t.inStream(topic) {
		if err := t.client.PublishToStream(ctx, topic, data); err != nil {
			return t.wrapErr(fmt.Sprintf("publish to stream %s", t.cfg.Stream), err)
		}
		return nil
	}

	if err := t.client.Publish(ctx, topic, data); err != nil {
		return t.wrapErr(fmt.Sprintf("publish to %s", topic), err)
	}
	return nil
}

// wrapErr maps the client's connection errors onto ErrNotConnected.
func (t *NATS) wrapErr(op string, err error) error {
	if errors.Is(err, natsclient.ErrNotConnected) || errors.Is(err, natsclient.ErrCircuitOpen) {
		return fmt.Errorf("%s: %w: %w", op, ErrNotConnected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (t *NATS) inStream(topic string) bool {
	if _, ok := t.streamSubjects[topic]; ok {
		return true
	}
	for s := range t.streamSubjects {
		if SubjectMatches(s, topic) {
			return true
		}
	}
	return false
}

// Close unsubscribes, drains outstanding publishes and closes the connection.
func (t *NATS) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.wildcard
	t.wildcard = nil
	t.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			t.logger.Debug("Unsubscribe failed", "subject", sub.Subject, "error", err)
		}
	}

	t.cancel()
	err := t.closeClient()
	t.notifyConnection(false)
	if err != nil {
		return fmt.Errorf("close NATS connection: %w", err)
	}
	return nil
}

func (t *NATS) closeClient() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.FlushTimeout)
	defer cancel()
	return t.client.Close(ctx)
}

// Client returns the underlying semstreams client, for key-value storage
// alongside the pub/sub traffic.
func (t *NATS) Client() (*natsclient.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}
	return t.client, nil
}

// JetStream returns the JetStream context of the shared connection.
func (t *NATS) JetStream() (jetstream.JetStream, error) {
	client, err := t.Client()
	if err != nil {
		return nil, err
	}
	js, err := client.JetStream()
	if err != nil {
		return nil, fmt.Errorf("JetStream context: %w", err)
	}
	return js, nil
}

// Status returns the client connection status.
func (t *NATS) Status() string {
	return t.client.Status().String()
}

// RTT measures the round trip to the server.
func (t *NATS) RTT() (time.Duration, error) {
	return t.client.RTT()
}

func (t *NATS) handleDisconnect(err error) {
	t.notifyConnection(false)
	if err != nil {
		t.logger.Warn("Disconnected from NATS", "error", err)
		return
	}
	t.logger.Info("Disconnected from NATS")
}

func (t *NATS) handleReconnect() {
	t.notifyConnection(true)
	if t.cfg.OnReconnect != nil {
		t.cfg.OnReconnect()
	}
	t.logger.Info("Reconnected to NATS", "url", t.cfg.URL)
}

func (t *NATS) notifyConnection(connected bool) {
	if t.cfg.OnConnectionChange != nil {
		t.cfg.OnConnectionChange(connected)
	}
}

// natsLogger routes client log lines to slog.
type natsLogger struct {
	logger *slog.Logger
}

func (l natsLogger) Printf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "natsclient")
}

func (l natsLogger) Errorf(format string, v ...any) {
	l.logger.Error(fmt.Sprintf(format, v...), "component", "natsclient")
}

func (l natsLogger) Debugf(format string, v ...any) {
	l.logger.Debug(fmt.Sprintf(format, v...), "component", "natsclient")
}
