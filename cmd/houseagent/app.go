package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c360studio/semstreams/natsclient"
	"github.com/spf13/cobra"

	"github.com/shijie-nv/houseagent/config"
	"github.com/shijie-nv/houseagent/housebot"
	"github.com/shijie-nv/houseagent/lifecycle"
	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/metric"
	agentlistener "github.com/shijie-nv/houseagent/processor/agent-listener"
	messagebatcher "github.com/shijie-nv/houseagent/processor/message-batcher"
	"github.com/shijie-nv/houseagent/sink"
	"github.com/shijie-nv/houseagent/storage"
	"github.com/shijie-nv/houseagent/transport"

	// Register LLM providers via init()
	_ "github.com/shijie-nv/houseagent/llm/providers"
)

// role selects which pipeline stages a process runs.
type role int

const (
	roleCollector role = 1 << iota
	roleAgent
)

const (
	superviseInterval = time.Second
	stopTimeout       = 30 * time.Second
	metricsStopWait   = 5 * time.Second
)

func serveCmd(flags *globalFlags, use, short string, roles role) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			printBanner(cmd.OutOrStdout())
			logger := newLogger(cmd.ErrOrStderr(), flags.logLevel)

			cfg, err := loadConfig(flags, logger)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			metrics := metric.New()
			t, closeTransport, err := connectTransport(ctx, cfg, logger, metrics)
			if err != nil {
				return err
			}
			defer closeTransport()

			a := &app{
				cfg:       cfg,
				roles:     roles,
				logger:    logger,
				metrics:   metrics,
				transport: t,
				stdout:    cmd.OutOrStdout(),
			}
			if roles&roleAgent != 0 {
				client, err := newLLMClient(cfg, logger, llm.WithAttemptObserver(a.metrics.LLMAttempt))
				if err != nil {
					return err
				}
				a.completer = client
			}
			return a.run(ctx)
		},
	}
}

func loadConfig(flags *globalFlags, logger *slog.Logger) (*config.Config, error) {
	var opts []config.LoaderOption
	if flags.configPath != "" {
		opts = append(opts, config.WithPath(flags.configPath))
	}
	cfg, err := config.NewLoader(logger, opts...).Load()
	if err != nil {
		return nil, err
	}
	if flags.embedded {
		cfg.Broker.Embedded = true
	}
	return cfg, nil
}

// connectTransport dials the configured broker, starting an embedded one first if asked.
// Connection state and JetStream stream metrics are recorded on m when set.
func connectTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metric.Metrics) (transport.Transport, func(), error) {
	natsCfg := cfg.NATSConfig()
	if m != nil {
		natsCfg.Metrics = m.Framework()
		natsCfg.OnConnectionChange = m.NATSConnected
		natsCfg.OnReconnect = m.NATSReconnected
	}

	var embedded *transport.Embedded
	if cfg.Broker.Embedded {
		var err error
		jetStream := natsCfg.Stream != "" || cfg.Agent.CheckpointBucket != ""
		embedded, err = transport.StartEmbedded(jetStream)
		if err != nil {
			return nil, nil, fmt.Errorf("start embedded NATS: %w", err)
		}
		natsCfg.URL = embedded.ClientURL()
		logger.Info("Embedded NATS server started", "url", natsCfg.URL)
	}

	t, err := transport.ConnectNATS(ctx, natsCfg, logger)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, wrapNATSError(err, natsCfg.URL)
	}

	return t, func() {
		if err := t.Close(); err != nil {
			logger.Warn("Transport close failed", "error", err)
		}
		if embedded != nil {
			embedded.Shutdown()
		}
	}, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

Start a broker, set NATS_URL to point at one, or pass --embedded
to run an in-process server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func newLLMClient(cfg *config.Config, logger *slog.Logger, extra ...llm.ClientOption) (*llm.Client, error) {
	registry, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}
	opts := []llm.ClientOption{
		llm.WithHTTPClient(&http.Client{Timeout: cfg.Model.Timeout}),
		llm.WithRetryConfig(cfg.Model.Retry),
		llm.WithLogger(logger),
	}
	return llm.NewClient(registry, append(opts, extra...)...), nil
}

// app is the composition root for one process.
type app struct {
	cfg       *config.Config
	roles     role
	logger    *slog.Logger
	metrics   *metric.Metrics
	transport transport.Transport
	completer llm.Completer
	stdout    io.Writer

	checks []healthCheck
}

type healthCheck struct {
	name  string
	check func() (bool, string)
}

// run starts the selected stages and blocks until ctx is cancelled and every
// stage has stopped. Only the controller stops the stages: they run on a
// context detached from ctx, and Supervise turns the cancellation into
// Controller.Stop. Stages stop in start order, so the collector publishes its
// final bundle before the agent shuts down.
func (a *app) run(ctx context.Context) error {
	ctl := lifecycle.NewController(
		lifecycle.WithLogger(a.logger),
		lifecycle.WithStopTimeout(stopTimeout),
		lifecycle.WithStateObserver(func(s lifecycle.State) { a.metrics.Lifecycle(int(s)) }),
	)

	// Released once Supervise returns, for the prompt watcher.
	runCtx, cancelRun := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRun()

	if err := a.start(runCtx, ctl); err != nil {
		if stopErr := ctl.Stop(); stopErr != nil {
			a.logger.Warn("Stop after failed start", "error", stopErr)
		}
		return err
	}

	if a.cfg.Metrics.Addr != "" {
		srv := metric.NewServer(a.cfg.Metrics.Addr, a.metrics, a.health, a.logger)
		if err := srv.Start(); err != nil {
			_ = ctl.Stop()
			return err
		}
		defer func() {
			if err := srv.Stop(metricsStopWait); err != nil {
				a.logger.Warn("Metrics server stop failed", "error", err)
			}
		}()
	}

	a.logger.Info("Houseagent ready", "version", Version, "stages", len(a.checks))
	return ctl.Supervise(ctx, superviseInterval)
}

func (a *app) start(ctx context.Context, ctl *lifecycle.Controller) error {
	if a.roles&roleCollector != 0 {
		batcher, err := messagebatcher.NewComponent(a.cfg.Collector, a.transport,
			messagebatcher.WithLogger(a.logger),
			messagebatcher.WithMetrics(a.metrics),
		)
		if err != nil {
			return fmt.Errorf("create message-batcher: %w", err)
		}
		if err := batcher.Start(ctx); err != nil {
			return fmt.Errorf("start message-batcher: %w", err)
		}
		ctl.Register(batcher.Name(), batcher.Stop)
		a.checks = append(a.checks, healthCheck{batcher.Name(), batcher.Health})
	}

	if a.roles&roleAgent != 0 {
		if err := a.startAgent(ctx, ctl); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) startAgent(ctx context.Context, ctl *lifecycle.Controller) error {
	if a.completer == nil {
		return fmt.Errorf("agent requires an LLM client")
	}

	bot, err := housebot.New(a.cfg.HouseBotConfig(), a.completer, a.logger)
	if err != nil {
		return fmt.Errorf("create housebot: %w", err)
	}
	if a.cfg.Prompts.Watch {
		if err := bot.Watch(ctx); err != nil {
			return fmt.Errorf("watch prompts: %w", err)
		}
	}

	sinks := sink.NewMulti()
	sinks.OnError = func(name string, _ error) { a.metrics.SinkError(name) }
	sinks.Add("log", sink.NewLog(a.logger, a.stdout))
	if topic := a.cfg.Output.ResponseTopic; topic != "" {
		sinks.Add("publish", sink.NewPublish(a.transport, topic))
	}

	var journal *sink.Journal
	if path := a.cfg.Output.JournalPath; path != "" {
		journal, err = sink.OpenJournal(path, a.logger)
		if err != nil {
			return err
		}
		sinks.Add("journal", journal)
	}

	opts := []agentlistener.Option{
		agentlistener.WithLogger(a.logger),
		agentlistener.WithMetrics(a.metrics),
		agentlistener.WithSink(sinks),
		agentlistener.WithDefaultState(bot.DefaultState),
	}
	if bucket := a.cfg.Agent.CheckpointBucket; bucket != "" {
		store, err := a.windowStore(ctx, bucket)
		if err != nil {
			if journal != nil {
				_ = journal.Close()
			}
			return err
		}
		opts = append(opts, agentlistener.WithCheckpoint(store))
	}

	invoker := agentlistener.NewInvoker(bot, a.cfg.Model.Endpoints[0].Model, a.logger, a.metrics)
	listener, err := agentlistener.NewComponent(a.cfg.Agent, a.transport, invoker, bot.DefaultState(), opts...)
	if err == nil {
		err = listener.Start(ctx)
	}
	if err != nil {
		if journal != nil {
			_ = journal.Close()
		}
		return fmt.Errorf("start agent-listener: %w", err)
	}

	ctl.Register(listener.Name(), listener.Stop)
	if journal != nil {
		ctl.Register("journal", func(context.Context) error { return journal.Close() })
	}
	a.checks = append(a.checks, healthCheck{listener.Name(), listener.Health})
	return nil
}

// natsBacked is implemented by transports running on a semstreams NATS client.
type natsBacked interface {
	Client() (*natsclient.Client, error)
}

func (a *app) windowStore(ctx context.Context, bucket string) (*storage.WindowStore, error) {
	nb, ok := a.transport.(natsBacked)
	if !ok {
		return nil, fmt.Errorf("agent.checkpoint_bucket requires a NATS transport")
	}
	client, err := nb.Client()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewWindowStore(ctx, client, bucket, a.cfg.Agent.CheckpointKey)
	if err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	a.logger.Info("State window checkpointing enabled", "bucket", bucket)
	return store, nil
}

// health reports healthy only when every stage is running.
func (a *app) health() (bool, string) {
	healthy := true
	parts := make([]string, 0, len(a.checks))
	for _, c := range a.checks {
		ok, status := c.check()
		if !ok {
			healthy = false
		}
		parts = append(parts, c.name+": "+status)
	}
	return healthy, strings.Join(parts, "\n")
}
