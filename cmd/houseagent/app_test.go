package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shijie-nv/houseagent/lifecycle"
	"github.com/shijie-nv/houseagent/llm"
	"github.com/shijie-nv/houseagent/llm/testutil"
	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/metric"
	"github.com/shijie-nv/houseagent/sink"
	"github.com/shijie-nv/houseagent/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type responseRecorder struct {
	mu        sync.Mutex
	responses []message.Response
}

func (r *responseRecorder) handle(_ context.Context, msg message.RawMessage) {
	var resp message.Response
	if err := json.Unmarshal(msg.Payload, &resp); err != nil {
		return
	}
	r.mu.Lock()
	r.responses = append(r.responses, resp)
	r.mu.Unlock()
}

func (r *responseRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.responses)
}

func TestApp_RunPipeline(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collector.InputTopic = "home.>"
	cfg.Collector.BundleInterval = 50 * time.Millisecond
	cfg.Collector.SuppressEmpty = true
	cfg.Output.ResponseTopic = "houseagent.responses"
	cfg.Output.JournalPath = filepath.Join(t.TempDir(), "journal.db")
	cfg.Metrics.Addr = "127.0.0.1:0"

	mem := transport.NewMemory()
	defer mem.Close()

	recorder := &responseRecorder{}
	require.NoError(t, mem.Subscribe(context.Background(), cfg.Output.ResponseTopic, recorder.handle))

	mock := &testutil.MockLLMClient{
		Responses: []*llm.Response{{Content: "The kitchen light came on.", Model: "llama3"}},
	}
	a := &app{
		cfg:       cfg,
		roles:     roleCollector | roleAgent,
		logger:    discardLogger(),
		metrics:   metric.New(),
		transport: mem,
		completer: mock,
		stdout:    io.Discard,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx) }()

	require.Eventually(t, func() bool {
		_ = mem.Publish(context.Background(), "home.kitchen.light", []byte(`{"state":"on"}`))
		return recorder.count() > 0
	}, 5*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	reqs := mock.Requests()
	require.NotEmpty(t, reqs)
	assert.Contains(t, reqs[0].Messages[1].Content, "home.kitchen.light")

	journal, err := sink.OpenJournal(cfg.Output.JournalPath, discardLogger())
	require.NoError(t, err)
	defer journal.Close()
	stored, err := journal.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.NotEmpty(t, stored)
	assert.Equal(t, "The kitchen light came on.", stored[len(stored)-1].Text)
}

func TestApp_CollectorOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collector.InputTopic = "home.>"
	cfg.Collector.BundleInterval = 50 * time.Millisecond

	mem := transport.NewMemory()
	defer mem.Close()

	var mu sync.Mutex
	var bundles []message.Bundle
	require.NoError(t, mem.Subscribe(context.Background(), cfg.Collector.BundleTopic, func(_ context.Context, msg message.RawMessage) {
		b, err := message.DecodeBundle(msg.Payload)
		if err != nil {
			return
		}
		mu.Lock()
		bundles = append(bundles, b)
		mu.Unlock()
	}))

	a := &app{
		cfg:       cfg,
		roles:     roleCollector,
		logger:    discardLogger(),
		metrics:   metric.New(),
		transport: mem,
		stdout:    io.Discard,
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx) }()

	// Empty windows are published as heartbeats.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(bundles) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-errCh)

	ok, status := a.health()
	assert.False(t, ok)
	assert.Contains(t, status, "message-batcher: stopped")
}

func TestApp_StartErrors(t *testing.T) {
	t.Run("agent without client", func(t *testing.T) {
		a := &app{
			cfg:       testConfig(t),
			roles:     roleAgent,
			logger:    discardLogger(),
			metrics:   metric.New(),
			transport: transport.NewMemory(),
			stdout:    io.Discard,
		}
		err := a.run(context.Background())
		assert.ErrorContains(t, err, "requires an LLM client")
	})

	t.Run("collector without input topic", func(t *testing.T) {
		a := &app{
			cfg:       testConfig(t),
			roles:     roleCollector,
			logger:    discardLogger(),
			metrics:   metric.New(),
			transport: transport.NewMemory(),
			stdout:    io.Discard,
		}
		err := a.run(context.Background())
		assert.ErrorContains(t, err, "input_topic is required")
	})

	t.Run("checkpoint without NATS", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Agent.CheckpointBucket = "WINDOW"
		a := &app{
			cfg:       cfg,
			roles:     roleAgent,
			logger:    discardLogger(),
			metrics:   metric.New(),
			transport: transport.NewMemory(),
			completer: &testutil.MockLLMClient{},
			stdout:    io.Discard,
		}
		err := a.run(context.Background())
		assert.ErrorContains(t, err, "requires a NATS transport")
	})

	t.Run("missing prompts", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Prompts.Dir = filepath.Join(t.TempDir(), "nope")
		a := &app{
			cfg:       cfg,
			roles:     roleAgent,
			logger:    discardLogger(),
			metrics:   metric.New(),
			transport: transport.NewMemory(),
			completer: &testutil.MockLLMClient{},
			stdout:    io.Discard,
		}
		err := a.run(context.Background())
		assert.ErrorContains(t, err, "create housebot")
	})
}

func TestApp_CheckpointWindow(t *testing.T) {
	cfg := testConfig(t)
	cfg.Broker.Embedded = true
	cfg.Agent.CheckpointBucket = "WINDOW_APP_TEST"

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := metric.New()
	tr, closeTransport, err := connectTransport(ctx, cfg, discardLogger(), metrics)
	require.NoError(t, err)
	defer closeTransport()
	assert.Equal(t, 1.0, promtestutil.ToFloat64(metrics.Framework().CoreMetrics().NATSConnected))

	mock := &testutil.MockLLMClient{
		Responses: []*llm.Response{{Content: "The hall door opened.", Model: "llama3"}},
	}
	a := &app{
		cfg:       cfg,
		roles:     roleAgent,
		logger:    discardLogger(),
		metrics:   metrics,
		transport: tr,
		completer: mock,
		stdout:    io.Discard,
	}
	store, err := a.windowStore(ctx, cfg.Agent.CheckpointBucket)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.run(ctx) }()

	bundle := `{"messages":[{"topic":"home.hall.door","payload":"open"}]}`
	require.Eventually(t, func() bool {
		_ = tr.Publish(ctx, cfg.Agent.BundleTopic, []byte(bundle))
		cur, _, ok, err := store.Load(ctx)
		return err == nil && ok && strings.Contains(cur.String(), "home.hall.door")
	}, 10*time.Second, 100*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after cancel")
	}
}

func TestApp_StagesIgnoreStartContextCancel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Collector.InputTopic = "home.>"
	cfg.Collector.BundleInterval = time.Hour

	mem := transport.NewMemory()
	defer mem.Close()

	mock := &testutil.MockLLMClient{
		Responses: []*llm.Response{{Content: "The porch light came on.", Model: "llama3"}},
	}
	a := &app{
		cfg:       cfg,
		roles:     roleCollector | roleAgent,
		logger:    discardLogger(),
		metrics:   metric.New(),
		transport: mem,
		completer: mock,
		stdout:    io.Discard,
	}
	ctl := lifecycle.NewController(lifecycle.WithLogger(discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.start(ctx, ctl))
	cancel()

	// The stages keep running until the controller stops them.
	require.NoError(t, mem.Publish(context.Background(), "home.porch.light", []byte(`{"state":"on"}`)))
	require.NoError(t, mem.Publish(context.Background(), cfg.Agent.BundleTopic,
		[]byte(`{"messages":[{"topic":"home.porch.light","payload":"on"}]}`)))
	require.Eventually(t, func() bool { return len(mock.Requests()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, lifecycle.Running, ctl.State())
	healthy, _ := a.health()
	assert.True(t, healthy)

	// Stop runs the collector's final flush, whose bundle reaches the agent
	// only if the agent is still accepting.
	require.NoError(t, ctl.Stop())
	assert.True(t, ctl.IsStopped())
}

func TestApp_Health(t *testing.T) {
	a := &app{checks: []healthCheck{
		{"message-batcher", func() (bool, string) { return true, "running" }},
		{"agent-listener", func() (bool, string) { return false, "stopped" }},
	}}
	ok, status := a.health()
	assert.False(t, ok)
	assert.Equal(t, []string{"message-batcher: running", "agent-listener: stopped"}, strings.Split(status, "\n"))

	a.checks = a.checks[:1]
	ok, _ = a.health()
	assert.True(t, ok)
}
