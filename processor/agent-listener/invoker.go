package agentlistener

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/shijie-nv/houseagent/housebot"
	"github.com/shijie-nv/houseagent/message"
	"github.com/shijie-nv/houseagent/metric"
	"github.com/shijie-nv/houseagent/state"
)

// Generator produces natural-language text from a state transition.
type Generator interface {
	Generate(ctx context.Context, current, previous, def state.Snapshot) (string, error)
}

// Invoker calls a Generator and turns its output into a Response.
type Invoker struct {
	generator Generator
	model     string
	logger    *slog.Logger
	metrics   *metric.Metrics
	now       func() time.Time
}

// NewInvoker wraps gen. model is recorded on every response.
func NewInvoker(gen Generator, model string, logger *slog.Logger, m *metric.Metrics) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invoker{
		generator: gen,
		model:     model,
		logger:    logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Generate runs one reasoning request. Astral-plane characters are removed
// from the text. A panic inside the generator is returned as an error.
func (i *Invoker) Generate(ctx context.Context, current, previous, def state.Snapshot) (resp message.Response, err error) {
	start := i.now()
	defer func() {
		if r := recover(); r != nil {
			i.logger.Error("Generator panicked",
				"panic", r,
				"stack", string(debug.Stack()))
			err = fmt.Errorf("generator panic: %v", r)
		}
		status := "ok"
		if err != nil {
			status = "error"
		}
		i.metrics.Generation(status, i.now().Sub(start).Seconds())
	}()

	text, err := i.generator.Generate(ctx, current, previous, def)
	if err != nil {
		return message.Response{}, fmt.Errorf("generate: %w", err)
	}

	return message.Response{
		ID:          uuid.New().String(),
		Text:        housebot.StripEmojis(text),
		GeneratedAt: i.now(),
		Model:       i.model,
	}, nil
}
