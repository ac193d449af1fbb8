package sink

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/shijie-nv/houseagent/message"
)

// Log writes responses to the structured log and, optionally, as plain text to w.
type Log struct {
	logger *slog.Logger
	w      io.Writer
}

// NewLog creates a log sink. w may be nil.
func NewLog(logger *slog.Logger, w io.Writer) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger, w: w}
}

// Emit logs resp.
func (l *Log) Emit(ctx context.Context, resp message.Response) error {
	l.logger.InfoContext(ctx, "Generated response",
		"response_id", resp.ID,
		"bundle_id", resp.BundleID,
		"model", resp.Model,
		"chars", len(resp.Text))
	if l.w == nil {
		return nil
	}
	if _, err := fmt.Fprintln(l.w, resp.Text); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
