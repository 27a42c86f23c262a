package notification

import (
	"context"

	"github.com/cklxx/deepresearch/internal/logging"
)

// LogChannel is the terminal fallback: it writes the notification through
// the component logger and never fails.
type LogChannel struct {
	logger logging.Logger
}

// NewLogChannel builds a LogChannel writing through logger.
func NewLogChannel(logger logging.Logger) *LogChannel {
	return &LogChannel{logger: logging.OrNop(logger)}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(_ context.Context, title, body string) error {
	c.logger.Info("notification: %s: %s", title, body)
	return nil
}
