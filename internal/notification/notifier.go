// Package notification implements best-effort desktop notification delivery
// for task completion events. Delivery degrades through a fixed chain:
// platform CLI command, then a log-only sink. notify never returns an error
// to the caller — a failed delivery is logged and counted, never raised.
package notification

import (
	"context"
	"time"

	"github.com/cklxx/deepresearch/internal/logging"
)

// Channel is a single notification transport in the fallback chain.
type Channel interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// Notifier attempts delivery through an ordered chain of Channels, stopping
// at the first success. Construct with New, which wires the standard
// platform-CLI-then-log chain.
type Notifier struct {
	chain  []Channel
	logger logging.Logger
}

// New builds the standard Notifier: platform CLI notification command first,
// log-only sink as the terminal fallback (it cannot itself fail).
func New(logger logging.Logger) *Notifier {
	logger = logging.OrNop(logger)
	return &Notifier{
		chain:  []Channel{NewPlatformChannel(), NewLogChannel(logger)},
		logger: logger,
	}
}

// NewWithChain builds a Notifier over a caller-supplied chain, for tests.
func NewWithChain(logger logging.Logger, chain ...Channel) *Notifier {
	return &Notifier{chain: chain, logger: logging.OrNop(logger)}
}

// Notify attempts delivery through the chain in order and returns whether
// any channel accepted it. It never blocks the caller beyond a short
// per-channel timeout and never returns an error.
func (n *Notifier) Notify(ctx context.Context, title, body string) bool {
	for _, ch := range n.chain {
		cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := ch.Send(cctx, title, body)
		cancel()
		if err == nil {
			return true
		}
		n.logger.Warn("notification channel %s failed: %v, falling back", ch.Name(), err)
	}
	return false
}
