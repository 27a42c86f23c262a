// Package fake provides a deterministic, scriptable provider.Client for
// engine tests: each handle plays back a fixed sequence of poll results.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/cklxx/deepresearch/internal/provider"
)

// Script is the sequence of PollResult values a session returns, one per
// call to Poll; the last entry repeats once exhausted.
type Script []provider.PollResult

// Client is a scriptable fake. Register a script per query before Submit is
// called with that query, via Program.
type Client struct {
	mu        sync.Mutex
	programs  map[string]Script
	sessions  map[string]*session
	nextID    int
	submitErr error
}

type session struct {
	script Script
	cursor int
}

// New builds an empty fake.Client.
func New() *Client {
	return &Client{
		programs: make(map[string]Script),
		sessions: make(map[string]*session),
	}
}

// Program registers the poll script that Submit(query, ...) will play back.
func (c *Client) Program(query string, script Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.programs[query] = script
}

// FailSubmit makes every subsequent Submit call return err.
func (c *Client) FailSubmit(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submitErr = err
}

// Submit implements provider.Client.
func (c *Client) Submit(_ context.Context, query, _ string) (provider.SubmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.submitErr != nil {
		return provider.SubmitResult{}, c.submitErr
	}

	script, ok := c.programs[query]
	if !ok {
		script = Script{{State: provider.StateCompleted, Progress: 100}}
	}

	c.nextID++
	handle := fmt.Sprintf("fake-session-%d", c.nextID)
	c.sessions[handle] = &session{script: script}

	initial := provider.StateRunning
	if len(script) > 0 {
		initial = script[0].State
	}
	return provider.SubmitResult{Handle: handle, InitialState: initial}, nil
}

// Poll implements provider.Client, advancing the registered session's
// cursor by one call and holding at the final entry thereafter.
func (c *Client) Poll(_ context.Context, handle string) (provider.PollResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess, ok := c.sessions[handle]
	if !ok {
		return provider.PollResult{}, fmt.Errorf("fake: unknown session handle %q", handle)
	}
	if len(sess.script) == 0 {
		return provider.PollResult{State: provider.StateCompleted, Progress: 100}, nil
	}

	idx := sess.cursor
	if idx >= len(sess.script) {
		idx = len(sess.script) - 1
	} else {
		sess.cursor++
	}
	return sess.script[idx], nil
}

var _ provider.Client = (*Client)(nil)
