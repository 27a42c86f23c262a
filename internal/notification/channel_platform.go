package notification

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
)

// PlatformChannel shells out to the host's native notification command:
// osascript on darwin, notify-send on linux. Any other GOOS, or a missing
// binary, is reported as an error so the chain falls through.
type PlatformChannel struct {
	goos string
}

// NewPlatformChannel builds a PlatformChannel bound to the running OS.
func NewPlatformChannel() *PlatformChannel {
	return &PlatformChannel{goos: runtime.GOOS}
}

func (c *PlatformChannel) Name() string { return "platform-cli" }

func (c *PlatformChannel) Send(ctx context.Context, title, body string) error {
	cmd, err := c.command(ctx, title, body)
	if err != nil {
		return err
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("%s: %w (%s)", cmd.Path, err, string(out))
	}
	return nil
}

func (c *PlatformChannel) command(ctx context.Context, title, body string) (*exec.Cmd, error) {
	switch c.goos {
	case "darwin":
		script := fmt.Sprintf("display notification %q with title %q", body, title)
		return exec.CommandContext(ctx, "osascript", "-e", script), nil
	case "linux":
		return exec.CommandContext(ctx, "notify-send", title, body), nil
	default:
		return nil, fmt.Errorf("no native notification command for GOOS %q", c.goos)
	}
}
