package netif

import (
	"context"
	"os/exec"

	"github.com/denniswebb/natgate/internal/nat"
)

// Runner executes a host command and returns its combined output.
type Runner interface {
	Output(ctx context.Context, command string, args ...string) (string, error)
}

// CommandRunner runs commands on the host system.
type CommandRunner struct{}

// Output executes command and wraps failures in a nat.CommandError so
// callers can inspect the exit code.
func (CommandRunner) Output(ctx context.Context, command string, args ...string) (string, error) {
	output, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err != nil {
		return "", &nat.CommandError{
			Command: command,
			Args:    append([]string(nil), args...),
			Output:  string(output),
			Err:     err,
		}
	}
	return string(output), nil
}
