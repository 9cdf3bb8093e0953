package nat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

const (
	iptablesBinary      = "iptables"
	iptablesWaitSeconds = "5"
)

// Executor runs iptables on behalf of the engine. Tests substitute a recorder.
type Executor interface {
	Run(ctx context.Context, command string, args ...string) error
	ChainExists(ctx context.Context, table string, chain string) (bool, error)
}

// CommandError is returned when a host command exits unsuccessfully or
// cannot be started. Output carries the combined stdout and stderr.
type CommandError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("command %s %s failed: %v", e.Command, strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit status, or -1 when the command never ran.
func (e *CommandError) ExitCode() int {
	var coded interface{ ExitCode() int }
	if errors.As(e.Err, &coded) {
		return coded.ExitCode()
	}
	return -1
}

// HostExecutor runs commands on the local host.
type HostExecutor struct {
	logger *slog.Logger
}

// NewExecutor returns a HostExecutor that logs every invocation at debug level.
func NewExecutor(logger *slog.Logger) *HostExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostExecutor{logger: logger}
}

// Run executes command and wraps any failure in a CommandError.
func (h *HostExecutor) Run(ctx context.Context, command string, args ...string) error {
	h.logger.Debug("exec", slog.String("command", command), slog.String("args", strings.Join(args, " ")))

	out, err := exec.CommandContext(ctx, command, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	return &CommandError{
		Command: command,
		Args:    append([]string(nil), args...),
		Output:  string(out),
		Err:     err,
	}
}

// ChainExists lists chain in table; iptables exits 1 when it is missing.
func (h *HostExecutor) ChainExists(ctx context.Context, table string, chain string) (bool, error) {
	err := h.Run(ctx, iptablesBinary, "-w", iptablesWaitSeconds, "-t", table, "-L", chain)
	switch {
	case err == nil:
		return true, nil
	case isExitCode(err, 1):
		return false, nil
	default:
		return false, fmt.Errorf("list chain %s/%s: %w", table, chain, err)
	}
}

func isExitCode(err error, code int) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr) && cmdErr.ExitCode() == code
}
