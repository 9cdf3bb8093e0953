package nat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/denniswebb/natgate/internal/portmap"
)

type execCall struct {
	command string
	args    []string
}

type recordingExecutor struct {
	mu             sync.Mutex
	calls          []execCall
	chainExists    bool
	chainExistsErr error
	runHook        func(args []string) error
}

func (r *recordingExecutor) Run(_ context.Context, command string, args ...string) error {
	r.mu.Lock()
	r.calls = append(r.calls, execCall{command: command, args: append([]string(nil), args...)})
	hook := r.runHook
	r.mu.Unlock()
	if hook != nil {
		return hook(args)
	}
	return nil
}

func (r *recordingExecutor) ChainExists(context.Context, string, string) (bool, error) {
	if r.chainExistsErr != nil {
		return false, r.chainExistsErr
	}
	return r.chainExists, nil
}

func (r *recordingExecutor) joined() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.command+" "+strings.Join(c.args, " "))
	}
	return out
}

type exitErr struct {
	code int
}

func (e *exitErr) Error() string {
	return "exit"
}

func (e *exitErr) ExitCode() int {
	return e.code
}

func notFound(args []string) error {
	return &CommandError{Command: iptablesBinary, Args: args, Err: &exitErr{code: 1}}
}

func containsArg(args []string, target string) bool {
	for _, arg := range args {
		if arg == target {
			return true
		}
	}
	return false
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, exec *recordingExecutor) *IPTables {
	t.Helper()
	engine, err := NewIPTables(Config{Executor: exec, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewIPTables returned error: %v", err)
	}
	return engine
}

func TestNewIPTablesRejectsSelfJump(t *testing.T) {
	t.Parallel()

	_, err := NewIPTables(Config{Executor: &recordingExecutor{}, Chain: "PREROUTING", Hook: "PREROUTING"})
	if err == nil || !strings.Contains(err.Error(), "must differ") {
		t.Fatalf("expected chain/hook validation error, got %v", err)
	}
}

func TestEnable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		chainExists bool
		ruleExists  bool
		want        []string
	}{
		{
			name: "fresh host",
			want: []string{
				"iptables -w 5 -t nat -N NATGATE_PORTMAP",
				"iptables -w 5 -t nat -C PREROUTING -j NATGATE_PORTMAP",
				"iptables -w 5 -t nat -I PREROUTING 1 -j NATGATE_PORTMAP",
				"iptables -w 5 -t nat -C POSTROUTING -s 192.168.5.0/24 -j MASQUERADE",
				"iptables -w 5 -t nat -I POSTROUTING 1 -s 192.168.5.0/24 -j MASQUERADE",
			},
		},
		{
			name:        "restart reuses existing chain and hooks",
			chainExists: true,
			ruleExists:  true,
			want: []string{
				"iptables -w 5 -t nat -F NATGATE_PORTMAP",
				"iptables -w 5 -t nat -C PREROUTING -j NATGATE_PORTMAP",
				"iptables -w 5 -t nat -C POSTROUTING -s 192.168.5.0/24 -j MASQUERADE",
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			exec := &recordingExecutor{chainExists: tc.chainExists}
			exec.runHook = func(args []string) error {
				if containsArg(args, "-C") && !tc.ruleExists {
					return notFound(args)
				}
				return nil
			}

			engine := newTestEngine(t, exec)
			if err := engine.Enable(context.Background(), netip.MustParseAddr("192.168.5.1")); err != nil {
				t.Fatalf("Enable returned error: %v", err)
			}

			got := exec.joined()
			if strings.Join(got, "\n") != strings.Join(tc.want, "\n") {
				t.Fatalf("unexpected commands:\n got %q\nwant %q", got, tc.want)
			}
		})
	}
}

func TestEnableErrors(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{chainExistsErr: errors.New("permission denied")}
	engine := newTestEngine(t, exec)

	err := engine.Enable(context.Background(), netip.MustParseAddr("192.168.5.1"))
	if err == nil || !strings.Contains(err.Error(), "prepare chain NATGATE_PORTMAP") {
		t.Fatalf("expected wrapped chain error, got %v", err)
	}

	if err := engine.Enable(context.Background(), netip.MustParseAddr("fd00::1")); err == nil {
		t.Fatal("expected error for IPv6 gateway")
	}
}

func TestAddAndRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	exec := &recordingExecutor{}
	engine := newTestEngine(t, exec)

	uplink := netip.MustParseAddr("10.0.0.7")
	dst := netip.MustParseAddr("192.168.5.20")

	if err := engine.Add(ctx, portmap.ProtocolTCP, uplink, 2222, dst, 22); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if err := engine.Remove(ctx, portmap.ProtocolTCP, 2222); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if err := engine.Remove(ctx, portmap.ProtocolTCP, 2222); err != nil {
		t.Fatalf("second Remove returned error: %v", err)
	}

	want := []string{
		"iptables -w 5 -t nat -A NATGATE_PORTMAP -d 10.0.0.7 -p tcp --dport 2222 -j DNAT --to-destination 192.168.5.20:22",
		"iptables -w 5 -t nat -D NATGATE_PORTMAP -d 10.0.0.7 -p tcp --dport 2222 -j DNAT --to-destination 192.168.5.20:22",
	}
	got := exec.joined()
	if strings.Join(got, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands:\n got %q\nwant %q", got, want)
	}
	if engine.Mappings() != 0 {
		t.Fatalf("expected no installed mappings, got %d", engine.Mappings())
	}
}

func TestAddReplacesExistingMapping(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	exec := &recordingExecutor{}
	engine := newTestEngine(t, exec)
	dst := netip.MustParseAddr("192.168.5.20")

	if err := engine.Add(ctx, portmap.ProtocolUDP, netip.MustParseAddr("10.0.0.1"), 53, dst, 53); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}
	if err := engine.Add(ctx, portmap.ProtocolUDP, netip.MustParseAddr("10.0.0.2"), 53, dst, 5353); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	got := exec.joined()
	if len(got) != 3 {
		t.Fatalf("expected add, delete, add; got %q", got)
	}
	if !strings.Contains(got[1], "-D NATGATE_PORTMAP -d 10.0.0.1 -p udp --dport 53") {
		t.Fatalf("expected old mapping to be deleted, got %q", got[1])
	}
	if !strings.Contains(got[2], "-A NATGATE_PORTMAP -d 10.0.0.2 -p udp --dport 53 -j DNAT --to-destination 192.168.5.20:5353") {
		t.Fatalf("expected new mapping, got %q", got[2])
	}
	if engine.Mappings() != 1 {
		t.Fatalf("expected 1 mapping, got %d", engine.Mappings())
	}
}

func TestRemoveToleratesMissingKernelRule(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	exec := &recordingExecutor{}
	engine := newTestEngine(t, exec)

	if err := engine.Add(ctx, portmap.ProtocolTCP, netip.MustParseAddr("10.0.0.1"), 80, netip.MustParseAddr("192.168.5.2"), 80); err != nil {
		t.Fatalf("Add returned error: %v", err)
	}

	exec.runHook = func(args []string) error {
		if containsArg(args, "-D") {
			return notFound(args)
		}
		return nil
	}
	if err := engine.Remove(ctx, portmap.ProtocolTCP, 80); err != nil {
		t.Fatalf("Remove returned error: %v", err)
	}
	if engine.Mappings() != 0 {
		t.Fatal("expected mapping to be forgotten")
	}
}

func TestAddFailureIsWrapped(t *testing.T) {
	t.Parallel()

	exec := &recordingExecutor{runHook: func(args []string) error {
		return &CommandError{Command: iptablesBinary, Args: args, Output: "iptables: No chain/target/match by that name.", Err: &exitErr{code: 2}}
	}}
	engine := newTestEngine(t, exec)

	err := engine.Add(context.Background(), portmap.ProtocolTCP, netip.MustParseAddr("10.0.0.1"), 80, netip.MustParseAddr("192.168.5.2"), 80)
	if err == nil {
		t.Fatal("expected error")
	}
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.ExitCode() != 2 {
		t.Fatalf("expected CommandError with exit code 2, got %v", err)
	}
	if !strings.Contains(err.Error(), "No chain/target/match") {
		t.Fatalf("expected command output in error, got %v", err)
	}
	if engine.Mappings() != 0 {
		t.Fatal("failed add must not be recorded")
	}
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	engine := newTestEngine(t, &recordingExecutor{})
	ctx := context.Background()

	if err := engine.Add(ctx, portmap.Protocol(1), netip.MustParseAddr("10.0.0.1"), 1, netip.MustParseAddr("10.0.0.2"), 1); err == nil {
		t.Fatal("expected protocol error")
	}
	if err := engine.Add(ctx, portmap.ProtocolTCP, netip.Addr{}, 1, netip.MustParseAddr("10.0.0.2"), 1); err == nil {
		t.Fatal("expected address error")
	}
}

func TestCommandErrorFormatting(t *testing.T) {
	t.Parallel()

	base := errors.New("exit status 1")
	err := &CommandError{Command: "iptables", Args: []string{"-t", "nat"}, Output: " boom \n", Err: base}
	if got := err.Error(); got != "command iptables -t nat failed: exit status 1: boom" {
		t.Fatalf("unexpected message %q", got)
	}
	if !errors.Is(err, base) {
		t.Fatal("expected Unwrap to expose underlying error")
	}
	if err.ExitCode() != -1 {
		t.Fatalf("expected -1 exit code without process state, got %d", err.ExitCode())
	}
}
