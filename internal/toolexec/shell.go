package toolexec

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/nugget/thane-mesh/internal/config"
)

// ShellTool is the tool name the shell executor registers under.
const ShellTool = "executeTerminalCommand"

const (
	maxShellTimeout       = 5 * time.Minute
	shellWaitDelay        = time.Second
	defaultMaxOutputBytes = 100 * 1024
)

var (
	// ErrShellDisabled is returned when shell execution is off.
	ErrShellDisabled = errors.New("shell execution is disabled")
	// ErrCommandDenied is returned for commands rejected by policy.
	ErrCommandDenied = errors.New("command blocked by security policy")
)

// defaultDeniedPatterns are always blocked, in addition to any
// configured patterns.
var defaultDeniedPatterns = []string{
	"rm -rf /",
	"rm -rf /*",
	"mkfs",
	"dd if=",
	"> /dev/sd",
	"chmod -R 777 /",
	":(){ :|:& };:", // Fork bomb
}

// ShellExec runs shell commands delegated to this device.
type ShellExec struct {
	enabled         bool
	workingDir      string
	allowedPrefixes []string // Empty = allow all
	deniedPatterns  []string
	defaultTimeout  time.Duration
	maxOutputBytes  int
}

// NewShellExec creates a shell executor from the agent's shell_exec
// config section.
func NewShellExec(cfg config.ShellExecConfig) *ShellExec {
	timeout := time.Duration(cfg.DefaultTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	denied := append(append([]string{}, defaultDeniedPatterns...), cfg.DeniedPatterns...)
	return &ShellExec{
		enabled:         cfg.Enabled,
		workingDir:      cfg.WorkingDir,
		allowedPrefixes: cfg.AllowedPrefixes,
		deniedPatterns:  denied,
		defaultTimeout:  timeout,
		maxOutputBytes:  defaultMaxOutputBytes,
	}
}

// Enabled reports whether shell execution is available.
func (s *ShellExec) Enabled() bool {
	return s.enabled
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ShellArgs are the arguments of [ShellTool].
type ShellArgs struct {
	Command    string `json:"command"`
	TimeoutSec int    `json:"timeout_sec,omitempty"`
}

// Register adds the shell tool to r when execution is enabled.
func (s *ShellExec) Register(r *Registry) {
	if !s.enabled {
		return
	}
	r.Register(ShellTool, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args ShellArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if strings.TrimSpace(args.Command) == "" {
			return nil, fmt.Errorf("command is required")
		}
		return s.Exec(ctx, args.Command, args.TimeoutSec)
	})
}

// check applies the denied patterns and the allowlist.
func (s *ShellExec) check(command string) error {
	lower := strings.ToLower(command)
	for _, denied := range s.deniedPatterns {
		if strings.Contains(lower, strings.ToLower(denied)) {
			return fmt.Errorf("%w: matches denied pattern %q", ErrCommandDenied, denied)
		}
	}
	if len(s.allowedPrefixes) == 0 {
		return nil
	}
	for _, prefix := range s.allowedPrefixes {
		if strings.HasPrefix(command, prefix) {
			return nil
		}
	}
	return fmt.Errorf("%w: not in allowlist", ErrCommandDenied)
}

// Exec runs command under sh -c. A non-zero exit is reported in the
// result, not as an error; errors mean the command never ran.
func (s *ShellExec) Exec(ctx context.Context, command string, timeoutSec int) (*ExecResult, error) {
	if !s.enabled {
		return nil, ErrShellDisabled
	}
	if err := s.check(command); err != nil {
		return nil, err
	}

	timeout := s.defaultTimeout
	if timeoutSec > 0 {
		timeout = time.Duration(timeoutSec) * time.Second
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	killProcessGroup(cmd)
	// A grandchild that escaped the kill may still hold the output
	// pipes open.
	cmd.WaitDelay = shellWaitDelay
	if s.workingDir != "" {
		cmd.Dir = s.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout: truncateOutput(stdout.String(), s.maxOutputBytes),
		Stderr: truncateOutput(stderr.String(), s.maxOutputBytes),
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.Error = "command timed out"
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.Error = err.Error()
			result.ExitCode = -1
		}
	}
	return result, nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + "\n\n[... output truncated ...]"
}
