// Package notify delivers human-facing alerts through an external
// executable supplied by the operator (a mail script, a push
// notification CLI, and so on). The executable receives the message
// text as its only argument.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Notifier delivers a single message. Implementations block until
// delivery has finished or failed.
type Notifier interface {
	Notify(ctx context.Context, message string) error
}

// ExecConfig configures the executable notifier.
type ExecConfig struct {
	// Path is the executable to run.
	Path string
	// Timeout bounds each run. Zero means no limit beyond ctx.
	Timeout time.Duration
	// MaxOutputBytes caps how much stdout/stderr is kept for logging.
	MaxOutputBytes int
}

// Exec runs an external executable for every notification.
type Exec struct {
	path           string
	timeout        time.Duration
	maxOutputBytes int
	logger         *slog.Logger
}

// ExitError reports a notifier run that finished with a non-zero
// status.
type ExitError struct {
	Path     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("notifier %s exited with status %d", e.Path, e.ExitCode)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

var (
	// ErrTimeout is returned when a run exceeds the configured timeout.
	ErrTimeout = errors.New("notifier timed out")
	// ErrCanceled is returned when the caller's context ends the run,
	// typically because the process is shutting down.
	ErrCanceled = errors.New("notifier canceled")
)

// NewExec creates an executable notifier.
func NewExec(cfg ExecConfig, logger *slog.Logger) *Exec {
	if cfg.MaxOutputBytes == 0 {
		cfg.MaxOutputBytes = 4 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exec{
		path:           cfg.Path,
		timeout:        cfg.Timeout,
		maxOutputBytes: cfg.MaxOutputBytes,
		logger:         logger,
	}
}

// Notify runs the executable with message as its sole argument and
// waits for it to exit. Output is not interpreted, only logged.
func (e *Exec) Notify(ctx context.Context, message string) error {
	e.logger.Info("sending notification", "message", message, "notifier", e.path)

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, e.path, message)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w after %s: %s", ErrTimeout, elapsed.Truncate(time.Millisecond), e.path)
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%w after %s: %s", ErrCanceled, elapsed.Truncate(time.Millisecond), e.path)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExitError{
				Path:     e.path,
				ExitCode: exitErr.ExitCode(),
				Stderr:   truncateOutput(strings.TrimSpace(stderr.String()), e.maxOutputBytes),
			}
		}
		return fmt.Errorf("run notifier %s: %w", e.path, err)
	}

	e.logger.Debug("notifier finished",
		"notifier", e.path,
		"elapsed", elapsed.Truncate(time.Millisecond).String(),
		"stdout", truncateOutput(strings.TrimSpace(stdout.String()), e.maxOutputBytes),
	)
	return nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes] + " [... output truncated ...]"
}
