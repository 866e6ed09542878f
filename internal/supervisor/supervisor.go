// Package supervisor runs the worker process in master mode: spawn the
// worker, restart it on crash with backoff, and pass signals through.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"time"
)

// EnvWorker marks the child process; the command layer checks it to avoid
// recursive supervision.
const EnvWorker = "SATURN_WORKER"

// Config tunes restart behaviour.
type Config struct {
	// MinBackoff and MaxBackoff bound the restart delay; the delay doubles
	// per consecutive crash and resets after a stable run.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// StableAfter is how long the worker must live for the backoff to
	// reset.
	StableAfter time.Duration

	// MaxCrashes stops supervision after this many consecutive crashes;
	// zero retries forever.
	MaxCrashes int
}

func (c Config) withDefaults() Config {
	if c.MinBackoff == 0 {
		c.MinBackoff = time.Second
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.StableAfter == 0 {
		c.StableAfter = time.Minute
	}
	return c
}

// Supervisor restarts the worker until the context ends.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger
}

// New builds a supervisor.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "supervisor"),
	}
}

// Run re-executes the current binary with the worker marker set and keeps
// it alive. It returns nil when the context is cancelled or the worker
// exits cleanly, and the last error once MaxCrashes is exceeded.
func (s *Supervisor) Run(ctx context.Context, args []string) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	backoff := s.cfg.MinBackoff
	crashes := 0
	for {
		start := time.Now()
		err := s.runOnce(ctx, exe, args)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			s.logger.Info("worker exited cleanly")
			return nil
		}

		if time.Since(start) >= s.cfg.StableAfter {
			crashes = 0
			backoff = s.cfg.MinBackoff
		}
		crashes++
		if s.cfg.MaxCrashes > 0 && crashes >= s.cfg.MaxCrashes {
			s.logger.Error("worker crash limit reached", "crashes", crashes, "error", err)
			return err
		}

		s.logger.Warn("worker crashed, restarting",
			"error", err, "backoff", backoff, "crashes", crashes)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

func (s *Supervisor) runOnce(ctx context.Context, exe string, args []string) error {
	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Env = append(os.Environ(), EnvWorker+"=1")
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin

	if err := cmd.Start(); err != nil {
		return err
	}
	s.logger.Info("worker started", "pid", cmd.Process.Pid)
	err := cmd.Wait()

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		s.logger.Info("worker exited", "code", exitErr.ExitCode())
	}
	return err
}

// IsWorker reports whether this process is the supervised child.
func IsWorker() bool {
	return os.Getenv(EnvWorker) == "1"
}
