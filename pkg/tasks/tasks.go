// Package tasks runs the periodic maintenance jobs: pool health sweeps,
// near-expiry token refresh, warmup on start, and usage-ledger pruning.
package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"mercator-hq/saturn/pkg/pool"
	"mercator-hq/saturn/pkg/usage"
)

// Config schedules the jobs. Zero values disable the matching job.
type Config struct {
	// HealthSweepInterval spaces full pool health sweeps. Default 10m.
	HealthSweepInterval time.Duration

	// NearExpiryWindow is the refresh window; tokens expiring inside it are
	// queued. Default 15m; RefreshEnabled gates the job.
	NearExpiryWindow time.Duration
	RefreshEnabled   bool

	// UsageRetention bounds ledger history; the prune job runs daily.
	UsageRetention time.Duration

	// WarmupOnStart pre-refreshes unused accounts before traffic arrives.
	WarmupOnStart bool
}

func (c Config) withDefaults() Config {
	if c.HealthSweepInterval == 0 {
		c.HealthSweepInterval = 10 * time.Minute
	}
	if c.NearExpiryWindow == 0 {
		c.NearExpiryWindow = 15 * time.Minute
	}
	return c
}

// Runner owns the cron scheduler.
type Runner struct {
	cron   *cron.Cron
	pool   *pool.Manager
	ledger *usage.Ledger
	cfg    Config
	logger *slog.Logger

	cancel context.CancelFunc
}

// New wires the jobs. ledger may be nil when the usage trail is disabled.
func New(pm *pool.Manager, ledger *usage.Ledger, cfg Config) *Runner {
	return &Runner{
		cron:   cron.New(),
		pool:   pm,
		ledger: ledger,
		cfg:    cfg.withDefaults(),
		logger: slog.Default().With("component", "tasks"),
	}
}

// Start registers and launches the jobs. Jobs share one background context
// cancelled by Stop.
func (r *Runner) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	if r.cfg.WarmupOnStart {
		go r.pool.Warmup()
	}

	if _, err := r.cron.AddFunc(every(r.cfg.HealthSweepInterval), func() {
		r.logger.Debug("health sweep started")
		r.pool.RunHealthSweep(ctx, r.cfg.HealthSweepInterval)
	}); err != nil {
		return err
	}

	if r.cfg.RefreshEnabled {
		if _, err := r.cron.AddFunc(every(r.cfg.NearExpiryWindow), func() {
			r.pool.RefreshNearExpiry(ctx, r.cfg.NearExpiryWindow)
		}); err != nil {
			return err
		}
	}

	if r.ledger != nil && r.cfg.UsageRetention > 0 {
		if _, err := r.cron.AddFunc("@daily", func() {
			if _, err := r.ledger.Prune(ctx, r.cfg.UsageRetention); err != nil {
				r.logger.Error("ledger prune failed", "error", err)
			}
		}); err != nil {
			return err
		}
	}

	r.cron.Start()
	r.logger.Info("periodic tasks started",
		"healthSweep", r.cfg.HealthSweepInterval,
		"nearExpiryWindow", r.cfg.NearExpiryWindow,
		"refreshEnabled", r.cfg.RefreshEnabled,
	)
	return nil
}

// Stop halts the scheduler and waits for running jobs.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	<-r.cron.Stop().Done()
}

// every renders a duration as a cron @every spec.
func every(d time.Duration) string {
	return "@every " + d.String()
}
