package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/fieldguard/internal/auth"
	"github.com/frahmantamala/fieldguard/internal/fieldaccess"
	"github.com/frahmantamala/fieldguard/pkg/logger"
)

var (
	sweepOnce     bool
	sweepInterval time.Duration
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the retention sweeper",
	Long: `Periodically delete access logs older than the retention window and
refresh tokens past their expiry.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, lg := mustLoad()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		deps, err := initializeDependencies(ctx, cfg, lg)
		if err != nil {
			lg.Error("failed to initialize dependencies", "error", err)
			os.Exit(1)
		}
		defer deps.Close()

		interval := cfg.Worker.SweepInterval
		if sweepInterval > 0 {
			interval = sweepInterval
		}
		sweeper := &Sweeper{
			Logs:      deps.FieldAccess,
			Tokens:    deps.Auth,
			Retention: cfg.Audit.Retention(),
		}

		if sweepOnce {
			sweeper.Sweep(ctx)
			return
		}
		lg.Info("retention sweeper started", "interval", interval, "retention", sweeper.Retention)
		sweeper.Run(ctx, interval)
		lg.Info("retention sweeper stopped")
	},
}

type logPurger interface {
	PurgeExpiredLogs(ctx context.Context, retention time.Duration) (int64, error)
}

type tokenCleaner interface {
	CleanupExpired(ctx context.Context) (int64, error)
}

var (
	_ logPurger    = (*fieldaccess.Service)(nil)
	_ tokenCleaner = (*auth.Service)(nil)
)

// Sweeper stands in for TTL indexes: it removes expired audit rows and tokens.
type Sweeper struct {
	Logs      logPurger
	Tokens    tokenCleaner
	Retention time.Duration
}

func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Errors are logged and retried on the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	lg := logger.From(ctx)

	logs, err := s.Logs.PurgeExpiredLogs(ctx, s.Retention)
	if err != nil {
		lg.Error("failed to purge access logs", "error", err)
	}
	tokens, err := s.Tokens.CleanupExpired(ctx)
	if err != nil {
		lg.Error("failed to delete expired refresh tokens", "error", err)
	}
	lg.Info("retention sweep complete", "access_logs_deleted", logs, "refresh_tokens_deleted", tokens)
}

func init() {
	workerCmd.Flags().BoolVar(&sweepOnce, "once", false, "run a single sweep and exit")
	workerCmd.Flags().DurationVar(&sweepInterval, "interval", 0, "sweep interval (overrides config)")
}
