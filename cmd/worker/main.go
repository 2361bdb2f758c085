package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/SirClappington/enqworker/internal/config"
	"github.com/SirClappington/enqworker/internal/logger"
	"github.com/SirClappington/enqworker/internal/runner"
	"github.com/SirClappington/enqworker/internal/worker"
)

type mode int

const (
	modeRun mode = iota
	modeOnce
	modeMigrate
)

type runFunc func(ctx context.Context, cfg config.Config, m mode) error

func main() {
	if err := newRootCmd(run).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newRootCmd builds the CLI. Flags override the environment, and the result
// is validated once both are applied.
func newRootCmd(run runFunc) *cobra.Command {
	var (
		connection   string
		once         bool
		migrateOnly  bool
		jobs         int
		pollInterval time.Duration
		taskDir      string
	)
	cmd := &cobra.Command{
		Use:           "enqworker",
		Short:         "Run jobs from the enq Postgres queue",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Parse()
			if err != nil {
				return err
			}
			fl := cmd.Flags()
			if fl.Changed("connection") {
				cfg.DatabaseURL = connection
			}
			if fl.Changed("jobs") {
				cfg.Concurrency = jobs
			}
			if fl.Changed("poll-interval") {
				cfg.PollInterval = pollInterval
			}
			if fl.Changed("task-dir") {
				cfg.TaskDirectory = taskDir
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("no database: set DATABASE_URL or pass --connection")
			}

			m := modeRun
			switch {
			case migrateOnly:
				m = modeMigrate
			case once:
				m = modeOnce
			}
			return run(cmd.Context(), cfg, m)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&connection, "connection", "c", "", "database connection string (default $DATABASE_URL)")
	fl.BoolVarP(&once, "once", "1", false, "run until there are no runnable jobs, then exit")
	fl.BoolVarP(&migrateOnly, "migrate-only", "m", false, "update the database schema, then exit")
	fl.IntVarP(&jobs, "jobs", "j", 0, "number of jobs to run concurrently (default $CONCURRENCY)")
	fl.DurationVar(&pollInterval, "poll-interval", 0, "how long to wait between polls when idle (default $POLL_INTERVAL)")
	fl.StringVar(&taskDir, "task-dir", "", "directory of task plugins (default $TASK_DIRECTORY)")
	return cmd
}

func run(ctx context.Context, cfg config.Config, m mode) error {
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	// The signal registry logs through the global logger.
	zap.ReplaceGlobals(log)

	opts := runner.Options{
		TaskDirectory:    cfg.TaskDirectory,
		ConnectionString: cfg.DatabaseURL,
		MaxConns:         cfg.DBMaxConns,
		Concurrency:      cfg.Concurrency,
		PollInterval:     cfg.PollInterval,
		NoLogSuccess:     cfg.NoLogSuccess,
		Logger:           log,
	}
	if cfg.NotifyBackend == config.NotifyRedis {
		rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		opts.Redis = rdb
	}

	switch m {
	case modeMigrate:
		return runner.MigrateOnly(ctx, opts)
	case modeOnce:
		return runner.RunOnce(ctx, opts)
	}
	rn, err := runner.Run(ctx, opts)
	if err != nil {
		return err
	}
	return awaitReraise(rn.Done().Wait(ctx), reraiseWait)
}

// reraiseWait covers the registry's drain timeout plus the re-raise itself.
var reraiseWait = worker.ShutdownTimeout + time.Second

// awaitReraise keeps a signalled process alive until the registry re-raises
// the signal, so it exits with the signal's status rather than ours.
func awaitReraise(err error, wait time.Duration) error {
	if errors.Is(err, worker.ErrSignalled) {
		time.Sleep(wait)
	}
	return err
}
