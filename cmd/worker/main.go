package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/k11v/mortar/internal/cache"
	"github.com/k11v/mortar/internal/phase"
	"github.com/k11v/mortar/internal/phase/phaseamqp"
	"github.com/k11v/mortar/internal/phase/phasesqlite"
	"github.com/k11v/mortar/internal/worker"
)

func main() {
	run := func() int {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg, err := parseConfig(os.Environ())
		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 2
		}
		logger := newLogger(cfg.Development)
		slog.SetDefault(logger)

		if err = runBuild(ctx, cfg, logger); err != nil {
			if userErr := (*phase.UserError)(nil); errors.As(err, &userErr) {
				_, _ = fmt.Fprintf(os.Stderr, "error: %s\n", userErr.Message)
				return 1
			}
			_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		return 0
	}
	os.Exit(run())
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, nil))
}

func runBuild(ctx context.Context, cfg *config, logger *slog.Logger) error {
	job, err := worker.LoadJob(cfg.JobFile)
	if err != nil {
		return err
	}
	initialEnv, err := job.InitialEnv(os.Environ())
	if err != nil {
		return err
	}

	buildID := cfg.buildID()
	logger = logger.With("build_id", buildID)

	records, err := phasesqlite.Open(cfg.recordsFile())
	if err != nil {
		return err
	}
	defer records.Close()
	reporter := phase.MultiReporter{records}

	if cfg.AMQPURL != "" {
		publisher := phaseamqp.NewPublisher(cfg.AMQPURL)
		defer publisher.Close()
		reporter = append(reporter, publisher)
	}

	executor, err := phase.NewExecutor(&phase.ExecutorParams{
		BuildID:  buildID,
		EnvDir:   cfg.envDir(),
		Env:      initialEnv,
		Reporter: reporter,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	lister, err := cfg.lister()
	if err != nil {
		return err
	}
	driver := &worker.Driver{
		Job:      job,
		Executor: executor,
		Lister:   lister,
	}
	if cfg.Cache.URL != "" {
		driver.Client = &cache.Client{
			BaseURL: cfg.Cache.URL,
			Token:   cfg.Cache.Token,
			BuildID: buildID,
			Retries: cfg.Cache.Retries,
			Logger:  logger,
		}
	} else {
		logger.Info("caching is disabled because MORTAR_CACHE_URL is empty")
	}

	logger.Info("starting build", "job_file", cfg.JobFile, "working_dir", job.WorkingDir)
	return driver.Run(ctx)
}
