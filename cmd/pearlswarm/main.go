package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"pearlbot.ai/internal/logging"
	"pearlbot.ai/internal/observe"
	"pearlbot.ai/internal/supervisor"
	"pearlbot.ai/internal/tuning"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr, nil)
	stop()
	os.Exit(code)
}

// run parses flags and supervises the batches. launcher overrides the
// exec launcher in tests.
func run(ctx context.Context, args []string, stderr io.Writer, launcher supervisor.Launcher) int {
	fs := flag.NewFlagSet("pearlswarm", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		batch       = fs.Int("batch", supervisor.DefaultBatchSize, "identities per process (overrides harness.batch_size)")
		grace       = fs.Duration("grace", supervisor.DefaultGrace, "time between SIGINT and SIGKILL on shutdown (overrides harness.grace_ms)")
		tuningPath  = fs.String("tuning", "", "path to tuning yaml (empty for defaults)")
		metricsAddr = fs.String("metrics_addr", "", "prometheus listen address, e.g. :9103 (empty to disable)")
		logLevel    = fs.String("log_level", "info", "trace|debug|info|warn|error")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: pearlswarm [-batch 50] [-grace 10s] <prefix> <count> <command> [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	rest := fs.Args()
	if len(rest) < 3 {
		fs.Usage()
		return 2
	}
	count, err := strconv.Atoi(rest[1])
	if err != nil || count < 0 {
		fs.Usage()
		return 2
	}

	logger := logging.New(logging.Options{Level: *logLevel, Out: stderr, Component: "pearlswarm"})

	tu, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Error().Err(err).Msg("load tuning")
		return 1
	}
	batchSize, graceDur := harness(fs, tu, *batch, *grace)
	if batchSize <= 0 {
		fs.Usage()
		return 2
	}

	var metrics *observe.Metrics
	if *metricsAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "pearlswarm"})
		if err != nil {
			logger.Error().Err(err).Msg("metrics provider")
			return 1
		}
		defer func() { _ = shutdown(context.Background()) }()
		metrics = observe.DefaultMetrics()
		go func() {
			if err := observe.Serve(ctx, *metricsAddr); err != nil {
				logger.Warn().Err(err).Str("addr", *metricsAddr).Msg("metrics endpoint stopped")
			}
		}()
	}
	if launcher == nil {
		launcher = supervisor.ExecLauncher{
			Command: rest[2],
			Args:    rest[3:],
			Grace:   graceDur,
		}
	}

	start := time.Now()
	err = supervisor.Run(ctx, supervisor.Config{
		Prefix:    rest[0],
		Count:     count,
		BatchSize: batchSize,
		Launcher:  launcher,
		Log:       logger,
		Metrics:   metrics,
	})
	if err != nil {
		logger.Error().Err(err).Dur("ran", time.Since(start)).Msg("some batches failed")
		return 1
	}
	logger.Info().Dur("ran", time.Since(start)).Msg("all batches exited")
	return 0
}

// harness takes batch size and grace from the tuning file unless the flags
// were given explicitly.
func harness(fs *flag.FlagSet, tu tuning.Tuning, batch int, grace time.Duration) (int, time.Duration) {
	size, g := tu.Harness.BatchSize, tu.Grace()
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "batch":
			size = batch
		case "grace":
			g = grace
		}
	})
	return size, g
}
