package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"pearlbot.ai/internal/agent"
	"pearlbot.ai/internal/logging"
	"pearlbot.ai/internal/observe"
	"pearlbot.ai/internal/persistence/claimdb"
	plog "pearlbot.ai/internal/persistence/log"
	"pearlbot.ai/internal/protocol"
	"pearlbot.ai/internal/retrieval"
	"pearlbot.ai/internal/transport/worldclient"
	"pearlbot.ai/internal/tuning"
)

const (
	exitOK          = 0
	exitError       = 1
	exitUsage       = 2
	exitConnect     = 3
	exitConnectLost = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("pearlbot", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		url         = fs.String("url", "ws://localhost:8080/v1/ws", "ws url")
		token       = fs.String("token", "", "auth token sent in HELLO (optional)")
		tuningPath  = fs.String("tuning", "./configs/pearlbot.yaml", "path to tuning yaml (written with defaults if missing)")
		journalDir  = fs.String("journal", "", "directory for the pearl journal (empty to disable)")
		claimsDB    = fs.String("claims_db", "", "shared sqlite claim ledger (empty to disable)")
		metricsAddr = fs.String("metrics_addr", "", "prometheus listen address, e.g. :9102 (empty to disable)")
		logLevel    = fs.String("log_level", "info", "trace|debug|info|warn|error")
		validate    = fs.Bool("validate", false, "validate OBS frames against the protocol schema")
	)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: pearlbot [flags] <identity>...")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	identities := fs.Args()
	if len(identities) == 0 {
		fs.Usage()
		return exitUsage
	}

	logger := logging.New(logging.Options{Level: *logLevel, Out: stderr, Component: "pearlbot"})

	if *tuningPath != "" {
		wrote, err := tuning.WriteDefaults(*tuningPath)
		if err != nil {
			logger.Error().Err(err).Str("path", *tuningPath).Msg("write default tuning")
			return exitError
		}
		if wrote {
			logger.Info().Str("path", *tuningPath).Msg("no tuning file found, saved default one")
		}
	}
	tu, err := tuning.Load(*tuningPath)
	if err != nil {
		logger.Error().Err(err).Msg("load tuning")
		return exitError
	}

	var metrics *observe.Metrics
	if *metricsAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "pearlbot"})
		if err != nil {
			logger.Error().Err(err).Msg("metrics provider")
			return exitError
		}
		defer func() { _ = shutdown(context.Background()) }()
		metrics = observe.DefaultMetrics()
		go func() {
			if err := observe.Serve(ctx, *metricsAddr); err != nil {
				logger.Warn().Err(err).Str("addr", *metricsAddr).Msg("metrics endpoint stopped")
			}
		}()
	}

	var journal *plog.Journal
	if *journalDir != "" {
		journal = plog.NewJournal(*journalDir)
		defer func() {
			if err := journal.Close(); err != nil {
				logger.Warn().Err(err).Msg("close journal")
			}
		}()
		logger.Info().Str("dir", *journalDir).Str("run_id", journal.RunID()).Msg("journal enabled")
	}

	var ledger retrieval.Ledger
	var db *claimdb.Ledger
	if *claimsDB != "" {
		db, err = claimdb.Open(filepath.Clean(*claimsDB))
		if err != nil {
			logger.Error().Err(err).Msg("open claim ledger")
			return exitError
		}
		defer db.Close()
		ledger = db
	}

	var validator *protocol.Validator
	if *validate {
		if validator, err = protocol.NewValidator(); err != nil {
			logger.Error().Err(err).Msg("compile schemas")
			return exitError
		}
	}

	choresCtx, stopChores := context.WithCancel(ctx)
	defer stopChores()
	choresDone := make(chan struct{})
	go func() {
		defer close(choresDone)
		var p pruner
		if db != nil {
			p = db
		}
		var s syncer
		if journal != nil {
			s = journal
		}
		housekeep(choresCtx, logger, p, s, pruneEvery, syncEvery)
	}()

	// Agents are independent: one failing must not cancel the others, so
	// every goroutine reports its error through errs and returns nil.
	errs := make([]error, len(identities))
	var agents errgroup.Group
	for i, id := range identities {
		i, id := i, id
		agents.Go(func() error {
			errs[i] = runAgent(ctx, agentDeps{
				identity:  id,
				url:       *url,
				token:     *token,
				tuning:    tu,
				log:       logger.With().Str("identity", id).Logger(),
				metrics:   metrics,
				journal:   journal,
				ledger:    ledger,
				validator: validator,
			})
			return nil
		})
	}
	_ = agents.Wait()
	stopChores()
	<-choresDone
	return exitCode(errs)
}

type agentDeps struct {
	identity  string
	url       string
	token     string
	tuning    tuning.Tuning
	log       zerolog.Logger
	metrics   *observe.Metrics
	journal   *plog.Journal
	ledger    retrieval.Ledger
	validator *protocol.Validator
}

func runAgent(ctx context.Context, d agentDeps) error {
	sess, err := worldclient.Dial(ctx, worldclient.Config{
		URL:       d.url,
		Identity:  d.identity,
		Token:     d.token,
		Tolerance: d.tuning.Retrieval.Tolerance,
		Validator: d.validator,
		Log:       d.log,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		d.log.Error().Err(err).Msg("connect failed")
		return err
	}
	defer sess.Close()

	wp := sess.WorldParams()
	d.log.Info().
		Str("agent_id", sess.AgentID()).
		Str("world_id", sess.WorldID()).
		Int("tick_rate", wp.TickRateHz).
		Msg("connected")
	if wp.Gravity > 0 && wp.Gravity != d.tuning.Physics.Gravity {
		d.log.Warn().
			Float64("server", wp.Gravity).
			Float64("tuning", d.tuning.Physics.Gravity).
			Msg("server gravity differs from tuning")
	}

	opts := []agent.Option{agent.WithLogger(d.log)}
	if d.metrics != nil {
		opts = append(opts, agent.WithMetrics(d.metrics))
	}
	if d.journal != nil {
		opts = append(opts, agent.WithJournal(d.journal.Agent(d.identity)))
	}
	if d.ledger != nil {
		opts = append(opts, agent.WithLedger(d.ledger))
	}
	a := agent.New(agent.Config{
		Identity:     d.identity,
		Ingest:       d.tuning.IngestConfig(),
		Tracker:      d.tuning.TrackerConfig(),
		Retrieval:    d.tuning.RetrievalConfig(d.identity),
		PollInterval: d.tuning.PollInterval(),

		MaxPearlsPerOwner: d.tuning.Tracking.MaxPearlsPerOwner,
	}, sess, opts...)

	err = a.Run(ctx)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		d.log.Info().Msg("stopped")
		return nil
	case err != nil:
		d.log.Error().Err(err).Msg("agent stopped")
	}
	return err
}

// exitCode picks the most specific failure among the agents.
func exitCode(errs []error) int {
	code := exitOK
	for _, err := range errs {
		switch {
		case err == nil:
		case errors.Is(err, worldclient.ErrHandshake):
			return exitConnect
		case errors.Is(err, agent.ErrConnectionLost):
			code = exitConnectLost
		case code == exitOK:
			code = exitError
		}
	}
	return code
}
