// Package agent runs one bot: it feeds session events through ingest and the
// tracker and drives the retrieval coordinator on a poll interval.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/ingest"
	"pearlbot.ai/internal/observe"
	"pearlbot.ai/internal/retrieval"
	"pearlbot.ai/internal/tracker"
	"pearlbot.ai/internal/world"
)

// ErrConnectionLost is returned by Run when the session stops delivering
// events before the context is cancelled.
var ErrConnectionLost = errors.New("agent: connection lost")

// Session is a live connection to the world.
type Session interface {
	retrieval.Navigator
	Events() <-chan world.Event
	Err() error
}

// Journal receives lifecycle transitions for persistence.
type Journal interface {
	Tracker(tracker.Transition) error
	Retrieval(retrieval.Transition) error
	Note(kind, reason string) error
}

type Config struct {
	Identity     string
	Ingest       ingest.Config
	Tracker      tracker.Config
	Retrieval    retrieval.Config
	PollInterval time.Duration
	// MaxPearlsPerOwner, when positive, flags throwers holding more
	// unretrieved pearls than this.
	MaxPearlsPerOwner int
}

type Agent struct {
	cfg     Config
	session Session
	log     zerolog.Logger
	metrics *observe.Metrics
	journal Journal
	ledger  retrieval.Ledger
	now     func() time.Time

	filter *ingest.Filter
	track  *tracker.Tracker
	coord  *retrieval.Coordinator

	travelStart time.Time
}

type Option func(*Agent)

func WithLogger(l zerolog.Logger) Option { return func(a *Agent) { a.log = l } }

func WithMetrics(m *observe.Metrics) Option { return func(a *Agent) { a.metrics = m } }

func WithJournal(j Journal) Option { return func(a *Agent) { a.journal = j } }

// WithLedger shares claims with agents in other processes.
func WithLedger(l retrieval.Ledger) Option { return func(a *Agent) { a.ledger = l } }

func WithClock(now func() time.Time) Option { return func(a *Agent) { a.now = now } }

func New(cfg Config, s Session, opts ...Option) *Agent {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	cfg.Retrieval.Identity = cfg.Identity
	a := &Agent{
		cfg:     cfg,
		session: s,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With().Str("identity", cfg.Identity).Logger()

	a.filter = ingest.New(cfg.Ingest, ingest.WithLogger(a.log))
	a.track = tracker.New(cfg.Tracker)
	a.track.OnTransition = a.onTrackerTransition

	copts := []retrieval.Option{retrieval.WithLogger(a.log)}
	if a.ledger != nil {
		copts = append(copts, retrieval.WithLedger(a.ledger))
	}
	a.coord = retrieval.New(cfg.Retrieval, a.track, s, copts...)
	a.coord.OnTransition = a.onRetrievalTransition
	return a
}

// Tracker exposes the agent's trajectory store for inspection.
func (a *Agent) Tracker() *tracker.Tracker { return a.track }

func (a *Agent) State() retrieval.State { return a.coord.State() }

// Run processes events until ctx is cancelled or the session ends. All
// tracker and coordinator state is confined to this goroutine.
func (a *Agent) Run(ctx context.Context) error {
	defer a.coord.Stop()
	a.note("started", "")
	if a.metrics != nil {
		a.metrics.ActiveAgents.Add(ctx, 1)
		defer a.metrics.ActiveAgents.Add(context.WithoutCancel(ctx), -1)
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	events := a.session.Events()
	for {
		select {
		case <-ctx.Done():
			a.note("stopped", ctx.Err().Error())
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				err := a.session.Err()
				if ctx.Err() != nil {
					return ctx.Err()
				}
				reason := ""
				if err != nil {
					reason = err.Error()
				}
				a.note("disconnected", reason)
				if err != nil {
					return errors.Join(ErrConnectionLost, err)
				}
				return ErrConnectionLost
			}
			a.handle(ctx, ev)

		case r := <-a.coord.Results():
			a.coord.OnNavResult(ctx, r)

		case <-ticker.C:
			a.tick(ctx)
		}
	}
}

func (a *Agent) tick(ctx context.Context) {
	now := a.now()
	a.track.Sweep(now)
	a.coord.Poll(ctx, now)
}

func (a *Agent) handle(ctx context.Context, ev world.Event) {
	switch ev.Kind {
	case world.SelfMoved:
		if ev.World != "" {
			a.filter.SetWorld(ev.World)
		}
		return
	case world.InventoryChanged:
		kind := a.filter.TrackedKind()
		if ev.Delta > 0 && (ev.Item == kind || ev.EntityKind == kind) {
			a.coord.OnPickup(ev.ID)
		}
		return
	}

	before := a.filter.Dropped()
	res, ok := a.filter.OnEvent(ev)
	if a.metrics != nil && a.filter.Dropped() > before {
		a.metrics.MalformedEvents.Add(ctx, int64(a.filter.Dropped()-before))
	}
	if !ok {
		return
	}
	switch {
	case res.Observation != nil:
		if err := a.track.Observe(*res.Observation); err != nil {
			a.log.Debug().Err(err).Int64("pearl", int64(res.Observation.ID)).Msg("observation rejected")
		}
	case res.Despawn != nil:
		a.track.Despawn(res.Despawn.ID, res.Despawn.At)
		a.coord.OnDespawn(res.Despawn.ID)
	}
}

func (a *Agent) onTrackerTransition(tr tracker.Transition) {
	a.log.Debug().
		Str("kind", tr.Kind.String()).
		Int64("pearl", int64(tr.ID)).
		Str("owner", tr.Owner).
		Bool("claimed", tr.Claimed).
		Msg("tracker transition")
	if a.metrics != nil {
		a.metrics.RecordTrackerTransition(context.Background(), tr.Kind.String())
	}
	if a.journal != nil {
		if err := a.journal.Tracker(tr); err != nil {
			a.log.Warn().Err(err).Msg("journal write failed")
		}
	}
	if tr.Kind == tracker.Spawned && tr.Owner != "" && a.cfg.MaxPearlsPerOwner > 0 {
		if n := a.track.OwnerCount(tr.Owner); n > a.cfg.MaxPearlsPerOwner {
			a.log.Warn().
				Str("owner", tr.Owner).
				Int("pearls", n).
				Int("max", a.cfg.MaxPearlsPerOwner).
				Msg("owner has too many pearls")
			a.note("owner_over_limit", tr.Owner)
		}
	}
}

func (a *Agent) onRetrievalTransition(tr retrieval.Transition) {
	now := a.now()
	if tr.To == retrieval.Travelling {
		a.travelStart = now
	}
	if a.metrics != nil {
		ctx := context.Background()
		a.metrics.RecordRetrievalTransition(ctx, tr.To.String(), tr.Reason)
		if tr.From == retrieval.Travelling && !a.travelStart.IsZero() {
			a.metrics.RecordNavigation(ctx, tr.Reason, now.Sub(a.travelStart).Seconds())
		}
	}
	if tr.Reason == "picked_up" {
		a.log.Info().Int64("pearl", int64(tr.Target)).Str("owner", tr.Owner).Msg("pearl retrieved")
	}
	if a.journal != nil {
		if err := a.journal.Retrieval(tr); err != nil {
			a.log.Warn().Err(err).Msg("journal write failed")
		}
	}
}

func (a *Agent) note(kind, reason string) {
	if a.journal == nil {
		return
	}
	if err := a.journal.Note(kind, reason); err != nil {
		a.log.Warn().Err(err).Msg("journal write failed")
	}
}
