// Package retrieval decides which landed pearl an agent goes after, drives
// the navigation request and waits for the pickup to be confirmed.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/nav"
	"pearlbot.ai/internal/tracker"
	"pearlbot.ai/internal/world"
)

// Source is the tracker surface the coordinator reads from.
type Source interface {
	Landed() []tracker.LandedPearl
	Claim(id world.EntityID) (tracker.LandedPearl, error)
}

type Navigator interface {
	NavigateTo(ctx context.Context, pos geom.Vec3) (nav.Outcome, error)
	CurrentPosition() geom.Vec3
}

// Collector is implemented by navigators that can pick an item up explicitly
// once standing next to it.
type Collector interface {
	PickUp(ctx context.Context, id world.EntityID) error
}

// Ledger arbitrates claims between agents that do not share a tracker.
type Ledger interface {
	TryClaim(ctx context.Context, key, holder string) (bool, error)
	Release(ctx context.Context, key, holder string) error
}

// holderLookup is implemented by ledgers that can name the current holder.
type holderLookup interface {
	Holder(ctx context.Context, key string) (string, error)
}

type Mode int

const (
	Idle Mode = iota
	Travelling
	Collecting
)

func (m Mode) String() string {
	switch m {
	case Idle:
		return "idle"
	case Travelling:
		return "travelling"
	case Collecting:
		return "collecting"
	}
	return "unknown"
}

type State struct {
	Mode     Mode
	Target   *tracker.LandedPearl
	Position geom.Vec3
	Identity string
}

type NavResult struct {
	seq     uint64
	ID      world.EntityID
	Outcome nav.Outcome
	Err     error
}

type Transition struct {
	From   Mode
	To     Mode
	Target world.EntityID
	// Owner is the thrower of the target, when known.
	Owner  string
	Reason string
}

type Config struct {
	Identity       string
	CollectTimeout time.Duration
	NavTimeout     time.Duration
}

func DefaultConfig() Config {
	return Config{CollectTimeout: 5 * time.Second, NavTimeout: 60 * time.Second}
}

type Coordinator struct {
	cfg       Config
	src       Source
	nav       Navigator
	collector Collector
	ledger    Ledger
	log       zerolog.Logger

	mode     Mode
	target   tracker.LandedPearl
	position geom.Vec3
	deadline time.Time

	seq       uint64
	cancelNav context.CancelFunc
	results   chan NavResult
	done      chan struct{}
	stopOnce  sync.Once

	abandoned map[world.EntityID]struct{}

	// OnTransition, when set, is called for every mode change.
	OnTransition func(Transition)
}

type Option func(*Coordinator)

func WithLogger(l zerolog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

func WithLedger(l Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

func New(cfg Config, src Source, n Navigator, opts ...Option) *Coordinator {
	d := DefaultConfig()
	if cfg.CollectTimeout <= 0 {
		cfg.CollectTimeout = d.CollectTimeout
	}
	if cfg.NavTimeout <= 0 {
		cfg.NavTimeout = d.NavTimeout
	}
	c := &Coordinator{
		cfg:       cfg,
		src:       src,
		nav:       n,
		log:       zerolog.Nop(),
		results:   make(chan NavResult, 4),
		done:      make(chan struct{}),
		abandoned: map[world.EntityID]struct{}{},
	}
	if col, ok := n.(Collector); ok {
		c.collector = col
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Results delivers navigation outcomes. The owner of the coordinator must
// feed every value back through OnNavResult.
func (c *Coordinator) Results() <-chan NavResult { return c.results }

func (c *Coordinator) State() State {
	s := State{Mode: c.mode, Position: c.position, Identity: c.cfg.Identity}
	if c.mode != Idle {
		t := c.target
		s.Target = &t
	}
	return s
}

// Poll advances timers and, when idle, picks the next pearl.
func (c *Coordinator) Poll(ctx context.Context, now time.Time) {
	c.position = c.nav.CurrentPosition()
	switch c.mode {
	case Travelling:
		if c.deadline.IsZero() {
			c.deadline = now.Add(c.cfg.NavTimeout)
		} else if !now.Before(c.deadline) {
			c.abandon(c.target.ID)
			c.toIdle("nav_timeout")
		}
	case Collecting:
		if c.deadline.IsZero() {
			c.deadline = now.Add(c.cfg.CollectTimeout)
		} else if !now.Before(c.deadline) {
			c.toIdle("collect_timeout")
		}
	case Idle:
		c.selectTarget(ctx)
	}
}

func (c *Coordinator) selectTarget(ctx context.Context) {
	candidates := c.src.Landed()
	for len(candidates) > 0 {
		best := -1
		bestDist := 0.0
		for i, lp := range candidates {
			if _, skip := c.abandoned[lp.ID]; skip {
				continue
			}
			d := geom.Dist(c.position, lp.Pos)
			if best < 0 || d < bestDist || (d == bestDist && lp.ID < candidates[best].ID) {
				best, bestDist = i, d
			}
		}
		if best < 0 {
			return
		}
		pick := candidates[best]
		candidates = append(candidates[:best], candidates[best+1:]...)

		if c.ledger != nil {
			ok, err := c.ledger.TryClaim(ctx, ledgerKey(pick), c.cfg.Identity)
			if err != nil {
				c.log.Warn().Err(err).Int64("pearl", int64(pick.ID)).Msg("claim ledger unavailable")
				continue
			}
			if !ok {
				ev := c.log.Debug().Int64("pearl", int64(pick.ID))
				if hl, can := c.ledger.(holderLookup); can {
					if h, err := hl.Holder(ctx, ledgerKey(pick)); err == nil && h != "" {
						ev = ev.Str("holder", h)
					}
				}
				ev.Msg("pearl held by another agent")
				c.abandon(pick.ID)
				continue
			}
		}
		lp, err := c.src.Claim(pick.ID)
		if err != nil {
			c.log.Debug().Err(err).Int64("pearl", int64(pick.ID)).Msg("claim failed")
			c.abandon(pick.ID)
			if c.ledger != nil {
				if err := c.ledger.Release(ctx, ledgerKey(pick), c.cfg.Identity); err != nil {
					c.log.Warn().Err(err).Int64("pearl", int64(pick.ID)).Msg("release ledger claim")
				}
			}
			continue
		}
		c.travel(ctx, lp)
		return
	}
}

func (c *Coordinator) travel(ctx context.Context, lp tracker.LandedPearl) {
	c.seq++
	seq := c.seq
	navCtx, cancel := context.WithCancel(ctx)
	c.cancelNav = cancel
	c.target = lp
	c.deadline = time.Time{}
	c.setMode(Travelling, "claimed")

	go func() {
		out, err := c.nav.NavigateTo(navCtx, lp.Pos)
		c.deliver(NavResult{seq: seq, ID: lp.ID, Outcome: out, Err: err})
	}()
}

func (c *Coordinator) deliver(r NavResult) {
	select {
	case c.results <- r:
	case <-c.done:
	}
}

// OnNavResult applies a navigation outcome. Results of superseded requests
// are ignored.
func (c *Coordinator) OnNavResult(ctx context.Context, r NavResult) {
	if c.mode != Travelling || r.seq != c.seq {
		return
	}
	c.releaseNav()
	if r.Err != nil {
		c.log.Warn().Err(r.Err).Int64("pearl", int64(r.ID)).Msg("navigation failed")
		c.abandon(r.ID)
		c.toIdle("nav_error")
		return
	}
	switch r.Outcome {
	case nav.Arrived:
		c.deadline = time.Time{}
		c.setMode(Collecting, "arrived")
		if c.collector != nil {
			id := r.ID
			go func() {
				if err := c.collector.PickUp(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
					c.log.Debug().Err(err).Int64("pearl", int64(id)).Msg("pickup request failed")
				}
			}()
		}
	case nav.Unreachable, nav.Aborted:
		c.abandon(r.ID)
		c.toIdle(r.Outcome.String())
	default:
		c.abandon(r.ID)
		c.toIdle("nav_error")
	}
}

// OnDespawn tells the coordinator a pearl left the world.
func (c *Coordinator) OnDespawn(id world.EntityID) {
	delete(c.abandoned, id)
	if c.mode == Idle || c.target.ID != id {
		return
	}
	switch c.mode {
	case Travelling:
		c.toIdle("target_despawned")
	case Collecting:
		c.log.Debug().Int64("pearl", int64(id)).Msg("pearl despawned (expected)")
		c.toIdle("picked_up")
	}
}

// OnPickup reports a pearl entering the inventory. A zero id means the
// server did not say which entity it was.
func (c *Coordinator) OnPickup(id world.EntityID) {
	if c.mode != Collecting || (id != 0 && id != c.target.ID) {
		return
	}
	c.toIdle("picked_up")
}

// Stop cancels any outstanding navigation and releases helper goroutines.
func (c *Coordinator) Stop() {
	c.releaseNav()
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) abandon(id world.EntityID) {
	c.abandoned[id] = struct{}{}
}

func (c *Coordinator) releaseNav() {
	if c.cancelNav != nil {
		c.cancelNav()
		c.cancelNav = nil
	}
}

func (c *Coordinator) toIdle(reason string) {
	c.releaseNav()
	c.deadline = time.Time{}
	c.setMode(Idle, reason)
}

func (c *Coordinator) setMode(m Mode, reason string) {
	from := c.mode
	c.mode = m
	c.log.Debug().
		Str("from", from.String()).
		Str("to", m.String()).
		Int64("pearl", int64(c.target.ID)).
		Str("reason", reason).
		Msg("retrieval transition")
	if c.OnTransition != nil {
		c.OnTransition(Transition{From: from, To: m, Target: c.target.ID, Owner: c.target.Owner, Reason: reason})
	}
}

func ledgerKey(lp tracker.LandedPearl) string {
	return fmt.Sprintf("%s/%d", lp.World, lp.ID)
}
