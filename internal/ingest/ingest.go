// Package ingest narrows the raw world event stream down to pearl observations
// and despawn signals for the trajectory tracker.
package ingest

import (
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/world"
)

// Observation is one sample of a tracked projectile.
type Observation struct {
	ID    world.EntityID
	At    time.Time
	World string
	Pos   geom.Vec3
	// Owner is the thrower reported by the server, if any.
	Owner string

	Vel    geom.Vec3
	HasVel bool
	// VelDerived is set when Vel was differenced from two raw positions
	// rather than reported by the server.
	VelDerived bool
}

type Despawn struct {
	ID world.EntityID
	At time.Time
}

// Result holds exactly one of Observation or Despawn.
type Result struct {
	Observation *Observation
	Despawn     *Despawn
}

// Box is an axis-aligned inclusive bounding box.
type Box struct {
	Min geom.Vec3
	Max geom.Vec3
}

func (b Box) Contains(p geom.Vec3) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

type Config struct {
	TrackedKind string
	// Bounds, when set, ignores pearls that first appear outside of it.
	Bounds *Box
	// CurrentWorldOnly drops pearls observed in a world other than the
	// one passed to SetWorld.
	CurrentWorldOnly bool
}

type sample struct {
	at  time.Time
	pos geom.Vec3
}

type Filter struct {
	cfg Config
	log zerolog.Logger

	world   string
	last    map[world.EntityID]sample
	ignored map[world.EntityID]struct{}
	dropped uint64
}

type Option func(*Filter)

func WithLogger(l zerolog.Logger) Option {
	return func(f *Filter) { f.log = l }
}

func New(cfg Config, opts ...Option) *Filter {
	if cfg.TrackedKind == "" {
		cfg.TrackedKind = "PEARL"
	}
	f := &Filter{
		cfg:     cfg,
		log:     zerolog.Nop(),
		last:    map[world.EntityID]sample{},
		ignored: map[world.EntityID]struct{}{},
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// TrackedKind is the entity kind the filter passes through.
func (f *Filter) TrackedKind() string { return f.cfg.TrackedKind }

// SetWorld records the world the agent currently stands in.
func (f *Filter) SetWorld(w string) { f.world = w }

// Dropped counts malformed events discarded so far.
func (f *Filter) Dropped() uint64 { return f.dropped }

// OnEvent maps one world event to an observation or despawn. The second
// return value is false when the event is irrelevant or malformed.
func (f *Filter) OnEvent(ev world.Event) (Result, bool) {
	switch ev.Kind {
	case world.EntitySpawned, world.EntityMoved, world.EntityRemoved:
	default:
		return Result{}, false
	}
	if ev.EntityKind == "" || ev.ID <= 0 || ev.At.IsZero() {
		f.drop(ev, "missing id, kind or timestamp")
		return Result{}, false
	}
	if ev.EntityKind != f.cfg.TrackedKind {
		return Result{}, false
	}

	if ev.Kind == world.EntityRemoved {
		delete(f.last, ev.ID)
		if _, ok := f.ignored[ev.ID]; ok {
			delete(f.ignored, ev.ID)
			return Result{}, false
		}
		return Result{Despawn: &Despawn{ID: ev.ID, At: ev.At}}, true
	}

	if !ev.Pos.Finite() || (ev.HasVel && !ev.Vel.Finite()) {
		f.drop(ev, "non-finite position or velocity")
		return Result{}, false
	}
	if f.cfg.CurrentWorldOnly && f.world != "" && ev.World != "" && ev.World != f.world {
		return Result{}, false
	}

	if ev.Kind == world.EntitySpawned {
		// A spawn always starts a new life for the id.
		delete(f.last, ev.ID)
		delete(f.ignored, ev.ID)
		if f.cfg.Bounds != nil && !f.cfg.Bounds.Contains(ev.Pos) {
			f.ignored[ev.ID] = struct{}{}
			f.log.Debug().Int64("entity", int64(ev.ID)).Msg("pearl outside bounds, ignoring")
			return Result{}, false
		}
	} else if _, ok := f.ignored[ev.ID]; ok {
		return Result{}, false
	}

	prev, seen := f.last[ev.ID]
	if seen && !ev.At.After(prev.at) {
		f.drop(ev, "non-increasing timestamp")
		return Result{}, false
	}

	obs := Observation{ID: ev.ID, At: ev.At, World: ev.World, Pos: ev.Pos, Owner: ev.Owner}
	switch {
	case ev.HasVel:
		obs.Vel, obs.HasVel = ev.Vel, true
	case seen:
		dt := ev.At.Sub(prev.at).Seconds()
		obs.Vel = ev.Pos.Sub(prev.pos).Scale(1 / dt)
		obs.HasVel, obs.VelDerived = true, true
	}
	f.last[ev.ID] = sample{at: ev.At, pos: ev.Pos}
	return Result{Observation: &obs}, true
}

func (f *Filter) drop(ev world.Event, why string) {
	f.dropped++
	f.log.Debug().
		Str("event", ev.Kind.String()).
		Int64("entity", int64(ev.ID)).
		Str("reason", why).
		Msg("dropping malformed event")
}
