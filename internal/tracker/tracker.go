// Package tracker keeps one trajectory record per in-flight pearl, predicts
// where it will touch down and decides when it has come to rest.
package tracker

import (
	"errors"
	"math"
	"sort"
	"time"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/ingest"
	"pearlbot.ai/internal/world"
)

var (
	ErrBadObservation = errors.New("tracker: bad observation")
	ErrNotFound       = errors.New("tracker: no such pearl")
	ErrNotLanded      = errors.New("tracker: pearl has not landed")
	ErrAlreadyClaimed = errors.New("tracker: pearl already claimed")
)

type Status int

const (
	InFlight Status = iota + 1
	Landed
	Lost
)

func (s Status) String() string {
	switch s {
	case InFlight:
		return "in_flight"
	case Landed:
		return "landed"
	case Lost:
		return "lost"
	}
	return "unknown"
}

type Config struct {
	// Gravity is the downward acceleration in blocks/s².
	Gravity float64
	// Drag is a linear per-second velocity damping coefficient. Zero selects
	// the closed-form solve; anything else integrates numerically.
	Drag    float64
	GroundY float64

	Window         int
	SettleSamples  int
	SettleDuration time.Duration
	EpsY           float64
	EpsH           float64
	// RestSpeed bounds a server-reported speed for the pearl to count as resting.
	RestSpeed float64
	Timeout   time.Duration

	IntegrationStep time.Duration
	Horizon         time.Duration
}

func DefaultConfig() Config {
	return Config{
		Gravity:         12,
		GroundY:         0,
		Window:          8,
		SettleSamples:   3,
		SettleDuration:  500 * time.Millisecond,
		EpsY:            0.01,
		EpsH:            0.01,
		RestSpeed:       0.1,
		Timeout:         10 * time.Second,
		IntegrationStep: 10 * time.Millisecond,
		Horizon:         30 * time.Second,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.Gravity <= 0 {
		c.Gravity = d.Gravity
	}
	if c.SettleSamples < 2 {
		c.SettleSamples = d.SettleSamples
	}
	if c.Window < c.SettleSamples {
		c.Window = c.SettleSamples
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.IntegrationStep <= 0 {
		c.IntegrationStep = d.IntegrationStep
	}
	if c.Horizon <= 0 {
		c.Horizon = d.Horizon
	}
	return c
}

// Record is the tracker's view of one pearl.
type Record struct {
	ID        world.EntityID
	World     string
	Owner     string
	Samples   []ingest.Observation
	Predicted *geom.Vec3
	Status    Status
	Claimed   bool

	FirstSeen time.Time
	LastSeen  time.Time
	LandedAt  time.Time

	restRun   int
	restSince time.Time
}

// LandedPearl is a read-only snapshot of a landed record.
type LandedPearl struct {
	ID       world.EntityID
	World    string
	Owner    string
	Pos      geom.Vec3
	LandedAt time.Time
}

type TransitionKind int

const (
	Spawned TransitionKind = iota + 1
	BecameLanded
	BecameLost
	Claimed
	Purged
)

func (k TransitionKind) String() string {
	switch k {
	case Spawned:
		return "spawned"
	case BecameLanded:
		return "landed"
	case BecameLost:
		return "lost"
	case Claimed:
		return "claimed"
	case Purged:
		return "purged"
	}
	return "unknown"
}

type Transition struct {
	Kind  TransitionKind
	ID    world.EntityID
	At    time.Time
	Pos   geom.Vec3
	Owner string
	// Claimed is set on Purged when the record had been claimed.
	Claimed bool
}

type Tracker struct {
	cfg     Config
	records map[world.EntityID]*Record

	// OnTransition, when set, is called synchronously for every state change.
	OnTransition func(Transition)
}

func New(cfg Config) *Tracker {
	return &Tracker{cfg: cfg.normalized(), records: map[world.EntityID]*Record{}}
}

func (t *Tracker) Config() Config { return t.cfg }

func (t *Tracker) Len() int { return len(t.records) }

// Get returns a copy of the record for id.
func (t *Tracker) Get(id world.EntityID) (Record, bool) {
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	cp := *r
	cp.Samples = append([]ingest.Observation(nil), r.Samples...)
	if r.Predicted != nil {
		p := *r.Predicted
		cp.Predicted = &p
	}
	return cp, true
}

// Observe feeds one sample. Invalid samples leave the record untouched.
func (t *Tracker) Observe(o ingest.Observation) error {
	if o.ID <= 0 || o.At.IsZero() || !o.Pos.Finite() || (o.HasVel && !o.Vel.Finite()) {
		return ErrBadObservation
	}
	r, ok := t.records[o.ID]
	if !ok {
		r = &Record{
			ID:        o.ID,
			World:     o.World,
			Owner:     o.Owner,
			Samples:   []ingest.Observation{o},
			Status:    InFlight,
			FirstSeen: o.At,
			LastSeen:  o.At,
		}
		t.records[o.ID] = r
		t.emit(Transition{Kind: Spawned, ID: o.ID, At: o.At, Pos: o.Pos, Owner: o.Owner})
		return nil
	}
	if !o.At.After(r.LastSeen) {
		return ErrBadObservation
	}
	r.LastSeen = o.At
	if r.Owner == "" {
		r.Owner = o.Owner
	}
	if r.Status == Landed {
		return nil
	}

	r.Samples = append(r.Samples, o)
	if n := len(r.Samples); n > t.cfg.Window {
		r.Samples = append(r.Samples[:0], r.Samples[n-t.cfg.Window:]...)
	}

	prev := r.Samples[len(r.Samples)-2]
	if t.settled(r, prev, o) {
		p := o.Pos
		r.Predicted = &p
		r.Status = Landed
		r.LandedAt = o.At
		t.emit(Transition{Kind: BecameLanded, ID: r.ID, At: o.At, Pos: p, Owner: r.Owner})
		return nil
	}
	if p, ok := t.predict(prev, o); ok {
		r.Predicted = &p
	}
	return nil
}

// Despawn handles the world removing the entity. In-flight records are
// lost; landed ones are simply purged.
func (t *Tracker) Despawn(id world.EntityID, at time.Time) (Status, bool) {
	r, ok := t.records[id]
	if !ok {
		return 0, false
	}
	prev := r.Status
	if r.Status == InFlight {
		r.Status = Lost
		t.emit(Transition{Kind: BecameLost, ID: id, At: at, Pos: lastPos(r), Owner: r.Owner})
	}
	t.purge(r, at)
	return prev, true
}

// Sweep marks in-flight records that have gone quiet for longer than the
// timeout as lost and purges them.
func (t *Tracker) Sweep(now time.Time) []world.EntityID {
	var lost []world.EntityID
	for id, r := range t.records {
		if r.Status != InFlight || now.Sub(r.LastSeen) <= t.cfg.Timeout {
			continue
		}
		r.Status = Lost
		t.emit(Transition{Kind: BecameLost, ID: id, At: now, Pos: lastPos(r), Owner: r.Owner})
		t.purge(r, now)
		lost = append(lost, id)
	}
	sort.Slice(lost, func(i, j int) bool { return lost[i] < lost[j] })
	return lost
}

// Landed lists landed, unclaimed pearls ordered by id.
func (t *Tracker) Landed() []LandedPearl {
	out := make([]LandedPearl, 0, len(t.records))
	for _, r := range t.records {
		if r.Status == Landed && !r.Claimed {
			out = append(out, snapshot(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnerCount reports how many unclaimed pearls of owner are being tracked.
func (t *Tracker) OwnerCount(owner string) int {
	if owner == "" {
		return 0
	}
	n := 0
	for _, r := range t.records {
		if r.Owner == owner && !r.Claimed {
			n++
		}
	}
	return n
}

// Claim reserves a landed pearl. A pearl can be claimed once per life.
func (t *Tracker) Claim(id world.EntityID) (LandedPearl, error) {
	r, ok := t.records[id]
	if !ok {
		return LandedPearl{}, ErrNotFound
	}
	if r.Status != Landed {
		return LandedPearl{}, ErrNotLanded
	}
	if r.Claimed {
		return LandedPearl{}, ErrAlreadyClaimed
	}
	r.Claimed = true
	lp := snapshot(r)
	t.emit(Transition{Kind: Claimed, ID: id, At: r.LastSeen, Pos: lp.Pos, Owner: r.Owner})
	return lp, nil
}

func (t *Tracker) purge(r *Record, at time.Time) {
	delete(t.records, r.ID)
	t.emit(Transition{Kind: Purged, ID: r.ID, At: at, Pos: lastPos(r), Owner: r.Owner, Claimed: r.Claimed})
}

func (t *Tracker) emit(tr Transition) {
	if t.OnTransition != nil {
		t.OnTransition(tr)
	}
}

// settled applies the landing rule: at least SettleSamples consecutive
// samples with near-zero displacement, spanning SettleDuration or more.
func (t *Tracker) settled(r *Record, prev, cur ingest.Observation) bool {
	still := math.Abs(cur.Pos.Y-prev.Pos.Y) <= t.cfg.EpsY && geom.DistXZ(prev.Pos, cur.Pos) <= t.cfg.EpsH
	if cur.HasVel && !cur.VelDerived && cur.Vel.Len() > t.cfg.RestSpeed {
		still = false
	}
	if !still {
		r.restRun = 0
		return false
	}
	if r.restRun == 0 {
		r.restSince = prev.At
	}
	r.restRun++
	return r.restRun+1 >= t.cfg.SettleSamples && cur.At.Sub(r.restSince) >= t.cfg.SettleDuration
}

// velocity returns the velocity at the newest sample. Differenced
// velocities describe the midpoint of the interval, so the vertical part is
// advanced by half a step of gravity.
func (t *Tracker) velocity(prev, cur ingest.Observation) geom.Vec3 {
	if cur.HasVel && !cur.VelDerived {
		return cur.Vel
	}
	dt := cur.At.Sub(prev.At).Seconds()
	v := cur.Pos.Sub(prev.Pos).Scale(1 / dt)
	v.Y -= t.cfg.Gravity * dt / 2
	return v
}

func (t *Tracker) predict(prev, cur ingest.Observation) (geom.Vec3, bool) {
	p := cur.Pos
	ground := t.cfg.GroundY
	if p.Y <= ground {
		return p, true
	}
	v := t.velocity(prev, cur)

	// Resting on something: a straight solve would divide by ~0 or
	// extrapolate through the block the pearl sits on.
	if math.Abs(cur.Pos.Y-prev.Pos.Y) <= t.cfg.EpsY && geom.DistXZ(cur.Pos, prev.Pos) <= t.cfg.EpsH {
		return p, true
	}

	if t.cfg.Drag != 0 {
		return t.integrate(p, v)
	}
	g := t.cfg.Gravity
	h := p.Y - ground
	T := (v.Y + math.Sqrt(v.Y*v.Y+2*g*h)) / g
	if math.IsNaN(T) || T < 0 {
		return geom.Vec3{}, false
	}
	return geom.V(p.X+v.X*T, ground, p.Z+v.Z*T), true
}

// integrate steps the motion with drag until ground contact or the horizon.
func (t *Tracker) integrate(p, v geom.Vec3) (geom.Vec3, bool) {
	dt := t.cfg.IntegrationStep.Seconds()
	steps := int(t.cfg.Horizon / t.cfg.IntegrationStep)
	ground := t.cfg.GroundY
	for i := 0; i < steps; i++ {
		v.Y -= t.cfg.Gravity * dt
		v = v.Scale(1 - t.cfg.Drag*dt)
		next := p.Add(v.Scale(dt))
		if next.Y <= ground {
			f := (p.Y - ground) / (p.Y - next.Y)
			hit := p.Add(next.Sub(p).Scale(f))
			hit.Y = ground
			return hit, true
		}
		p = next
	}
	return geom.Vec3{}, false
}

func snapshot(r *Record) LandedPearl {
	lp := LandedPearl{ID: r.ID, World: r.World, Owner: r.Owner, LandedAt: r.LandedAt}
	if r.Predicted != nil {
		lp.Pos = *r.Predicted
	}
	return lp
}

func lastPos(r *Record) geom.Vec3 {
	if len(r.Samples) == 0 {
		return geom.Vec3{}
	}
	return r.Samples[len(r.Samples)-1].Pos
}
