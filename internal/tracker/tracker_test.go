package tracker

import (
	"errors"
	"math"
	"testing"
	"time"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/ingest"
	"pearlbot.ai/internal/world"
)

var t0 = time.Unix(1700000000, 0)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Gravity = 10
	return cfg
}

func obs(id world.EntityID, at time.Duration, pos geom.Vec3) ingest.Observation {
	return ingest.Observation{ID: id, At: t0.Add(at), Pos: pos}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func mustObserve(t *testing.T, tr *Tracker, o ingest.Observation) {
	t.Helper()
	if err := tr.Observe(o); err != nil {
		t.Fatalf("observe %+v: %v", o, err)
	}
}

// land drives id to rest at pos starting at start, one sample every 100ms.
func land(t *testing.T, tr *Tracker, id world.EntityID, start time.Duration, pos geom.Vec3) time.Duration {
	t.Helper()
	at := start
	for i := 0; i < 8; i++ {
		mustObserve(t, tr, obs(id, at, pos))
		at += ms(100)
	}
	r, ok := tr.Get(id)
	if !ok || r.Status != Landed {
		t.Fatalf("pearl %d did not land: %+v", id, r)
	}
	return at
}

func TestScenario_FreeFallPrediction(t *testing.T) {
	tr := New(testConfig())
	o := obs(1, 0, geom.V(0, 10, 0))
	o.Vel, o.HasVel = geom.V(0, 0, 5), true
	mustObserve(t, tr, o)
	mustObserve(t, tr, obs(1, ms(100), geom.V(0, 9.95, 0.5)))
	mustObserve(t, tr, obs(1, ms(200), geom.V(0, 9.8, 1.0)))

	r, ok := tr.Get(1)
	if !ok || r.Status != InFlight || r.Predicted == nil {
		t.Fatalf("expected in-flight record with prediction: %+v", r)
	}
	want := geom.V(0, 0, 1.0+5*(-2+math.Sqrt(200))/10)
	if geom.Dist(*r.Predicted, want) > 0.05 {
		t.Fatalf("predicted=%+v want≈%+v", *r.Predicted, want)
	}
	if math.Abs(r.Predicted.Z-7.07) > 0.05 {
		t.Fatalf("predicted z=%v want≈7.07", r.Predicted.Z)
	}
}

func TestPrediction_ConvergesAndFreezesOnLanding(t *testing.T) {
	cfg := testConfig()
	tr := New(cfg)

	p0 := geom.V(0, 20, 0)
	v0 := geom.V(1, 5, 3)
	g := cfg.Gravity
	tHit := (v0.Y + math.Sqrt(v0.Y*v0.Y+2*g*p0.Y)) / g
	truth := geom.V(p0.X+v0.X*tHit, 0, p0.Z+v0.Z*tHit)

	prevErr := math.Inf(1)
	var at time.Duration
	for i := 0; ; i++ {
		at = ms(50 * i)
		s := at.Seconds()
		if s >= tHit {
			break
		}
		pos := geom.V(p0.X+v0.X*s, p0.Y+v0.Y*s-g*s*s/2, p0.Z+v0.Z*s)
		mustObserve(t, tr, obs(5, at, pos))
		r, _ := tr.Get(5)
		if r.Predicted == nil {
			if i > 0 {
				t.Fatalf("no prediction after %d samples", i+1)
			}
			continue
		}
		err := geom.Dist(*r.Predicted, truth)
		if err > prevErr+1e-9 {
			t.Fatalf("sample %d: error grew %v -> %v", i, prevErr, err)
		}
		prevErr = err
	}
	if prevErr > 1e-6 {
		t.Fatalf("final in-flight error %v", prevErr)
	}

	end := land(t, tr, 5, at, truth)
	r, _ := tr.Get(5)
	last := r.Samples[len(r.Samples)-1].Pos
	if r.Predicted == nil || *r.Predicted != last {
		t.Fatalf("landed prediction %+v should equal last observed %+v", r.Predicted, last)
	}

	// Further samples of a landed pearl do not move the frozen landing point.
	mustObserve(t, tr, obs(5, end, truth.Add(geom.V(0.5, 0, 0))))
	r, _ = tr.Get(5)
	if r.Status != Landed || *r.Predicted != last {
		t.Fatalf("landed record changed: %+v", r)
	}
}

func TestLanding_RequiresSettleDuration(t *testing.T) {
	tr := New(testConfig())
	pos := geom.V(3, 0, 3)
	for i := 0; i < 5; i++ {
		mustObserve(t, tr, obs(2, ms(100*i), pos))
	}
	if r, _ := tr.Get(2); r.Status != InFlight {
		t.Fatalf("400ms at rest must not land yet, got %v", r.Status)
	}
	mustObserve(t, tr, obs(2, ms(500), pos))
	if r, _ := tr.Get(2); r.Status != Landed {
		t.Fatalf("500ms at rest should land, got %v", r.Status)
	}
}

func TestLanding_MovementResetsSettle(t *testing.T) {
	tr := New(testConfig())
	for i := 0; i < 4; i++ {
		mustObserve(t, tr, obs(3, ms(100*i), geom.V(0, 0, 0)))
	}
	mustObserve(t, tr, obs(3, ms(400), geom.V(0.5, 0, 0)))
	mustObserve(t, tr, obs(3, ms(600), geom.V(0.5, 0, 0)))
	if r, _ := tr.Get(3); r.Status != InFlight {
		t.Fatalf("a nudge restarts the settle window, got %v", r.Status)
	}
}

func TestLanding_ReportedVelocityMustBeAtRest(t *testing.T) {
	tr := New(testConfig())
	for i := 0; i <= 6; i++ {
		o := obs(4, ms(100*i), geom.V(0, 0, 0))
		o.Vel, o.HasVel = geom.V(0, 0, 2), true
		mustObserve(t, tr, o)
	}
	if r, _ := tr.Get(4); r.Status != InFlight {
		t.Fatalf("reported motion should block landing, got %v", r.Status)
	}
}

func TestDespawnBeforeLanding_IsLost(t *testing.T) {
	tr := New(testConfig())
	var seen []Transition
	tr.OnTransition = func(tr Transition) { seen = append(seen, tr) }

	mustObserve(t, tr, obs(42, 0, geom.V(0, 10, 0)))
	mustObserve(t, tr, obs(42, ms(100), geom.V(0, 9.9, 0.5)))
	prev, ok := tr.Despawn(42, t0.Add(ms(150)))
	if !ok || prev != InFlight {
		t.Fatalf("despawn: prev=%v ok=%v", prev, ok)
	}
	if _, ok := tr.Get(42); ok {
		t.Fatalf("record should be purged")
	}
	if len(tr.Landed()) != 0 {
		t.Fatalf("lost pearl must never appear landed")
	}
	if _, err := tr.Claim(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("claim lost: %v", err)
	}

	kinds := []TransitionKind{}
	for _, s := range seen {
		kinds = append(kinds, s.Kind)
	}
	want := []TransitionKind{Spawned, BecameLost, Purged}
	if len(kinds) != len(want) {
		t.Fatalf("transitions=%v want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("transitions=%v want %v", kinds, want)
		}
	}
}

func TestSweep_TimesOutInFlight(t *testing.T) {
	cfg := testConfig()
	tr := New(cfg)
	mustObserve(t, tr, obs(7, 0, geom.V(0, 50, 0)))
	land(t, tr, 8, 0, geom.V(1, 0, 1))

	if lost := tr.Sweep(t0.Add(cfg.Timeout)); len(lost) != 0 {
		t.Fatalf("not yet timed out: %v", lost)
	}
	lost := tr.Sweep(t0.Add(cfg.Timeout + time.Millisecond))
	if len(lost) != 1 || lost[0] != 7 {
		t.Fatalf("lost=%v", lost)
	}
	if _, ok := tr.Get(7); ok {
		t.Fatalf("timed out record should be purged")
	}

	// Landed records are not subject to the tracking timeout.
	tr.Sweep(t0.Add(time.Hour))
	if got := tr.Landed(); len(got) != 1 || got[0].ID != 8 {
		t.Fatalf("landed=%+v", got)
	}
	if _, err := tr.Claim(7); !errors.Is(err, ErrNotFound) {
		t.Fatalf("timed out pearl claimable: %v", err)
	}
}

func TestClaim_Idempotent(t *testing.T) {
	tr := New(testConfig())
	land(t, tr, 9, 0, geom.V(2, 0, 2))
	mustObserve(t, tr, obs(10, 0, geom.V(0, 30, 0)))

	if _, err := tr.Claim(10); !errors.Is(err, ErrNotLanded) {
		t.Fatalf("claim in-flight: %v", err)
	}
	lp, err := tr.Claim(9)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if lp.ID != 9 || lp.Pos != geom.V(2, 0, 2) {
		t.Fatalf("claimed=%+v", lp)
	}
	if _, err := tr.Claim(9); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("second claim: %v", err)
	}
	if len(tr.Landed()) != 0 {
		t.Fatalf("claimed pearl must leave the claimable set")
	}

	// Movement samples for the claimed pearl never resurrect it.
	mustObserve(t, tr, obs(9, time.Second, geom.V(2, 0, 2)))
	if len(tr.Landed()) != 0 {
		t.Fatalf("claimed pearl reappeared")
	}

	prev, ok := tr.Despawn(9, t0.Add(2*time.Second))
	if !ok || prev != Landed {
		t.Fatalf("despawn landed: %v %v", prev, ok)
	}
	if tr.Len() != 1 {
		t.Fatalf("len=%d", tr.Len())
	}
}

func TestLanded_SortedByID(t *testing.T) {
	tr := New(testConfig())
	for _, id := range []world.EntityID{30, 10, 20} {
		land(t, tr, id, 0, geom.V(float64(id), 0, 0))
	}
	got := tr.Landed()
	if len(got) != 3 || got[0].ID != 10 || got[1].ID != 20 || got[2].ID != 30 {
		t.Fatalf("landed=%+v", got)
	}
}

func TestObserve_RejectsBadInput(t *testing.T) {
	tr := New(testConfig())
	mustObserve(t, tr, obs(11, time.Second, geom.V(0, 10, 0)))
	mustObserve(t, tr, obs(11, 2*time.Second, geom.V(0, 9, 1)))
	before, _ := tr.Get(11)

	bad := []ingest.Observation{
		obs(11, 3*time.Second, geom.V(math.NaN(), 8, 2)),
		obs(11, 3*time.Second, geom.V(0, math.Inf(-1), 2)),
		obs(11, 2*time.Second, geom.V(0, 8, 2)),
		obs(11, time.Second, geom.V(0, 8, 2)),
		obs(0, 3*time.Second, geom.V(0, 8, 2)),
		{ID: 11, Pos: geom.V(0, 8, 2)},
	}
	nanVel := obs(11, 3*time.Second, geom.V(0, 8, 2))
	nanVel.Vel, nanVel.HasVel = geom.V(0, math.NaN(), 0), true
	bad = append(bad, nanVel)

	for i, o := range bad {
		if err := tr.Observe(o); !errors.Is(err, ErrBadObservation) {
			t.Fatalf("case %d: err=%v", i, err)
		}
	}
	after, _ := tr.Get(11)
	if len(after.Samples) != len(before.Samples) || *after.Predicted != *before.Predicted || !after.LastSeen.Equal(before.LastSeen) {
		t.Fatalf("record changed by rejected input: before=%+v after=%+v", before, after)
	}
}

func TestReusedID_StartsFresh(t *testing.T) {
	tr := New(testConfig())
	land(t, tr, 12, 0, geom.V(4, 0, 4))
	tr.Despawn(12, t0.Add(5*time.Second))

	mustObserve(t, tr, obs(12, 6*time.Second, geom.V(-4, 20, -4)))
	r, ok := tr.Get(12)
	if !ok || r.Status != InFlight || len(r.Samples) != 1 || r.Predicted != nil {
		t.Fatalf("reused id should start a fresh record: %+v", r)
	}
}

func TestPrediction_AtRestAboveGround(t *testing.T) {
	tr := New(testConfig())
	mustObserve(t, tr, obs(13, 0, geom.V(0, 64, 0)))
	mustObserve(t, tr, obs(13, ms(50), geom.V(0, 64, 0)))
	r, _ := tr.Get(13)
	if r.Predicted == nil || *r.Predicted != geom.V(0, 64, 0) {
		t.Fatalf("unchanged sample should predict current position: %+v", r.Predicted)
	}
}

func TestPrediction_BelowGround(t *testing.T) {
	tr := New(testConfig())
	mustObserve(t, tr, obs(14, 0, geom.V(0, 1, 0)))
	mustObserve(t, tr, obs(14, ms(50), geom.V(0, -0.5, 1)))
	r, _ := tr.Get(14)
	if r.Predicted == nil || *r.Predicted != geom.V(0, -0.5, 1) {
		t.Fatalf("below ground should predict current position: %+v", r.Predicted)
	}
}

func TestPrediction_DragShortensFlight(t *testing.T) {
	plain := New(testConfig())
	cfg := testConfig()
	cfg.Drag = 0.4
	dragged := New(cfg)

	for _, tr := range []*Tracker{plain, dragged} {
		mustObserve(t, tr, obs(15, 0, geom.V(0, 10, 0)))
		mustObserve(t, tr, obs(15, ms(100), geom.V(0, 9.95, 0.5)))
	}
	a, _ := plain.Get(15)
	b, _ := dragged.Get(15)
	if a.Predicted == nil || b.Predicted == nil {
		t.Fatalf("missing predictions")
	}
	if b.Predicted.Y != 0 {
		t.Fatalf("integrated landing should sit on the ground: %+v", b.Predicted)
	}
	if !(b.Predicted.Z < a.Predicted.Z) || b.Predicted.Z <= 0.5 {
		t.Fatalf("drag should shorten the throw: plain=%v drag=%v", a.Predicted.Z, b.Predicted.Z)
	}
}

func TestOwner_CarriedToLandedAndTransitions(t *testing.T) {
	tr := New(testConfig())
	var got []Transition
	tr.OnTransition = func(x Transition) { got = append(got, x) }

	first := obs(5, 0, geom.V(2, 0, 2))
	mustObserve(t, tr, first)
	// Owner reported late still sticks to the record.
	o := obs(5, ms(100), geom.V(2, 0, 2))
	o.Owner = "Steve"
	mustObserve(t, tr, o)
	land(t, tr, 5, ms(200), geom.V(2, 0, 2))

	landed := tr.Landed()
	if len(landed) != 1 || landed[0].Owner != "Steve" {
		t.Fatalf("landed=%+v", landed)
	}
	if n := tr.OwnerCount("Steve"); n != 1 {
		t.Fatalf("OwnerCount=%d want 1", n)
	}
	lp, err := tr.Claim(5)
	if err != nil || lp.Owner != "Steve" {
		t.Fatalf("claim=%+v err=%v", lp, err)
	}
	if n := tr.OwnerCount("Steve"); n != 0 {
		t.Fatalf("OwnerCount after claim=%d want 0", n)
	}
	tr.Despawn(5, t0.Add(ms(2000)))

	last := got[len(got)-1]
	if last.Kind != Purged || last.Owner != "Steve" || !last.Claimed {
		t.Fatalf("last transition=%+v", last)
	}
	for _, x := range got[1:] {
		if x.Owner != "Steve" {
			t.Fatalf("transition without owner: %+v", x)
		}
	}
}
