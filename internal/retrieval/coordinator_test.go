package retrieval

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/nav"
	"pearlbot.ai/internal/tracker"
	"pearlbot.ai/internal/world"
)

var t0 = time.Unix(1700000000, 0)

// fakeSource keeps reporting its pearls as landed even after a claim, which
// is what a stale view of the world looks like.
type fakeSource struct {
	mu      sync.Mutex
	pearls  []tracker.LandedPearl
	claimed []world.EntityID
	refuse  map[world.EntityID]bool
}

func (s *fakeSource) Landed() []tracker.LandedPearl {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tracker.LandedPearl(nil), s.pearls...)
}

func (s *fakeSource) Claim(id world.EntityID) (tracker.LandedPearl, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed = append(s.claimed, id)
	if s.refuse[id] {
		return tracker.LandedPearl{}, tracker.ErrAlreadyClaimed
	}
	for _, lp := range s.pearls {
		if lp.ID == id {
			return lp, nil
		}
	}
	return tracker.LandedPearl{}, tracker.ErrNotFound
}

func (s *fakeSource) claims() []world.EntityID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]world.EntityID(nil), s.claimed...)
}

type navCall struct {
	pos     geom.Vec3
	claimed []world.EntityID
}

type fakeNav struct {
	src     *fakeSource
	pos     geom.Vec3
	calls   chan navCall
	outcome chan nav.Outcome
	picked  chan world.EntityID
}

func newFakeNav(src *fakeSource) *fakeNav {
	return &fakeNav{
		src:     src,
		calls:   make(chan navCall, 8),
		outcome: make(chan nav.Outcome, 1),
		picked:  make(chan world.EntityID, 8),
	}
}

func (f *fakeNav) NavigateTo(ctx context.Context, pos geom.Vec3) (nav.Outcome, error) {
	f.calls <- navCall{pos: pos, claimed: f.src.claims()}
	select {
	case o := <-f.outcome:
		return o, nil
	case <-ctx.Done():
		return nav.Aborted, nil
	}
}

func (f *fakeNav) CurrentPosition() geom.Vec3 { return f.pos }

func (f *fakeNav) PickUp(ctx context.Context, id world.EntityID) error {
	f.picked <- id
	return nil
}

type fakeLedger struct {
	mu       sync.Mutex
	deny     map[string]bool
	released []string
}

func (l *fakeLedger) Release(ctx context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, key)
	return nil
}

func (l *fakeLedger) Holder(ctx context.Context, key string) (string, error) {
	if l.deny[key] {
		return "bot9", nil
	}
	return "", nil
}

func (l *fakeLedger) TryClaim(ctx context.Context, key, holder string) (bool, error) {
	if l.deny[key] {
		return false, nil
	}
	return true, nil
}

func pearls() []tracker.LandedPearl {
	return []tracker.LandedPearl{
		{ID: 1, World: "OVERWORLD", Pos: geom.V(10, 0, 0)},
		{ID: 2, World: "OVERWORLD", Pos: geom.V(3, 0, 0)},
		{ID: 3, World: "OVERWORLD", Pos: geom.V(0, 0, 3)},
	}
}

func waitCall(t *testing.T, n *fakeNav) navCall {
	t.Helper()
	select {
	case c := <-n.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("navigation was not requested")
	}
	return navCall{}
}

func waitResult(t *testing.T, c *Coordinator) NavResult {
	t.Helper()
	select {
	case r := <-c.Results():
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("no navigation result")
	}
	return NavResult{}
}

func setup(t *testing.T, opts ...Option) (*Coordinator, *fakeSource, *fakeNav) {
	t.Helper()
	src := &fakeSource{pearls: pearls()}
	n := newFakeNav(src)
	c := New(Config{Identity: "bot0"}, src, n, opts...)
	t.Cleanup(c.Stop)
	return c, src, n
}

func TestPoll_ClaimsNearestBeforeTravel(t *testing.T) {
	c, src, n := setup(t)
	c.Poll(context.Background(), t0)

	call := waitCall(t, n)
	if len(call.claimed) != 1 || call.claimed[0] != 2 {
		t.Fatalf("claim must precede movement, claimed at call=%v", call.claimed)
	}
	if call.pos != geom.V(3, 0, 0) {
		t.Fatalf("navigating to %+v", call.pos)
	}
	st := c.State()
	if st.Mode != Travelling || st.Target == nil || st.Target.ID != 2 || st.Identity != "bot0" {
		t.Fatalf("state=%+v", st)
	}

	// No second navigation while one is outstanding.
	c.Poll(context.Background(), t0.Add(100*time.Millisecond))
	select {
	case extra := <-n.calls:
		t.Fatalf("unexpected second navigation: %+v", extra)
	default:
	}
	if got := src.claims(); len(got) != 1 {
		t.Fatalf("claims=%v", got)
	}
}

func TestPoll_TieBreaksOnLowerID(t *testing.T) {
	src := &fakeSource{pearls: []tracker.LandedPearl{
		{ID: 8, Pos: geom.V(0, 0, 5)},
		{ID: 4, Pos: geom.V(5, 0, 0)},
	}}
	n := newFakeNav(src)
	c := New(Config{}, src, n)
	defer c.Stop()

	c.Poll(context.Background(), t0)
	waitCall(t, n)
	if st := c.State(); st.Target == nil || st.Target.ID != 4 {
		t.Fatalf("state=%+v", st)
	}
}

func TestArrived_CollectsUntilDespawn(t *testing.T) {
	c, _, n := setup(t)
	ctx := context.Background()
	var seen []Transition
	c.OnTransition = func(tr Transition) { seen = append(seen, tr) }

	c.Poll(ctx, t0)
	waitCall(t, n)
	n.outcome <- nav.Arrived
	c.OnNavResult(ctx, waitResult(t, c))
	if c.State().Mode != Collecting {
		t.Fatalf("mode=%v", c.State().Mode)
	}
	select {
	case id := <-n.picked:
		if id != 2 {
			t.Fatalf("picked %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("pickup was not requested")
	}

	c.OnDespawn(1)
	if c.State().Mode != Collecting {
		t.Fatalf("unrelated despawn must not end collection")
	}
	c.OnDespawn(2)
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
	reasons := []string{}
	for _, s := range seen {
		reasons = append(reasons, s.Reason)
	}
	want := []string{"claimed", "arrived", "picked_up"}
	if len(reasons) != len(want) {
		t.Fatalf("reasons=%v", reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("reasons=%v", reasons)
		}
	}
}

func TestArrived_InventoryPickup(t *testing.T) {
	c, _, n := setup(t)
	ctx := context.Background()
	c.Poll(ctx, t0)
	waitCall(t, n)
	n.outcome <- nav.Arrived
	c.OnNavResult(ctx, waitResult(t, c))

	c.OnPickup(0)
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
}

func TestCollect_TimesOut(t *testing.T) {
	c, _, n := setup(t)
	ctx := context.Background()
	c.Poll(ctx, t0)
	waitCall(t, n)
	n.outcome <- nav.Arrived
	c.OnNavResult(ctx, waitResult(t, c))

	c.Poll(ctx, t0.Add(time.Second))
	c.Poll(ctx, t0.Add(5*time.Second))
	if c.State().Mode != Collecting {
		t.Fatalf("timeout fired early")
	}
	c.Poll(ctx, t0.Add(6*time.Second))
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
}

func TestUnreachable_NotReselected(t *testing.T) {
	c, src, n := setup(t)
	ctx := context.Background()
	c.Poll(ctx, t0)
	waitCall(t, n)
	n.outcome <- nav.Unreachable
	c.OnNavResult(ctx, waitResult(t, c))
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}

	// Pearl 2 is still reported landed and unclaimed, yet the next poll
	// goes for the next nearest one.
	c.Poll(ctx, t0.Add(100*time.Millisecond))
	call := waitCall(t, n)
	if call.pos != geom.V(0, 0, 3) {
		t.Fatalf("reselected abandoned target: %+v", call.pos)
	}
	if got := src.claims(); len(got) != 2 || got[1] != 3 {
		t.Fatalf("claims=%v", got)
	}
}

func TestUnreachable_OnlyTargetStaysIdle(t *testing.T) {
	src := &fakeSource{pearls: []tracker.LandedPearl{{ID: 5, Pos: geom.V(1, 0, 1)}}}
	n := newFakeNav(src)
	c := New(Config{}, src, n)
	defer c.Stop()
	ctx := context.Background()

	c.Poll(ctx, t0)
	waitCall(t, n)
	n.outcome <- nav.Aborted
	c.OnNavResult(ctx, waitResult(t, c))

	c.Poll(ctx, t0.Add(100*time.Millisecond))
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
	select {
	case call := <-n.calls:
		t.Fatalf("abandoned pearl retried: %+v", call)
	case <-time.After(50 * time.Millisecond):
	}

	// Once the id despawns and comes back it is fair game again.
	c.OnDespawn(5)
	c.Poll(ctx, t0.Add(200*time.Millisecond))
	waitCall(t, n)
}

func TestDespawnWhileTravelling(t *testing.T) {
	c, _, n := setup(t)
	ctx := context.Background()
	c.Poll(ctx, t0)
	waitCall(t, n)

	c.OnDespawn(2)
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
	// The cancelled request reports Aborted, which no longer applies.
	r := waitResult(t, c)
	if r.Outcome != nav.Aborted {
		t.Fatalf("outcome=%v", r.Outcome)
	}
	c.OnNavResult(ctx, r)
	if c.State().Mode != Idle {
		t.Fatalf("stale result changed mode to %v", c.State().Mode)
	}
}

func TestNavigation_TimesOut(t *testing.T) {
	c, _, n := setup(t)
	ctx := context.Background()
	c.Poll(ctx, t0)
	waitCall(t, n)

	c.Poll(ctx, t0.Add(100*time.Millisecond))
	c.Poll(ctx, t0.Add(30*time.Second))
	if c.State().Mode != Travelling {
		t.Fatalf("timed out early")
	}
	c.Poll(ctx, t0.Add(61*time.Second))
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
	if r := waitResult(t, c); r.Outcome != nav.Aborted {
		t.Fatalf("cancelled navigation reported %v", r.Outcome)
	}
}

func TestNavigation_ErrorAbandons(t *testing.T) {
	src := &fakeSource{pearls: []tracker.LandedPearl{{ID: 6, Pos: geom.V(1, 0, 1)}}}
	n := newFakeNav(src)
	c := New(Config{}, src, n)
	defer c.Stop()
	ctx := context.Background()

	c.Poll(ctx, t0)
	waitCall(t, n)
	n.outcome <- nav.Arrived
	r := waitResult(t, c)
	r.Err = errors.New("connection closed")
	c.OnNavResult(ctx, r)
	if c.State().Mode != Idle {
		t.Fatalf("mode=%v", c.State().Mode)
	}
	c.Poll(ctx, t0.Add(time.Second))
	if c.State().Mode != Idle {
		t.Fatalf("failed target reselected")
	}
}

func TestLedger_SkipsPearlsHeldElsewhere(t *testing.T) {
	led := &fakeLedger{deny: map[string]bool{"OVERWORLD/2": true}}
	c, src, n := setup(t, WithLedger(led))
	c.Poll(context.Background(), t0)
	call := waitCall(t, n)
	if call.pos != geom.V(0, 0, 3) {
		t.Fatalf("went for %+v", call.pos)
	}
	if got := src.claims(); len(got) != 1 || got[0] != 3 {
		t.Fatalf("local claim taken for a pearl held elsewhere: %v", got)
	}
}

func TestStop_CancelsNavigation(t *testing.T) {
	src := &fakeSource{pearls: pearls()}
	n := newFakeNav(src)
	c := New(Config{}, src, n)
	c.Poll(context.Background(), t0)
	waitCall(t, n)
	c.Stop()
	c.Stop()
	select {
	case <-c.done:
	default:
		t.Fatalf("done not closed")
	}
}

func TestLedger_ReleasedWhenLocalClaimFails(t *testing.T) {
	led := &fakeLedger{}
	src := &fakeSource{pearls: pearls(), refuse: map[world.EntityID]bool{2: true}}
	n := newFakeNav(src)
	c := New(Config{Identity: "bot0"}, src, n, WithLedger(led))
	t.Cleanup(c.Stop)

	c.Poll(context.Background(), t0)
	call := waitCall(t, n)
	if call.pos != geom.V(0, 0, 3) {
		t.Fatalf("went for %+v, want the next nearest pearl", call.pos)
	}
	led.mu.Lock()
	defer led.mu.Unlock()
	if len(led.released) != 1 || led.released[0] != "OVERWORLD/2" {
		t.Fatalf("released=%v want [OVERWORLD/2]", led.released)
	}
}

func TestTransition_CarriesOwner(t *testing.T) {
	src := &fakeSource{pearls: []tracker.LandedPearl{{ID: 9, World: "OVERWORLD", Owner: "Steve", Pos: geom.V(1, 0, 0)}}}
	n := newFakeNav(src)
	c := New(Config{Identity: "bot0"}, src, n)
	t.Cleanup(c.Stop)
	var got []Transition
	c.OnTransition = func(tr Transition) { got = append(got, tr) }

	c.Poll(context.Background(), t0)
	waitCall(t, n)
	if len(got) != 1 || got[0].Owner != "Steve" || got[0].Target != 9 {
		t.Fatalf("transitions=%+v", got)
	}
}

func TestLedger_LogsOtherHolder(t *testing.T) {
	var buf bytes.Buffer
	led := &fakeLedger{deny: map[string]bool{"OVERWORLD/2": true}}
	c, _, n := setup(t, WithLedger(led), WithLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)))
	c.Poll(context.Background(), t0)
	waitCall(t, n)
	if !strings.Contains(buf.String(), `"holder":"bot9"`) {
		t.Fatalf("log=%s", buf.String())
	}
}
