// Package simworld is a small deterministic world in which pearls get thrown,
// fall and come to rest. It speaks the same OBS/ACT protocol as a real
// server and exists for local runs and end-to-end tests.
package simworld

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/protocol"
)

type JoinRequest struct {
	Name string
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
}

type ActionEnvelope struct {
	AgentID string
	Act     protocol.ActMsg
}

type ThrowRequest struct {
	From  geom.Vec3
	Vel   geom.Vec3
	Owner string
	// Resp, when set, receives the new entity id.
	Resp chan int64
}

type moveTask struct {
	id     string
	target geom.Vec3
	tol    float64
}

type agent struct {
	id       string
	name     string
	entityID int64
	pos      geom.Vec3
	inv      map[string]int
	out      chan []byte
	move     *moveTask
	events   []protocol.Event
}

type pearl struct {
	id      int64
	pos     geom.Vec3
	vel     geom.Vec3
	resting bool
	owner   string
	born    uint64
}

type World struct {
	cfg Config
	log zerolog.Logger

	tick   atomic.Uint64
	joined atomic.Int32
	rng    *rand.Rand

	join  chan JoinRequest
	leave chan string
	inbox chan ActionEnvelope
	throw chan ThrowRequest
	stop  chan struct{}

	agents     map[string]*agent
	pearls     map[int64]*pearl
	nextEntity int64
	nextAgent  int
}

func New(cfg Config, logger zerolog.Logger) *World {
	cfg.applyDefaults()
	return &World{
		cfg:    cfg,
		log:    logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		join:   make(chan JoinRequest, 64),
		leave:  make(chan string, 64),
		inbox:  make(chan ActionEnvelope, 1024),
		throw:  make(chan ThrowRequest, 64),
		stop:   make(chan struct{}),
		agents: map[string]*agent{},
		pearls: map[int64]*pearl{},
	}
}

func (w *World) Join() chan<- JoinRequest     { return w.join }
func (w *World) Leave() chan<- string         { return w.leave }
func (w *World) Inbox() chan<- ActionEnvelope { return w.inbox }
func (w *World) Throw() chan<- ThrowRequest   { return w.throw }

func (w *World) ID() string          { return w.cfg.ID }
func (w *World) CurrentTick() uint64 { return w.tick.Load() }

// AgentCount is the number of connected agents as of the last tick.
func (w *World) AgentCount() int { return int(w.joined.Load()) }

func (w *World) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(w.cfg.TickRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pendingJoins []JoinRequest
	var pendingLeaves []string
	var pendingActions []ActionEnvelope
	var pendingThrows []ThrowRequest

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stop:
			return nil
		case req := <-w.join:
			pendingJoins = append(pendingJoins, req)
		case id := <-w.leave:
			pendingLeaves = append(pendingLeaves, id)
		case env := <-w.inbox:
			pendingActions = append(pendingActions, env)
		case req := <-w.throw:
			pendingThrows = append(pendingThrows, req)
		case <-ticker.C:
			w.step(pendingJoins, pendingLeaves, pendingActions, pendingThrows)
			pendingJoins = pendingJoins[:0]
			pendingLeaves = pendingLeaves[:0]
			pendingActions = pendingActions[:0]
			pendingThrows = pendingThrows[:0]
		}
	}
}

func (w *World) Stop() { close(w.stop) }

// StepOnce advances a single tick with the given inputs. It is meant for
// tests that need exact control over ordering.
func (w *World) StepOnce(joins []JoinRequest, leaves []string, actions []ActionEnvelope, throws []ThrowRequest) uint64 {
	tick := w.tick.Load()
	w.step(joins, leaves, actions, throws)
	return tick
}

func (w *World) step(joins []JoinRequest, leaves []string, actions []ActionEnvelope, throws []ThrowRequest) {
	tick := w.tick.Load()
	for _, req := range joins {
		w.handleJoin(req)
	}
	for _, id := range leaves {
		delete(w.agents, id)
	}
	w.joined.Store(int32(len(w.agents)))
	for _, env := range actions {
		w.applyAct(env)
	}
	for _, req := range throws {
		id := w.spawnPearl(tick, req.From, req.Vel, req.Owner)
		if req.Resp != nil {
			req.Resp <- id
		}
	}
	if n := w.cfg.ThrowEveryTicks; n > 0 && tick > 0 && tick%uint64(n) == 0 {
		w.autoThrow(tick)
	}
	w.stepPearls(tick)
	w.stepMovement()
	w.broadcastObs(tick)
	w.tick.Add(1)
}

func (w *World) handleJoin(req JoinRequest) {
	w.nextAgent++
	w.nextEntity++
	a := &agent{
		id:       fmt.Sprintf("A%d", w.nextAgent),
		name:     req.Name,
		entityID: w.nextEntity,
		pos:      geom.V(0, w.cfg.GroundY, 0),
		inv:      map[string]int{},
		out:      req.Out,
	}
	w.agents[a.id] = a
	w.log.Debug().Str("agent_id", a.id).Str("name", a.name).Msg("agent joined")
	if req.Resp != nil {
		req.Resp <- JoinResponse{Welcome: protocol.WelcomeMsg{
			Type:            protocol.TypeWelcome,
			ProtocolVersion: protocol.Version,
			AgentID:         a.id,
			WorldID:         w.cfg.ID,
			WorldParams: protocol.WorldParams{
				TickRateHz: w.cfg.TickRateHz,
				ObsRadius:  int(w.cfg.ObsRadius),
				Gravity:    w.cfg.Gravity,
				GroundY:    w.cfg.GroundY,
				Seed:       w.cfg.Seed,
			},
		}}
	}
}

func (w *World) autoThrow(tick uint64) {
	r := w.cfg.SpawnRadius
	from := geom.V((w.rng.Float64()*2-1)*r, w.cfg.GroundY+1.6, (w.rng.Float64()*2-1)*r)
	vel := geom.V((w.rng.Float64()*2-1)*6, 4+w.rng.Float64()*6, (w.rng.Float64()*2-1)*6)
	w.spawnPearl(tick, from, vel, "world")
}

func (w *World) spawnPearl(tick uint64, from, vel geom.Vec3, owner string) int64 {
	w.nextEntity++
	p := &pearl{id: w.nextEntity, pos: from, vel: vel, owner: owner, born: tick}
	w.pearls[p.id] = p
	w.log.Debug().Int64("pearl", p.id).Str("owner", owner).Msg("pearl thrown")
	return p.id
}

func (w *World) sortedAgents() []*agent {
	out := make([]*agent, 0, len(w.agents))
	for _, a := range w.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].entityID < out[j].entityID })
	return out
}

func (w *World) broadcastObs(tick uint64) {
	for _, a := range w.sortedAgents() {
		if a.out == nil {
			a.events = nil
			continue
		}
		b, err := json.Marshal(w.buildObs(tick, a))
		if err != nil {
			w.log.Error().Err(err).Str("agent_id", a.id).Msg("marshal obs")
			continue
		}
		// A slow client skips frames; its events carry over to the next one.
		select {
		case a.out <- b:
			a.events = nil
		default:
		}
	}
}
