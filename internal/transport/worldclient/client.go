// Package worldclient is the agent's websocket session with a world server.
// It turns the OBS stream into typed world events and exposes navigation and
// pickup on top of MOVE_TO and GATHER tasks.
package worldclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/logging"
	"pearlbot.ai/internal/nav"
	"pearlbot.ai/internal/protocol"
	"pearlbot.ai/internal/world"
)

var (
	// ErrHandshake wraps anything that prevents a session from being established.
	ErrHandshake      = errors.New("worldclient: handshake failed")
	ErrClosed         = errors.New("worldclient: session closed")
	ErrNavigationBusy = errors.New("worldclient: navigation already in progress")
)

type Config struct {
	URL      string
	Identity string
	Token    string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	// Tolerance is the MOVE_TO arrival radius in blocks.
	Tolerance float64
	// Validator, when set, rejects OBS frames that do not match the schema.
	Validator *protocol.Validator
	Log       zerolog.Logger
}

type waiter struct {
	taskID string
	ch     chan nav.Outcome
}

type entityState struct {
	kind string
}

type Client struct {
	cfg Config
	log zerolog.Logger
	// obsLog is sampled; a broken server can send an invalid frame per tick.
	obsLog zerolog.Logger
	conn   *websocket.Conn

	writeMu sync.Mutex

	mu       sync.RWMutex
	agentID  string
	worldID  string
	params   protocol.WorldParams
	pos      geom.Vec3
	lastTick uint64
	nav      *waiter
	err      error

	events  chan world.Event
	closing chan struct{}
	done    chan struct{}
	once    sync.Once

	// owned by the read loop
	entities  map[world.EntityID]entityState
	inventory map[string]int
	firstObs  bool
}

// Dial connects and completes the HELLO/WELCOME handshake.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 1.2
	}
	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := d.DialContext(ctx, cfg.URL, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrHandshake, cfg.URL, err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		AgentName:       cfg.Identity,
		Capabilities:    protocol.HelloCapabilities{MaxQueue: 32},
	}
	if cfg.Token != "" {
		hello.Auth = &protocol.HelloAuth{Token: cfg.Token}
	}
	_ = conn.SetWriteDeadline(time.Now().Add(cfg.HandshakeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: hello: %v", ErrHandshake, err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	var welcome protocol.WelcomeMsg
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: waiting for welcome: %v", ErrHandshake, err)
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil || base.Type != protocol.TypeWelcome {
			continue
		}
		if err := json.Unmarshal(msg, &welcome); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: welcome: %v", ErrHandshake, err)
		}
		if !protocol.IsSupportedVersion(welcome.ProtocolVersion) {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: unsupported protocol_version %q", ErrHandshake, welcome.ProtocolVersion)
		}
		break
	}

	c := &Client{
		cfg:       cfg,
		log:       cfg.Log,
		obsLog:    logging.Sampled(cfg.Log, 3, time.Minute),
		conn:      conn,
		agentID:   welcome.AgentID,
		worldID:   welcome.WorldID,
		params:    welcome.WorldParams,
		events:    make(chan world.Event, 256),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
		entities:  map[world.EntityID]entityState{},
		inventory: map[string]int{},
		firstObs:  true,
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) AgentID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

func (c *Client) WorldID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.worldID
}

// WorldParams returns the static parameters announced in WELCOME.
func (c *Client) WorldParams() protocol.WorldParams {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.params
}

// Events is closed when the connection ends; Err then reports why.
func (c *Client) Events() <-chan world.Event { return c.events }

func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

func (c *Client) CurrentPosition() geom.Vec3 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pos
}

// NavigateTo walks to pos and blocks until the server reports the task
// finished or ctx is cancelled. Only one navigation may be outstanding.
func (c *Client) NavigateTo(ctx context.Context, pos geom.Vec3) (nav.Outcome, error) {
	w := &waiter{taskID: "K_" + uuid.NewString(), ch: make(chan nav.Outcome, 1)}
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nav.Aborted, ErrClosed
	}
	if c.nav != nil {
		c.mu.Unlock()
		return 0, ErrNavigationBusy
	}
	c.nav = w
	c.mu.Unlock()
	defer c.clearNav(w)

	task := protocol.TaskReq{ID: w.taskID, Type: protocol.TaskMoveTo, Target: pos.ToArray(), Tolerance: c.cfg.Tolerance}
	if err := c.act([]protocol.TaskReq{task}, nil); err != nil {
		return nav.Aborted, err
	}

	select {
	case out := <-w.ch:
		return out, nil
	case <-ctx.Done():
		if err := c.act(nil, []string{w.taskID}); err != nil {
			c.log.Debug().Err(err).Str("task_id", w.taskID).Msg("cancel move")
		}
		return nav.Aborted, nil
	case <-c.done:
		return nav.Aborted, ErrClosed
	}
}

// PickUp asks the server to gather the entity. Completion shows up as an
// inventory change or the entity's removal.
func (c *Client) PickUp(ctx context.Context, id world.EntityID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	task := protocol.TaskReq{ID: "K_" + uuid.NewString(), Type: protocol.TaskGather, TargetID: int64(id)}
	return c.act([]protocol.TaskReq{task}, nil)
}

// Close ends the session and waits for the read loop to exit.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.closing)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = c.conn.Close()
	})
	<-c.done
	return nil
}

func (c *Client) clearNav(w *waiter) {
	c.mu.Lock()
	if c.nav == w {
		c.nav = nil
	}
	c.mu.Unlock()
}

func (c *Client) act(tasks []protocol.TaskReq, cancel []string) error {
	c.mu.RLock()
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            c.lastTick,
		AgentID:         c.agentID,
		Tasks:           tasks,
		Cancel:          cancel,
	}
	closed := c.err != nil
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	b, err := json.Marshal(act)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write act: %w", err)
	}
	return nil
}

func (c *Client) readLoop() {
	var err error
	defer func() {
		select {
		case <-c.closing:
			err = ErrClosed
		default:
		}
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		close(c.events)
		close(c.done)
	}()

	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, msg, rerr := c.conn.ReadMessage()
		if rerr != nil {
			err = fmt.Errorf("read: %w", rerr)
			return
		}
		base, derr := protocol.DecodeBase(msg)
		if derr != nil || base.Type != protocol.TypeObs {
			continue
		}
		if c.cfg.Validator != nil {
			if verr := c.cfg.Validator.Validate(protocol.TypeObs, msg); verr != nil {
				c.obsLog.Debug().Err(verr).Msg("dropping invalid obs")
				continue
			}
		}
		var o protocol.ObsMsg
		if jerr := json.Unmarshal(msg, &o); jerr != nil {
			c.log.Debug().Err(jerr).Msg("dropping undecodable obs")
			continue
		}
		if !c.handleObs(o, time.Now()) {
			err = ErrClosed
			return
		}
	}
}

// handleObs diffs one frame against the previous one. It returns false if
// the client is closing.
func (c *Client) handleObs(o protocol.ObsMsg, now time.Time) bool {
	self := geom.FromArray(o.Self.Pos)
	c.mu.Lock()
	moved := c.firstObs || self != c.pos || (o.WorldID != "" && o.WorldID != c.worldID)
	c.pos = self
	c.lastTick = o.Tick
	if o.WorldID != "" {
		c.worldID = o.WorldID
	}
	worldID := c.worldID
	c.mu.Unlock()

	var out []world.Event
	if moved {
		out = append(out, world.Event{Kind: world.SelfMoved, At: now, World: worldID, Pos: self})
	}

	seen := make(map[world.EntityID]struct{}, len(o.Entities))
	for _, e := range o.Entities {
		id := world.EntityID(e.ID)
		seen[id] = struct{}{}
		ev := world.Event{
			Kind:       world.EntityMoved,
			At:         now,
			ID:         id,
			EntityKind: e.Type,
			World:      worldID,
			Pos:        geom.FromArray(e.Pos),
			Owner:      e.Owner,
		}
		if e.Vel != nil {
			ev.Vel, ev.HasVel = geom.FromArray(*e.Vel), true
		}
		if prev, ok := c.entities[id]; !ok || prev.kind != e.Type {
			if ok {
				out = append(out, world.Event{Kind: world.EntityRemoved, At: now, ID: id, EntityKind: prev.kind, World: worldID})
			}
			ev.Kind = world.EntitySpawned
		}
		c.entities[id] = entityState{kind: e.Type}
		out = append(out, ev)
	}
	for id, st := range c.entities {
		if _, ok := seen[id]; !ok {
			delete(c.entities, id)
			out = append(out, world.Event{Kind: world.EntityRemoved, At: now, ID: id, EntityKind: st.kind, World: worldID})
		}
	}

	counts := map[string]int{}
	for _, st := range o.Inventory {
		counts[st.Item] += st.Count
	}
	if !c.firstObs {
		for item, n := range counts {
			if d := n - c.inventory[item]; d != 0 {
				out = append(out, world.Event{Kind: world.InventoryChanged, At: now, World: worldID, Item: item, Delta: d})
			}
		}
		for item, n := range c.inventory {
			if _, ok := counts[item]; !ok {
				out = append(out, world.Event{Kind: world.InventoryChanged, At: now, World: worldID, Item: item, Delta: -n})
			}
		}
	}
	c.inventory = counts
	c.firstObs = false

	for _, e := range o.Events {
		switch protocol.EventString(e, "type") {
		case protocol.EventTaskDone:
			c.finishTask(protocol.EventString(e, "task_id"), nav.Arrived)
		case protocol.EventTaskFail:
			c.log.Debug().
				Str("task_id", protocol.EventString(e, "task_id")).
				Str("code", protocol.EventString(e, "code")).
				Msg("task failed")
			res := nav.Unreachable
			if protocol.EventString(e, "code") == protocol.ErrCancelled {
				res = nav.Aborted
			}
			c.finishTask(protocol.EventString(e, "task_id"), res)
		case protocol.EventPickup:
			id, _ := protocol.EventInt(e, "entity_id")
			n, ok := protocol.EventInt(e, "count")
			if !ok {
				n = 1
			}
			out = append(out, world.Event{
				Kind:       world.InventoryChanged,
				At:         now,
				ID:         world.EntityID(id),
				EntityKind: protocol.EventString(e, "entity_type"),
				World:      worldID,
				Item:       protocol.EventString(e, "item"),
				Delta:      int(n),
			})
		}
	}

	for _, ev := range out {
		select {
		case c.events <- ev:
		case <-c.closing:
			return false
		}
	}
	return true
}

func (c *Client) finishTask(taskID string, out nav.Outcome) {
	if taskID == "" {
		return
	}
	c.mu.RLock()
	w := c.nav
	c.mu.RUnlock()
	if w == nil || w.taskID != taskID {
		return
	}
	select {
	case w.ch <- out:
	default:
	}
}
