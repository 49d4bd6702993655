package simworld

import (
	"math"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/protocol"
)

func (w *World) applyAct(env ActionEnvelope) {
	a := w.agents[env.AgentID]
	if a == nil {
		return
	}
	act := env.Act
	if act.ProtocolVersion != protocol.Version {
		return
	}
	for _, id := range act.Cancel {
		if a.move != nil && a.move.id == id {
			a.move = nil
			a.events = append(a.events, taskFail(id, protocol.ErrCancelled, "cancelled"))
		}
	}
	for _, t := range act.Tasks {
		switch t.Type {
		case protocol.TaskMoveTo:
			w.startMove(a, t)
		case protocol.TaskGather:
			w.gather(a, t)
		default:
			a.events = append(a.events, taskFail(t.ID, protocol.ErrBadRequest, "unknown task type"))
		}
	}
}

func (w *World) startMove(a *agent, t protocol.TaskReq) {
	target := geom.FromArray(t.Target)
	if t.ID == "" || !target.Finite() {
		a.events = append(a.events, taskFail(t.ID, protocol.ErrBadRequest, "bad move target"))
		return
	}
	if math.Hypot(target.X, target.Z) > w.cfg.BoundaryR {
		a.events = append(a.events, taskFail(t.ID, protocol.ErrUnreachable, "outside world boundary"))
		return
	}
	if a.move != nil {
		a.events = append(a.events, taskFail(a.move.id, protocol.ErrConflict, "superseded"))
	}
	tol := t.Tolerance
	if tol <= 0 {
		tol = 1
	}
	a.move = &moveTask{id: t.ID, target: target, tol: tol}
}

func (w *World) gather(a *agent, t protocol.TaskReq) {
	p := w.pearls[t.TargetID]
	switch {
	case p == nil:
		a.events = append(a.events, taskFail(t.ID, protocol.ErrInvalidTarget, "no such entity"))
		return
	case !p.resting:
		a.events = append(a.events, taskFail(t.ID, protocol.ErrBlocked, "entity is moving"))
		return
	case geom.DistXZ(a.pos, p.pos) > w.cfg.PickupRadius:
		a.events = append(a.events, taskFail(t.ID, protocol.ErrBlocked, "too far"))
		return
	}
	delete(w.pearls, p.id)
	a.inv[protocol.EntityPearl]++
	a.events = append(a.events,
		protocol.Event{
			"type":        protocol.EventPickup,
			"entity_id":   p.id,
			"entity_type": protocol.EntityPearl,
			"item":        protocol.EntityPearl,
			"count":       1,
			"owner":       p.owner,
		},
		taskDone(t.ID),
	)
	w.log.Debug().Str("agent_id", a.id).Int64("pearl", p.id).Msg("pearl picked up")
}

func taskDone(id string) protocol.Event {
	return protocol.Event{"type": protocol.EventTaskDone, "task_id": id}
}

func taskFail(id, code, msg string) protocol.Event {
	return protocol.Event{"type": protocol.EventTaskFail, "task_id": id, "code": code, "message": msg}
}
