package simworld

import (
	"sort"

	"pearlbot.ai/internal/geom"
)

func (w *World) stepPearls(tick uint64) {
	dt := 1 / float64(w.cfg.TickRateHz)
	ids := make([]int64, 0, len(w.pearls))
	for id := range w.pearls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		p := w.pearls[id]
		if tick-p.born > uint64(w.cfg.PearlLifetimeTicks) {
			delete(w.pearls, id)
			w.log.Debug().Int64("pearl", id).Msg("pearl expired")
			continue
		}
		if p.resting {
			continue
		}
		p.vel.Y -= w.cfg.Gravity * dt
		if w.cfg.Drag > 0 {
			p.vel = p.vel.Scale(1 - w.cfg.Drag*dt)
		}
		p.pos = p.pos.Add(p.vel.Scale(dt))
		if p.pos.Y <= w.cfg.GroundY {
			p.pos.Y = w.cfg.GroundY
			p.vel = geom.Vec3{}
			p.resting = true
			w.log.Debug().Int64("pearl", id).Float64("x", p.pos.X).Float64("z", p.pos.Z).Msg("pearl landed")
		}
	}
}

func (w *World) stepMovement() {
	step := w.cfg.WalkSpeed / float64(w.cfg.TickRateHz)
	for _, a := range w.sortedAgents() {
		m := a.move
		if m == nil {
			continue
		}
		target := geom.V(m.target.X, w.cfg.GroundY, m.target.Z)
		d := geom.DistXZ(a.pos, target)
		if d <= m.tol {
			a.move = nil
			a.events = append(a.events, taskDone(m.id))
			continue
		}
		if d <= step {
			a.pos = target
		} else {
			a.pos = a.pos.Add(target.Sub(a.pos).Scale(step / d))
			a.pos.Y = w.cfg.GroundY
		}
		if geom.DistXZ(a.pos, target) <= m.tol {
			a.move = nil
			a.events = append(a.events, taskDone(m.id))
		}
	}
}
