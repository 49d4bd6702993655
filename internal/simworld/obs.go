package simworld

import (
	"sort"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/protocol"
)

func (w *World) buildObs(tick uint64, a *agent) protocol.ObsMsg {
	o := protocol.ObsMsg{
		Type:            protocol.TypeObs,
		ProtocolVersion: protocol.Version,
		Tick:            tick,
		AgentID:         a.id,
		WorldID:         w.cfg.ID,
		Self:            protocol.SelfObs{Pos: a.pos.ToArray(), HP: 20},
		Inventory:       []protocol.ItemStack{},
		Entities:        []protocol.EntityObs{},
		Events:          a.events,
		Tasks:           []protocol.TaskObs{},
	}
	if o.Events == nil {
		o.Events = []protocol.Event{}
	}

	items := make([]string, 0, len(a.inv))
	for it, n := range a.inv {
		if n > 0 {
			items = append(items, it)
		}
	}
	sort.Strings(items)
	for _, it := range items {
		o.Inventory = append(o.Inventory, protocol.ItemStack{Item: it, Count: a.inv[it]})
	}

	for _, other := range w.sortedAgents() {
		if other == a || geom.Dist(a.pos, other.pos) > w.cfg.ObsRadius {
			continue
		}
		o.Entities = append(o.Entities, protocol.EntityObs{
			ID:   other.entityID,
			Type: protocol.EntityAgent,
			Pos:  other.pos.ToArray(),
			Tags: []string{other.name},
		})
	}

	ids := make([]int64, 0, len(w.pearls))
	for id := range w.pearls {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		p := w.pearls[id]
		if geom.Dist(a.pos, p.pos) > w.cfg.ObsRadius {
			continue
		}
		e := protocol.EntityObs{ID: p.id, Type: protocol.EntityPearl, Pos: p.pos.ToArray(), Owner: p.owner}
		if w.cfg.ReportVelocity {
			v := p.vel.ToArray()
			e.Vel = &v
		}
		o.Entities = append(o.Entities, e)
	}

	if m := a.move; m != nil {
		o.Tasks = append(o.Tasks, protocol.TaskObs{TaskID: m.id, Kind: protocol.TaskMoveTo, Target: m.target.ToArray()})
	}
	return o
}
