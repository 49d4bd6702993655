package protocol_test

import (
	"encoding/json"
	"testing"

	"pearlbot.ai/internal/protocol"
)

func TestSchemas_ValidateSamples(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}

	samples := map[string]string{
		protocol.TypeHello: `{
		  "type":"HELLO",
		  "protocol_version":"1.0",
		  "agent_name":"bot1",
		  "capabilities":{"max_queue":8}
		}`,
		protocol.TypeWelcome: `{
		  "type":"WELCOME",
		  "protocol_version":"1.0",
		  "agent_id":"A1",
		  "world_id":"OVERWORLD",
		  "world_params":{"tick_rate_hz":20,"obs_radius":64,"gravity":10,"ground_y":0,"seed":1337}
		}`,
		protocol.TypeObs: `{
		  "type":"OBS",
		  "protocol_version":"1.0",
		  "tick":3,
		  "agent_id":"A1",
		  "world_id":"OVERWORLD",
		  "self":{"pos":[0.5,0,0.5],"hp":20},
		  "inventory":[{"item":"PEARL","count":1}],
		  "entities":[{"id":42,"type":"PEARL","pos":[1,9.5,2],"vel":[0,-1,5],"owner":"alice"}],
		  "events":[{"type":"TASK_DONE","task_id":"K1","kind":"MOVE_TO"}],
		  "tasks":[]
		}`,
		protocol.TypeAct: `{
		  "type":"ACT",
		  "protocol_version":"1.0",
		  "tick":3,
		  "agent_id":"A1",
		  "tasks":[{"id":"K1","type":"MOVE_TO","target":[1,0,7],"tolerance":1.2},{"id":"K2","type":"GATHER","target_id":42}],
		  "cancel":[]
		}`,
	}
	for typ, sample := range samples {
		if err := v.Validate(typ, []byte(sample)); err != nil {
			t.Fatalf("validate %s: %v", typ, err)
		}
	}
}

func TestSchemas_RejectBadObs(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	bad := `{"type":"OBS","protocol_version":"1.0","tick":1,"agent_id":"A1","self":{"pos":[0,0]},"entities":[]}`
	if err := v.Validate(protocol.TypeObs, []byte(bad)); err == nil {
		t.Fatalf("expected short self.pos to be rejected")
	}
	bad = `{"type":"OBS","protocol_version":"1.0","tick":1,"agent_id":"A1","self":{"pos":[0,0,0]},"entities":[{"id":0,"type":"PEARL","pos":[0,0,0]}]}`
	if err := v.Validate(protocol.TypeObs, []byte(bad)); err == nil {
		t.Fatalf("expected entity id 0 to be rejected")
	}
}

func TestSchemas_MarshaledActValidates(t *testing.T) {
	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	act := protocol.ActMsg{
		Type:            protocol.TypeAct,
		ProtocolVersion: protocol.Version,
		Tick:            9,
		AgentID:         "A1",
		Tasks:           []protocol.TaskReq{{ID: "K9", Type: protocol.TaskGather, TargetID: 7}},
	}
	b, _ := json.Marshal(act)
	if err := v.Validate(protocol.TypeAct, b); err != nil {
		t.Fatalf("validate act: %v", err)
	}
}
