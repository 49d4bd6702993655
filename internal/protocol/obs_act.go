package protocol

// Entity types the world reports.
const (
	EntityPearl = "PEARL"
	EntityAgent = "AGENT"
	EntityItem  = "ITEM"
)

// Task kinds.
const (
	TaskMoveTo = "MOVE_TO"
	TaskGather = "GATHER"
)

// Event types carried in OBS.events.
const (
	EventTaskDone = "TASK_DONE"
	EventTaskFail = "TASK_FAIL"
	EventPickup   = "PICKUP"
)

type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`
	WorldID         string `json:"world_id,omitempty"`

	Self      SelfObs     `json:"self"`
	Inventory []ItemStack `json:"inventory"`
	Entities  []EntityObs `json:"entities"`
	Events    []Event     `json:"events"`
	Tasks     []TaskObs   `json:"tasks"`
}

type SelfObs struct {
	Pos [3]float64 `json:"pos"`
	HP  int        `json:"hp"`
}

type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type EntityObs struct {
	ID   int64      `json:"id"`
	Type string     `json:"type"`
	Pos  [3]float64 `json:"pos"`

	// Vel is only present when the server knows the entity's motion.
	Vel   *[3]float64 `json:"vel,omitempty"`
	Owner string      `json:"owner,omitempty"`
	Tags  []string    `json:"tags,omitempty"`
}

type Event map[string]interface{}

type TaskObs struct {
	TaskID   string     `json:"task_id"`
	Kind     string     `json:"kind"`
	Progress float64    `json:"progress"`
	Target   [3]float64 `json:"target,omitempty"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string    `json:"type"`
	ProtocolVersion string    `json:"protocol_version"`
	Tick            uint64    `json:"tick"`
	AgentID         string    `json:"agent_id"`
	Tasks           []TaskReq `json:"tasks,omitempty"`
	Cancel          []string  `json:"cancel,omitempty"`
}

type TaskReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Target    [3]float64 `json:"target,omitempty"`
	Tolerance float64    `json:"tolerance,omitempty"`

	TargetID int64 `json:"target_id,omitempty"`
}

// EventString reads a string field from an event, tolerating missing keys.
func EventString(ev Event, key string) string {
	s, _ := ev[key].(string)
	return s
}

// EventInt reads an integral field that may have been decoded as float64.
func EventInt(ev Event, key string) (int64, bool) {
	switch v := ev[key].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	case int:
		return int64(v), true
	}
	return 0, false
}
