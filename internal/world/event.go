// Package world defines the typed events a world session delivers to an agent.
package world

import (
	"time"

	"pearlbot.ai/internal/geom"
)

// EntityID is the server-assigned entity identifier. Ids may be reused after despawn.
type EntityID int64

type EventKind int

const (
	EntitySpawned EventKind = iota + 1
	EntityMoved
	EntityRemoved
	EntityMetadata
	SelfMoved
	InventoryChanged
)

func (k EventKind) String() string {
	switch k {
	case EntitySpawned:
		return "spawned"
	case EntityMoved:
		return "moved"
	case EntityRemoved:
		return "removed"
	case EntityMetadata:
		return "metadata"
	case SelfMoved:
		return "self_moved"
	case InventoryChanged:
		return "inventory_changed"
	}
	return "unknown"
}

// Event is one observation from the session. Fields not meaningful for a
// kind are left zero: Remove carries no position, InventoryChanged carries
// Item and Delta only.
type Event struct {
	Kind EventKind
	At   time.Time

	ID         EntityID
	EntityKind string
	World      string

	Pos    geom.Vec3
	Vel    geom.Vec3
	HasVel bool
	Owner  string

	Item  string
	Delta int
}
