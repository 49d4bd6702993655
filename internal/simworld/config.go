package simworld

type Config struct {
	ID         string
	TickRateHz int
	ObsRadius  float64
	Seed       int64

	Gravity float64
	Drag    float64
	GroundY float64
	// ReportVelocity includes pearl velocity in OBS; otherwise clients
	// have to difference positions.
	ReportVelocity bool

	WalkSpeed          float64
	BoundaryR          float64
	PickupRadius       float64
	PearlLifetimeTicks int

	// ThrowEveryTicks > 0 makes the world throw a pearl on its own at that
	// interval, from a random spot within SpawnRadius of the origin.
	ThrowEveryTicks int
	SpawnRadius     float64
}

func (c *Config) applyDefaults() {
	if c.ID == "" {
		c.ID = "OVERWORLD"
	}
	if c.TickRateHz <= 0 {
		c.TickRateHz = 20
	}
	if c.ObsRadius <= 0 {
		c.ObsRadius = 64
	}
	if c.Gravity <= 0 {
		c.Gravity = 12
	}
	if c.WalkSpeed <= 0 {
		c.WalkSpeed = 4.3
	}
	if c.BoundaryR <= 0 {
		c.BoundaryR = 256
	}
	if c.PickupRadius <= 0 {
		c.PickupRadius = 1.5
	}
	if c.PearlLifetimeTicks <= 0 {
		c.PearlLifetimeTicks = 6000
	}
	if c.SpawnRadius <= 0 {
		c.SpawnRadius = 16
	}
}
