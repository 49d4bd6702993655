package ws_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/nav"
	"pearlbot.ai/internal/protocol"
	"pearlbot.ai/internal/simworld"
	"pearlbot.ai/internal/transport/worldclient"
	"pearlbot.ai/internal/transport/ws"
	"pearlbot.ai/internal/world"
)

func TestServer_EndToEnd(t *testing.T) {
	w := simworld.New(simworld.Config{TickRateHz: 50, Gravity: 10, WalkSpeed: 20}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	v, err := protocol.NewValidator()
	if err != nil {
		t.Fatalf("validator: %v", err)
	}
	srv := ws.NewServer(w, zerolog.Nop())
	srv.Validator = v
	hs := httptest.NewServer(srv.Handler())
	defer hs.Close()

	c, err := worldclient.Dial(ctx, worldclient.Config{
		URL:       "ws" + strings.TrimPrefix(hs.URL, "http"),
		Identity:  "bot0",
		Validator: v,
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	if c.AgentID() == "" || c.WorldID() != "OVERWORLD" {
		t.Fatalf("welcome: %q %q", c.AgentID(), c.WorldID())
	}

	w.Throw() <- simworld.ThrowRequest{From: geom.V(0, 5, 0), Vel: geom.V(0, 0, 2), Owner: "alice"}
	deadline := time.After(5 * time.Second)
	var landedAt geom.Vec3
	for landedAt == (geom.Vec3{}) {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				t.Fatalf("events closed: %v", c.Err())
			}
			if ev.EntityKind == protocol.EntityPearl && ev.Kind == world.EntityMoved && ev.Pos.Y == 0 {
				landedAt = ev.Pos
			}
		case <-deadline:
			t.Fatalf("pearl never reached the ground")
		}
	}

	go func() {
		for range c.Events() {
		}
	}()
	out, err := c.NavigateTo(ctx, landedAt)
	if err != nil || out != nav.Arrived {
		t.Fatalf("navigate: %v %v", out, err)
	}
	if geom.DistXZ(c.CurrentPosition(), landedAt) > 1.5 {
		t.Fatalf("stopped at %+v, pearl at %+v", c.CurrentPosition(), landedAt)
	}
}
