package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"pearlbot.ai/internal/geom"
	"pearlbot.ai/internal/logging"
	"pearlbot.ai/internal/protocol"
	"pearlbot.ai/internal/simworld"
	"pearlbot.ai/internal/transport/ws"
)

func main() {
	var (
		addr           = flag.String("addr", ":8080", "http listen address")
		worldID        = flag.String("world", "OVERWORLD", "world id")
		seed           = flag.Int64("seed", 1337, "world seed")
		tickRate       = flag.Int("tick_rate", 20, "ticks per second")
		gravity        = flag.Float64("gravity", 12, "pearl gravity (blocks/s^2)")
		drag           = flag.Float64("drag", 0, "linear drag coefficient (1/s)")
		groundY        = flag.Float64("ground_y", 0, "ground plane height")
		reportVelocity = flag.Bool("report_velocity", false, "include pearl velocity in OBS")
		throwEvery     = flag.Int("throw_every", 0, "throw a pearl every N ticks (0 disables)")
		validate       = flag.Bool("validate", false, "validate ACT frames against the protocol schema")
		logLevel       = flag.String("log_level", "info", "trace|debug|info|warn|error")
	)
	flag.Parse()

	logger := logging.New(logging.Options{Level: *logLevel, Component: "pearlsim"})

	w := simworld.New(simworld.Config{
		ID:              *worldID,
		TickRateHz:      *tickRate,
		Seed:            *seed,
		Gravity:         *gravity,
		Drag:            *drag,
		GroundY:         *groundY,
		ReportVelocity:  *reportVelocity,
		ThrowEveryTicks: *throwEvery,
	}, logger.With().Str("world", *worldID).Logger())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("world loop stopped")
		}
	}()

	wsSrv := ws.NewServer(w, logger.With().Str("component", "ws").Logger())
	if *validate {
		v, err := protocol.NewValidator()
		if err != nil {
			logger.Fatal().Err(err).Msg("compile schemas")
		}
		wsSrv.Validator = v
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/ws", wsSrv.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "world_id": w.ID(), "tick": w.CurrentTick()})
	})
	mux.HandleFunc("/admin/v1/throw", throwHandler(w, logger))

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info().Str("addr", *addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("ListenAndServe")
		os.Exit(1)
	}
}

type throwBody struct {
	From  [3]float64 `json:"from"`
	Vel   [3]float64 `json:"vel"`
	Owner string     `json:"owner,omitempty"`
}

// throwHandler spawns a pearl on request, for driving bots by hand.
func throwHandler(w *simworld.World, logger zerolog.Logger) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body throwBody
		if err := json.NewDecoder(http.MaxBytesReader(rw, r.Body, 4096)).Decode(&body); err != nil {
			http.Error(rw, err.Error(), http.StatusBadRequest)
			return
		}
		from, vel := geom.FromArray(body.From), geom.FromArray(body.Vel)
		if !from.Finite() || !vel.Finite() {
			http.Error(rw, "non-finite vector", http.StatusBadRequest)
			return
		}
		resp := make(chan int64, 1)
		select {
		case w.Throw() <- simworld.ThrowRequest{From: from, Vel: vel, Owner: body.Owner, Resp: resp}:
		case <-r.Context().Done():
			return
		}
		select {
		case id := <-resp:
			logger.Info().Int64("pearl", id).Msg("pearl thrown")
			rw.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "entity_id": id})
		case <-time.After(5 * time.Second):
			http.Error(rw, "world did not respond", http.StatusServiceUnavailable)
		case <-r.Context().Done():
		}
	}
}
