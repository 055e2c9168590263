// Command derms-controller is the feeder-level closed-loop dispatch
// process: it ingests telemetry over MQTT and runs the periodic control
// cycle that publishes setpoints. Components are constructed and
// started in dependency order from plain os.Getenv config, one process
// per instance. No HTTP listener is started here — the admin/dashboard
// surface is an external collaborator; internal/metrics.Handler and
// internal/feed.Hub expose the values that collaborator would mount.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ceh6514/derms-feeder-controller/internal/admission"
	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/control"
	"github.com/ceh6514/derms-feeder-controller/internal/decision"
	"github.com/ceh6514/derms-feeder-controller/internal/feed"
	"github.com/ceh6514/derms-feeder-controller/internal/readiness"
	"github.com/ceh6514/derms-feeder-controller/internal/repo/postgres"
	"github.com/ceh6514/derms-feeder-controller/internal/repo/redisdedup"
	"github.com/ceh6514/derms-feeder-controller/internal/safety"
	"github.com/ceh6514/derms-feeder-controller/internal/telemetry"
	"github.com/ceh6514/derms-feeder-controller/internal/transport"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds)
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbURL := envOr("DATABASE_URL", "postgres://localhost:5432/derms?sslmode=disable")
	store, err := postgres.New(ctx, dbURL)
	if err != nil {
		logger.Fatalf("[main] postgres connect failed: %v", err)
	}

	reg := readiness.New()
	reg.SetDB(true, "")

	policy := safety.PolicyFromConfig(cfg)
	safetyState := safety.NewState(policy)

	mode := contract.ModeStrict
	if envOr("CONTRACT_MODE", "strict") == "lenient" {
		mode = contract.ModeLenient
	}

	// gate is the pilot kill switch: Normal/Drain/Freeze. Nothing in
	// this core flips it — an external operator surface (out of scope)
	// would call gate.Set through a narrow wrapper.
	gate := admission.NewGate()

	handler := telemetry.NewHandler(store, cfg, mode)
	handler.SetAdmissionGate(gate)
	var dedup *redisdedup.Dedup
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		dedup, err = redisdedup.New(redisAddr, os.Getenv("REDIS_PASSWORD"), 0, cfg.TelemetryStale()*2)
		if err != nil {
			logger.Printf("[main] redis dedup cache unavailable, continuing without it: %v", err)
			dedup = nil
		} else {
			handler.SetDedupCache(dedup)
		}
	}
	handler.Start()

	mqttTransport := transport.New(cfg, safetyState, reg, handler, logger)
	brokerURL := envOr("MQTT_BROKER_URL", "tcp://localhost:1883")
	clientID := envOr("MQTT_CLIENT_ID", "derms-controller")
	if err := mqttTransport.Connect(ctx, brokerURL, clientID); err != nil {
		logger.Printf("[main] mqtt connect failed, starting degraded: %v", err)
	}

	recorder := decision.NewRecorder(store, decision.LevelInfo, logger)

	hub := feed.NewHub(logger)
	go hub.Run()

	loop := control.NewLoop(cfg, store.AsRepositories(), mqttTransport, safetyState, reg, recorder, hub, logger)
	loop.SetAdmissionGate(gate)
	handler.SetHeartbeatCallback(loop.NoteHeartbeat)
	go loop.Run(ctx)

	logger.Printf("[main] derms-controller running, feeder interval=%s", cfg.ControlInterval())
	<-ctx.Done()
	logger.Printf("[main] shutdown signal received, draining")

	// Shutdown order per the control cycle's documented sequence: let
	// any in-flight cycle finish, drain and flush telemetry, then close
	// the bus, then the repository pool.
	loop.Drain(cfg.ShutdownGrace())
	handler.Stop()
	mqttTransport.Close()
	hub.Stop()
	if dedup != nil {
		dedup.Close()
	}
	store.Close()
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
