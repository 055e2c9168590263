package control

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/decision"
	"github.com/ceh6514/derms-feeder-controller/internal/domain"
	"github.com/ceh6514/derms-feeder-controller/internal/readiness"
	"github.com/ceh6514/derms-feeder-controller/internal/repo/memtest"
	"github.com/ceh6514/derms-feeder-controller/internal/safety"
)

type fakePublisher struct {
	published []contract.SetpointPayload
}

func (f *fakePublisher) PublishSetpoint(ctx context.Context, env contract.Envelope, payload contract.SetpointPayload) error {
	f.published = append(f.published, payload)
	return nil
}

func floatPtr(f float64) *float64 { return &f }

func newTestLoop(t *testing.T, cfg config.Config, store *memtest.Store, pub *fakePublisher) *Loop {
	t.Helper()
	reg := readiness.New()
	reg.SetDB(true, "")
	reg.SetBus(true, "")
	policy := safety.PolicyFromConfig(cfg)
	state := safety.NewState(policy)
	recorder := decision.NewRecorder(store, decision.LevelInfo, log.Default())
	return NewLoop(cfg, store.AsRepositories(), pub, state, reg, recorder, nil, log.Default())
}

func seedFeederF1(store *memtest.Store, now time.Time) {
	ctx := context.Background()
	store.Upsert(ctx, domain.Device{ID: "ev-1", Type: domain.DeviceTypeEV, FeederID: "f1", PMaxKw: 10, Priority: 1})
	store.Upsert(ctx, domain.Device{ID: "ev-2", Type: domain.DeviceTypeEV, FeederID: "f1", PMaxKw: 6, Priority: 1})

	rows := []domain.TelemetryRow{
		{MessageID: "m1", DeviceID: "ev-1", DeviceType: domain.DeviceTypeEV, TsMs: now.UnixMilli(), PowerKw: 6, Soc: floatPtr(0.3), FeederID: "f1"},
		{MessageID: "m2", DeviceID: "ev-2", DeviceType: domain.DeviceTypeEV, TsMs: now.UnixMilli(), PowerKw: 3, Soc: floatPtr(0.5), FeederID: "f1"},
	}
	store.InsertBatch(ctx, rows)
}

func TestLoop_SingleFeederShed(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	seedFeederF1(store, now)

	cfg := config.Default()
	cfg.FeederDefaultLimitKw = 10
	cfg.ControlTargetSoc = 0.9
	cfg.ControlMinSocReserve = 0.2
	cfg.ControlSocWeight = 1.0

	pub := &fakePublisher{}
	loop := newTestLoop(t, cfg, store, pub)
	loop.now = func() time.Time { return now }

	loop.RunOnce(context.Background())

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("expected one decision record, got %d", len(records))
	}
	rec := records[0]
	if len(rec.Feeders) != 1 {
		t.Fatalf("expected one feeder decision, got %d", len(rec.Feeders))
	}
	fd := rec.Feeders[0]
	if fd.HeadroomAllocatedKw > fd.HeadroomAvailableKw+1e-6 {
		t.Fatalf("allocated %v exceeds available %v", fd.HeadroomAllocatedKw, fd.HeadroomAvailableKw)
	}
	for _, dd := range fd.Devices {
		var pMax float64
		if dd.DeviceID == "ev-1" {
			pMax = 10
		} else {
			pMax = 6
		}
		if dd.Allocated < 0 || dd.Allocated > pMax+1e-6 {
			t.Fatalf("device %s allocated %v exceeds pMaxKw %v", dd.DeviceID, dd.Allocated, pMax)
		}
	}
}

func TestLoop_StaleTelemetrySafeZero(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	ctx := context.Background()
	store.Upsert(ctx, domain.Device{ID: "ev-1", Type: domain.DeviceTypeEV, FeederID: "f1", PMaxKw: 10, Priority: 1})
	store.InsertBatch(ctx, []domain.TelemetryRow{
		{MessageID: "m1", DeviceID: "ev-1", DeviceType: domain.DeviceTypeEV, TsMs: now.Add(-120 * time.Second).UnixMilli(), PowerKw: 5, FeederID: "f1"},
	})

	cfg := config.Default()
	cfg.FeederDefaultLimitKw = 10
	cfg.TelemetryStaleMs = 30_000
	cfg.TelemetryMissingBehavior = config.StaleSafeZero

	pub := &fakePublisher{}
	loop := newTestLoop(t, cfg, store, pub)
	loop.now = func() time.Time { return now }

	loop.RunOnce(ctx)

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("expected one decision record, got %d", len(records))
	}
	fd := records[0].Feeders[0]
	if len(fd.StaleDeviceIDs) != 1 || fd.StaleDeviceIDs[0] != "ev-1" {
		t.Fatalf("expected ev-1 recorded stale, got %v", fd.StaleDeviceIDs)
	}
	if len(fd.Devices) != 1 {
		t.Fatalf("expected one device decision, got %d", len(fd.Devices))
	}
	dd := fd.Devices[0]
	if dd.Allocated != 0 {
		t.Fatalf("expected stale device allocation to be 0, got %v", dd.Allocated)
	}
	foundReason := false
	for _, rc := range dd.ReasonCodes {
		if rc == domain.ReasonStaleTelemetry {
			foundReason = true
		}
	}
	if !foundReason {
		t.Fatalf("expected STALE_TELEMETRY reason code, got %v", dd.ReasonCodes)
	}
}

func TestLoop_ReadinessGateBlocksCycle(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	seedFeederF1(store, now)

	cfg := config.Default()
	loop := newTestLoop(t, cfg, store, &fakePublisher{})
	loop.readiness.SetDB(false, "migrating")
	loop.now = func() time.Time { return now }

	loop.RunOnce(context.Background())

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("expected one decision record even on readiness failure, got %d", len(records))
	}
	if len(records[0].Feeders) != 0 {
		t.Fatalf("expected no feeder processing while not ready, got %d", len(records[0].Feeders))
	}
	if records[0].Error == "" {
		t.Fatal("expected a readiness error reason recorded")
	}
}

func TestLoop_FixedCapDRProgramShedsHeadroom(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	seedFeederF1(store, now)
	store.SetProgram(domain.DRProgram{
		ID:           "dr-1",
		Name:         "peak-shed",
		Mode:         domain.DRModeFixedCap,
		TsStart:      now.Add(-time.Hour),
		TsEnd:        now.Add(time.Hour),
		TargetShedKw: 4,
		IsActive:     true,
	})

	cfg := config.Default()
	cfg.FeederDefaultLimitKw = 10
	cfg.ControlTargetSoc = 0.9
	cfg.ControlMinSocReserve = 0.2
	cfg.ControlSocWeight = 1.0

	pub := &fakePublisher{}
	loop := newTestLoop(t, cfg, store, pub)
	loop.now = func() time.Time { return now }

	loop.RunOnce(context.Background())

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("expected one decision record, got %d", len(records))
	}
	fd := records[0].Feeders[0]
	if fd.HeadroomAvailableKw != 6 {
		t.Fatalf("expected DR-shed effective headroom of 6kW (10 - 4), got %v", fd.HeadroomAvailableKw)
	}
	if fd.HeadroomAllocatedKw > fd.HeadroomAvailableKw+1e-6 {
		t.Fatalf("allocated %v exceeds shed headroom %v", fd.HeadroomAllocatedKw, fd.HeadroomAvailableKw)
	}
	if len(fd.Devices) == 0 {
		t.Fatal("expected device decisions")
	}
	for _, dd := range fd.Devices {
		found := false
		for _, rc := range dd.ReasonCodes {
			if rc == domain.ReasonDRShed {
				found = true
			}
		}
		if !found {
			t.Fatalf("expected DR_SHED reason code on device %s, got %v", dd.DeviceID, dd.ReasonCodes)
		}
	}
}

func TestLoop_DBErrorSafeZeroAllPublishesZeroSetpoints(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	seedFeederF1(store, now)
	store.SetLatestPerDeviceError(errors.New("simulated connection reset"))

	cfg := config.Default()
	cfg.FeederDefaultLimitKw = 10
	cfg.DBErrorBehavior = config.DBErrorSafeZeroAll

	pub := &fakePublisher{}
	loop := newTestLoop(t, cfg, store, pub)
	loop.now = func() time.Time { return now }

	loop.RunOnce(context.Background())

	records := store.Records()
	if len(records) != 1 {
		t.Fatalf("expected one decision record, got %d", len(records))
	}
	fd := records[0].Feeders[0]
	if len(fd.Devices) != 2 {
		t.Fatalf("expected both dispatchable devices to get a safe-zero decision, got %d", len(fd.Devices))
	}
	for _, dd := range fd.Devices {
		if dd.Setpoint == nil || dd.Setpoint.TargetPowerKw != 0 {
			t.Fatalf("expected device %s to be commanded to 0kW, got %+v", dd.DeviceID, dd.Setpoint)
		}
		if !dd.Published {
			t.Fatalf("expected device %s safe-zero setpoint to publish", dd.DeviceID)
		}
	}
	if len(pub.published) != 2 {
		t.Fatalf("expected 2 published setpoints, got %d", len(pub.published))
	}
	for _, p := range pub.published {
		if p.Command.TargetPowerKw != 0 {
			t.Fatalf("expected published setpoint of 0kW, got %v", p.Command.TargetPowerKw)
		}
	}
}

func TestLoop_DBErrorStopLoopEntersStoppedState(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	store.SetListError(errors.New("simulated connection reset"))

	cfg := config.Default()
	cfg.DBErrorBehavior = config.DBErrorStopLoop

	loop := newTestLoop(t, cfg, store, &fakePublisher{})
	loop.now = func() time.Time { return now }

	loop.RunOnce(context.Background())

	if stopped, reason := loop.safety.IsStopped(); !stopped {
		t.Fatalf("expected loop to enter stopped state immediately, reason=%q", reason)
	}
}

func TestLoop_AtMostOneCycleInFlight(t *testing.T) {
	now := time.Now()
	store := memtest.New()
	seedFeederF1(store, now)
	cfg := config.Default()
	loop := newTestLoop(t, cfg, store, &fakePublisher{})
	loop.now = func() time.Time { return now }

	loop.cycleMu.Lock()
	loop.onTick(context.Background(), now)
	loop.cycleMu.Unlock()

	if len(store.Records()) != 0 {
		t.Fatalf("expected skipped tick not to run a cycle while one is in flight")
	}
}
