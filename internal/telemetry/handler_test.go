package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/repo/memtest"
)

func sampleRaw(t *testing.T, messageID string, tsMs int64, powerKw float64) []byte {
	t.Helper()
	env := map[string]any{
		"v":           1,
		"messageType": "telemetry",
		"messageId":   messageID,
		"deviceId":    "pi-bat-1",
		"deviceType":  "battery",
		"timestampMs": tsMs,
		"payload": map[string]any{
			"readings": map[string]any{"powerKw": powerKw},
			"status":   map[string]any{"online": true},
			"soc":      0.5,
			"feederId": "feeder-1",
		},
	}
	payload := env["payload"]
	payloadRaw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	env["payload"] = json.RawMessage(payloadRaw)
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func testConfig() config.Config {
	c := config.Default()
	c.TelemetryBatchSize = 2
	c.TelemetryBatchFlushMs = 20
	c.TelemetryMaxQueueSize = 4
	c.AllowedFutureSkewMs = 30_000
	return c
}

func TestHandler_IdempotentInsert(t *testing.T) {
	store := memtest.New()
	h := NewHandler(store, testConfig(), contract.ModeStrict)
	h.Start()
	defer h.Stop()

	nowMs := time.Now().UnixMilli()
	raw := sampleRaw(t, "11111111-1111-1111-1111-111111111111", nowMs, 5.0)

	if err := h.Ingest(context.Background(), raw); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := h.Ingest(context.Background(), raw); err != nil {
		t.Fatalf("duplicate ingest should not error at enqueue time: %v", err)
	}

	time.Sleep(80 * time.Millisecond)

	rows, err := store.Recent(context.Background(), "pi-bat-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly one persisted row, got %d", len(rows))
	}
}

func TestHandler_OutOfOrderStillPersists(t *testing.T) {
	store := memtest.New()
	h := NewHandler(store, testConfig(), contract.ModeStrict)
	h.Start()
	defer h.Stop()

	base := time.Now().UnixMilli()
	newRaw := sampleRaw(t, "22222222-2222-2222-2222-222222222222", base, 10.0)
	oldRaw := sampleRaw(t, "33333333-3333-3333-3333-333333333333", base-5000, 1.0)

	if err := h.Ingest(context.Background(), newRaw); err != nil {
		t.Fatal(err)
	}
	if err := h.Ingest(context.Background(), oldRaw); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)

	rows, err := store.Recent(context.Background(), "pi-bat-1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected both rows persisted despite out-of-order arrival, got %d", len(rows))
	}

	latest := h.LatestPerDevice("feeder-1")
	row, ok := latest["pi-bat-1"]
	if !ok {
		t.Fatal("expected a latest-marker row")
	}
	if row.TsMs != base {
		t.Fatalf("latest marker should remain at the newer sample, got tsMs=%d", row.TsMs)
	}
}

func TestHandler_BackpressureWhenQueueFull(t *testing.T) {
	store := memtest.New()
	cfg := testConfig()
	cfg.TelemetryMaxQueueSize = 1
	h := NewHandler(store, cfg, contract.ModeStrict)
	// No Start(): nothing drains the queue, so capacity fills deterministically.

	base := time.Now().UnixMilli()
	first := sampleRaw(t, "44444444-4444-4444-4444-444444444444", base, 1.0)
	second := sampleRaw(t, "55555555-5555-5555-5555-555555555555", base+1, 2.0)

	if err := h.Ingest(context.Background(), first); err != nil {
		t.Fatalf("first ingest should be admitted: %v", err)
	}
	if err := h.Ingest(context.Background(), second); err != ErrBackpressure {
		t.Fatalf("expected ErrBackpressure, got %v", err)
	}
}

func TestHandler_RejectsFutureSkew(t *testing.T) {
	store := memtest.New()
	h := NewHandler(store, testConfig(), contract.ModeStrict)

	farFuture := time.Now().Add(time.Hour).UnixMilli()
	raw := sampleRaw(t, "66666666-6666-6666-6666-666666666666", farFuture, 1.0)

	if err := h.Ingest(context.Background(), raw); err == nil {
		t.Fatal("expected future-skew rejection")
	}
}
