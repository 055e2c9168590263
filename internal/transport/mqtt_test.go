package transport

import (
	"context"
	"log"
	"testing"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/readiness"
	"github.com/ceh6514/derms-feeder-controller/internal/repo/memtest"
	"github.com/ceh6514/derms-feeder-controller/internal/safety"
	"github.com/ceh6514/derms-feeder-controller/internal/telemetry"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func newTestTransport(t *testing.T) (*Transport, *safety.State) {
	t.Helper()
	cfg := config.Default()
	cfg.MqttMaxPayloadBytes = 64
	cfg.MqttBreakerThreshold = 1
	cfg.MqttProcessingTimeoutMs = 100

	policy := safety.PolicyFromConfig(cfg)
	state := safety.NewState(policy)
	reg := readiness.New()
	store := memtest.New()
	handler := telemetry.NewHandler(store, cfg, contract.ModeLenient)
	handler.Start()
	t.Cleanup(handler.Stop)

	tr := New(cfg, state, reg, handler, log.Default())
	return tr, state
}

func TestTransport_DropsOversizePayload(t *testing.T) {
	tr, _ := newTestTransport(t)
	huge := make([]byte, 128)
	msg := &fakeMessage{topic: "derms/telemetry/pi-bat-1", payload: huge}
	tr.onTelemetryMessage(nil, msg)
	// No assertion beyond "does not panic": the oversize path returns
	// before touching the telemetry handler.
}

func TestTransport_PublishRefusedWhenBreakerOpen(t *testing.T) {
	tr, state := newTestTransport(t)
	state.NoteMQTTFailure("simulated broker outage")

	env := contract.Envelope{V: 1, MessageType: contract.MessageTypeSetpoint, DeviceID: "pi-bat-1"}
	payload := contract.SetpointPayload{}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := tr.PublishSetpoint(ctx, env, payload)
	if err != ErrBreakerOpen {
		t.Fatalf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	if got := deviceIDFromTopic("derms/telemetry/pi-bat-1"); got != "pi-bat-1" {
		t.Fatalf("unexpected device id: %q", got)
	}
	if got := deviceIDFromTopic("derms/telemetry/site-a/pi-bat-1"); got != "pi-bat-1" {
		t.Fatalf("unexpected device id for nested topic: %q", got)
	}
	if got := deviceIDFromTopic("bad"); got != "" {
		t.Fatalf("expected empty device id for malformed topic, got %q", got)
	}
}
