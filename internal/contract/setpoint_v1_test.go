package contract

import (
	"encoding/json"
	"testing"
)

func validSetpointEnvelope(payload SetpointPayload) Envelope {
	raw, _ := json.Marshal(payload)
	return Envelope{
		V:           ContractVersion,
		MessageType: MessageTypeSetpoint,
		MessageID:   "22222222-2222-4222-8222-222222222222",
		DeviceID:    "ev-1",
		DeviceType:  "ev",
		TimestampMs: 1700000000000,
		Payload:     raw,
	}
}

func TestValidateSetpointV1_Valid(t *testing.T) {
	var p SetpointPayload
	p.Command.TargetPowerKw = 3.0
	p.Command.Mode = "charge"
	p.Command.ValidUntilMs = 1700000120000
	p.Reason.Allocator = "heuristic"
	env := validSetpointEnvelope(p)
	raw, _ := json.Marshal(env)

	_, gotPayload, err := ValidateSetpointV1(raw, ModeStrict)
	if err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if gotPayload.Command.Mode != "charge" {
		t.Fatalf("mode mismatch: %q", gotPayload.Command.Mode)
	}
}

func TestValidateSetpointV1_RoundTrip(t *testing.T) {
	var p SetpointPayload
	p.Command.TargetPowerKw = -2.5
	p.Command.Mode = "export"
	p.Command.ValidUntilMs = 1700000120000
	p.Reason.Allocator = "optimizer"
	env := validSetpointEnvelope(p)

	raw, err := SerializeSetpointV1(env, p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	gotEnv, gotPayload, err := ValidateSetpointV1(raw, ModeStrict)
	if err != nil {
		t.Fatalf("round trip validate failed: %v", err)
	}
	if gotEnv.MessageID != env.MessageID || gotPayload.Command.TargetPowerKw != p.Command.TargetPowerKw {
		t.Fatalf("round trip mismatch")
	}
}

func TestValidateSetpointV1_UnknownMode(t *testing.T) {
	var p SetpointPayload
	p.Command.TargetPowerKw = 1
	p.Command.Mode = "teleport"
	p.Command.ValidUntilMs = 1
	p.Reason.Allocator = "heuristic"
	env := validSetpointEnvelope(p)
	raw, _ := json.Marshal(env)

	if _, _, err := ValidateSetpointV1(raw, ModeStrict); err == nil {
		t.Fatal("expected unknown mode to fail")
	}
}

func TestValidateSetpointV1_MissingAllocator(t *testing.T) {
	raw := []byte(`{"v":1,"messageType":"setpoint","messageId":"22222222-2222-4222-8222-222222222222",
		"deviceId":"ev-1","deviceType":"ev","timestampMs":1700000000000,
		"payload":{"command":{"targetPowerKw":1,"mode":"idle","validUntilMs":1},"reason":{}}}`)

	if _, _, err := ValidateSetpointV1(raw, ModeStrict); err == nil {
		t.Fatal("expected missing reason.allocator to fail")
	}
}

func TestValidateSetpointV1_NegativeValidUntil(t *testing.T) {
	var p SetpointPayload
	p.Command.TargetPowerKw = 1
	p.Command.Mode = "idle"
	p.Command.ValidUntilMs = -1
	p.Reason.Allocator = "heuristic"
	env := validSetpointEnvelope(p)
	raw, _ := json.Marshal(env)

	if _, _, err := ValidateSetpointV1(raw, ModeStrict); err == nil {
		t.Fatal("expected negative validUntilMs to fail")
	}
}
