package contract

import "encoding/json"

// SerializeTelemetryV1 encodes an envelope + typed payload back into the
// wire form accepted by ValidateTelemetryV1, satisfying the round-trip
// property: validate(serialize(msg)) == msg.
func SerializeTelemetryV1(env Envelope, payload TelemetryPayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.MessageType = MessageTypeTelemetry
	env.Payload = raw
	return json.Marshal(env)
}

// SerializeSetpointV1 encodes an envelope + typed payload back into the
// wire form accepted by ValidateSetpointV1.
func SerializeSetpointV1(env Envelope, payload SetpointPayload) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.MessageType = MessageTypeSetpoint
	env.Payload = raw
	return json.Marshal(env)
}
