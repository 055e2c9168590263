package contract

import "encoding/json"

// SetpointPayload is the typed payload of a setpoint v1 message.
type SetpointPayload struct {
	Command struct {
		TargetPowerKw float64 `json:"targetPowerKw"`
		Mode          string  `json:"mode"`
		ValidUntilMs  int64   `json:"validUntilMs"`
	} `json:"command"`
	Constraints *struct {
		RampRateKwPerS *float64 `json:"rampRateKwPerS,omitempty"`
	} `json:"constraints,omitempty"`
	Reason struct {
		Allocator string `json:"allocator"`
		Notes     string `json:"notes,omitempty"`
	} `json:"reason"`
}

var setpointTopFields = map[string]bool{"command": true, "constraints": true, "reason": true}
var setpointCommandFields = map[string]bool{"targetPowerKw": true, "mode": true, "validUntilMs": true}
var setpointConstraintsFields = map[string]bool{"rampRateKwPerS": true}
var setpointReasonFields = map[string]bool{"allocator": true, "notes": true}

var validSetpointModes = map[string]bool{
	"charge": true, "discharge": true, "idle": true, "import": true, "export": true, "limit": true,
}

// ValidateSetpointV1 validates an envelope + raw payload against the
// setpoint v1 schema.
func ValidateSetpointV1(raw []byte, mode Mode) (Envelope, SetpointPayload, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, SetpointPayload{}, newViolationErr(string(MessageTypeSetpoint),
			[]Violation{{Path: "$", Message: "malformed json: " + err.Error()}})
	}

	var violations []Violation
	violations = append(violations, validateEnvelope(MessageTypeSetpoint, env)...)

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &generic); err != nil {
		violations = append(violations, Violation{Path: "payload", Message: "must be an object"})
		return env, SetpointPayload{}, newViolationErr(string(MessageTypeSetpoint), violations)
	}

	if mode == ModeStrict {
		violations = append(violations, unknownFields("payload", generic, setpointTopFields)...)
		violations = append(violations, unknownSubFields("payload.command", generic["command"], setpointCommandFields)...)
		violations = append(violations, unknownSubFields("payload.constraints", generic["constraints"], setpointConstraintsFields)...)
		violations = append(violations, unknownSubFields("payload.reason", generic["reason"], setpointReasonFields)...)
	}

	var payload SetpointPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		violations = append(violations, Violation{Path: "payload", Message: "schema mismatch: " + err.Error()})
		return env, SetpointPayload{}, newViolationErr(string(MessageTypeSetpoint), violations)
	}

	if _, ok := generic["command"]; !ok {
		violations = append(violations, Violation{Path: "payload.command", Message: "required"})
	}
	if _, ok := generic["reason"]; !ok {
		violations = append(violations, Violation{Path: "payload.reason.allocator", Message: "required"})
	}

	violations = finiteFloat("payload.command.targetPowerKw", payload.Command.TargetPowerKw, violations)
	if !validSetpointModes[payload.Command.Mode] {
		violations = append(violations, Violation{Path: "payload.command.mode", Message: "unknown mode"})
	}
	if payload.Command.ValidUntilMs < 0 {
		violations = append(violations, Violation{Path: "payload.command.validUntilMs", Message: "must be >= 0"})
	}
	if payload.Constraints != nil && payload.Constraints.RampRateKwPerS != nil {
		violations = nonNegative("payload.constraints.rampRateKwPerS", *payload.Constraints.RampRateKwPerS, violations)
	}
	if payload.Reason.Allocator == "" {
		violations = append(violations, Violation{Path: "payload.reason.allocator", Message: "required"})
	}

	if len(violations) > 0 {
		return env, SetpointPayload{}, newViolationErr(string(MessageTypeSetpoint), violations)
	}
	return env, payload, nil
}
