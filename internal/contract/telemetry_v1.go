package contract

import (
	"encoding/json"
)

// TelemetryCapabilitiesPayload mirrors domain.Capabilities on the wire.
type TelemetryCapabilitiesPayload struct {
	MaxChargeKw    *float64 `json:"maxChargeKw,omitempty"`
	MaxDischargeKw *float64 `json:"maxDischargeKw,omitempty"`
	MaxImportKw    *float64 `json:"maxImportKw,omitempty"`
	MaxExportKw    *float64 `json:"maxExportKw,omitempty"`
}

// TelemetryPayload is the typed payload of a telemetry v1 message.
type TelemetryPayload struct {
	Readings struct {
		PowerKw   float64  `json:"powerKw"`
		EnergyKwh *float64 `json:"energyKwh,omitempty"`
		VoltageV  *float64 `json:"voltageV,omitempty"`
	} `json:"readings"`
	Soc          *float64                       `json:"soc,omitempty"`
	Capabilities *TelemetryCapabilitiesPayload   `json:"capabilities,omitempty"`
	Status       struct {
		Online bool `json:"online"`
	} `json:"status"`
	SiteID   *string `json:"siteId,omitempty"`
	FeederID *string `json:"feederId,omitempty"`
}

var telemetryTopFields = map[string]bool{
	"readings": true, "soc": true, "capabilities": true, "status": true,
	"siteId": true, "feederId": true,
}
var telemetryReadingsFields = map[string]bool{"powerKw": true, "energyKwh": true, "voltageV": true}
var telemetryStatusFields = map[string]bool{"online": true}
var telemetryCapabilitiesFields = map[string]bool{
	"maxChargeKw": true, "maxDischargeKw": true, "maxImportKw": true, "maxExportKw": true,
}

// ValidateTelemetryV1 validates an envelope + raw payload against the
// telemetry v1 schema. It returns the decoded envelope and payload on
// success, or a *ValidationError carrying every violation found.
func ValidateTelemetryV1(raw []byte, mode Mode) (Envelope, TelemetryPayload, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, TelemetryPayload{}, newViolationErr(string(MessageTypeTelemetry),
			[]Violation{{Path: "$", Message: "malformed json: " + err.Error()}})
	}

	var violations []Violation
	violations = append(violations, validateEnvelope(MessageTypeTelemetry, env)...)

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &generic); err != nil {
		violations = append(violations, Violation{Path: "payload", Message: "must be an object"})
		return env, TelemetryPayload{}, newViolationErr(string(MessageTypeTelemetry), violations)
	}

	if mode == ModeStrict {
		violations = append(violations, unknownFields("payload", generic, telemetryTopFields)...)
		violations = append(violations, unknownSubFields("payload.readings", generic["readings"], telemetryReadingsFields)...)
		violations = append(violations, unknownSubFields("payload.status", generic["status"], telemetryStatusFields)...)
		violations = append(violations, unknownSubFields("payload.capabilities", generic["capabilities"], telemetryCapabilitiesFields)...)
	}

	var payload TelemetryPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		violations = append(violations, Violation{Path: "payload", Message: "schema mismatch: " + err.Error()})
		return env, TelemetryPayload{}, newViolationErr(string(MessageTypeTelemetry), violations)
	}

	if _, ok := generic["status"]; !ok {
		violations = append(violations, Violation{Path: "payload.status.online", Message: "required"})
	}
	if _, ok := generic["readings"]; !ok {
		violations = append(violations, Violation{Path: "payload.readings.powerKw", Message: "required"})
	}

	violations = finiteFloat("payload.readings.powerKw", payload.Readings.PowerKw, violations)
	if payload.Readings.EnergyKwh != nil {
		violations = nonNegative("payload.readings.energyKwh", *payload.Readings.EnergyKwh, violations)
	}
	if payload.Readings.VoltageV != nil {
		violations = nonNegative("payload.readings.voltageV", *payload.Readings.VoltageV, violations)
	}
	if payload.Soc != nil {
		if *payload.Soc < 0 || *payload.Soc > 1 {
			violations = append(violations, Violation{Path: "payload.soc", Message: "must be within [0,1]"})
		}
	}
	if payload.Capabilities != nil {
		c := payload.Capabilities
		if c.MaxChargeKw != nil {
			violations = nonNegative("payload.capabilities.maxChargeKw", *c.MaxChargeKw, violations)
		}
		if c.MaxDischargeKw != nil {
			violations = nonNegative("payload.capabilities.maxDischargeKw", *c.MaxDischargeKw, violations)
		}
		if c.MaxImportKw != nil {
			violations = nonNegative("payload.capabilities.maxImportKw", *c.MaxImportKw, violations)
		}
		if c.MaxExportKw != nil {
			violations = nonNegative("payload.capabilities.maxExportKw", *c.MaxExportKw, violations)
		}
	}
	violations = minLength1("payload.siteId", payload.SiteID, violations)
	violations = minLength1("payload.feederId", payload.FeederID, violations)

	if len(violations) > 0 {
		return env, TelemetryPayload{}, newViolationErr(string(MessageTypeTelemetry), violations)
	}
	return env, payload, nil
}

func unknownFields(prefix string, obj map[string]json.RawMessage, known map[string]bool) []Violation {
	var violations []Violation
	for k := range obj {
		if !known[k] {
			violations = append(violations, Violation{Path: prefix + "." + k, Message: "unknown field (strict mode)"})
		}
	}
	return violations
}

func unknownSubFields(prefix string, raw json.RawMessage, known map[string]bool) []Violation {
	if len(raw) == 0 {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return unknownFields(prefix, obj, known)
}
