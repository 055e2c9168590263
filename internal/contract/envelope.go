package contract

import (
	"encoding/json"
	"math"
)

// MessageType is a closed set of wire message kinds.
type MessageType string

const (
	MessageTypeTelemetry MessageType = "telemetry"
	MessageTypeSetpoint  MessageType = "setpoint"
)

// Envelope is the common header shared by every wire message. Payload
// is left as raw JSON so the typed validators can decode it strictly.
type Envelope struct {
	V             int             `json:"v"`
	MessageType   MessageType     `json:"messageType"`
	MessageID     string          `json:"messageId"`
	DeviceID      string          `json:"deviceId"`
	DeviceType    string          `json:"deviceType"`
	TimestampMs   int64           `json:"timestampMs"`
	SentAtMs      *int64          `json:"sentAtMs,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Source        string          `json:"source,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// Mode selects strict (unknown fields rejected) or lenient (unknown
// fields ignored, numeric/enum constraints still enforced) validation.
type Mode int

const (
	ModeStrict Mode = iota
	ModeLenient
)

var uuidByteLen = 36 // canonical "xxxxxxxx-xxxx-...-xxxxxxxxxxxx" length

func isUUID(s string) bool {
	if len(s) != uuidByteLen {
		return false
	}
	for i, c := range s {
		switch i {
		case 8, 13, 18, 23:
			if c != '-' {
				return false
			}
		default:
			if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
				return false
			}
		}
	}
	return true
}

func validateEnvelope(messageType MessageType, env Envelope) []Violation {
	var violations []Violation

	if env.V != ContractVersion {
		violations = append(violations, Violation{Path: "v", Message: "unsupported contract version"})
	}
	if env.MessageType != messageType {
		violations = append(violations, Violation{Path: "messageType", Message: "does not match validator"})
	}
	if !isUUID(env.MessageID) {
		violations = append(violations, Violation{Path: "messageId", Message: "must be a uuid"})
	}
	if env.DeviceID == "" {
		violations = append(violations, Violation{Path: "deviceId", Message: "required"})
	}
	if env.DeviceType == "" {
		violations = append(violations, Violation{Path: "deviceType", Message: "required"})
	}
	if env.TimestampMs <= 0 {
		violations = append(violations, Violation{Path: "timestampMs", Message: "must be positive"})
	}
	return violations
}

func finiteFloat(path string, v float64, violations []Violation) []Violation {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(violations, Violation{Path: path, Message: "must be finite"})
	}
	return violations
}

func nonNegative(path string, v float64, violations []Violation) []Violation {
	if v < 0 {
		return append(violations, Violation{Path: path, Message: "must be >= 0"})
	}
	return violations
}

func minLength1(path string, v *string, violations []Violation) []Violation {
	if v != nil && len(*v) < 1 {
		return append(violations, Violation{Path: path, Message: "must have length >= 1 when present"})
	}
	return violations
}
