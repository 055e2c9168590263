package domain

// ReasonCode is a closed set of explanations attached to per-device
// allocation outcomes in a decision record.
type ReasonCode string

const (
	ReasonHeadroomLimit  ReasonCode = "HEADROOM_LIMIT"
	ReasonPMaxClamp      ReasonCode = "PMAX_CLAMP"
	ReasonSocAtTarget    ReasonCode = "SOC_AT_TARGET"
	ReasonStaleTelemetry ReasonCode = "STALE_TELEMETRY"
	ReasonDRShed         ReasonCode = "DR_SHED"
	ReasonDRBoost        ReasonCode = "DR_BOOST"
)

// DeviceDecision is the per-device detail inside a feeder decision.
type DeviceDecision struct {
	DeviceID        string
	TelemetryAgeMs  int64
	Soc             *float64
	Allocated       float64
	TrackingErrorKw float64 // |actualKw - lastCommandKw|, 0 if no prior command
	ReasonCodes     []ReasonCode
	Setpoint        *SetpointCommand
	Published       bool
	PublishError    string
}

// FeederDecision is the per-feeder detail inside a decision record.
type FeederDecision struct {
	FeederID        string
	HeadroomAvailableKw float64
	HeadroomAllocatedKw float64
	HeadroomUnusedKw    float64
	Devices             []DeviceDecision
	StaleDeviceIDs      []string
}

// Record audits one control cycle.
type Record struct {
	CycleID        string
	StartedAtMs    int64
	FinishedAtMs   int64
	Feeders        []FeederDecision
	PublishOK      int
	PublishFailed  int
	Error          string
}

// DurationMs returns FinishedAtMs - StartedAtMs, always >= 0 once finalized.
func (r Record) DurationMs() int64 {
	d := r.FinishedAtMs - r.StartedAtMs
	if d < 0 {
		return 0
	}
	return d
}
