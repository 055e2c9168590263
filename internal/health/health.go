// Package health assembles the aggregate health snapshot consumed by
// the out-of-scope HTTP layer, from the readiness registry, safety
// state, transport status, and control loop status.
package health

import (
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/readiness"
	"github.com/ceh6514/derms-feeder-controller/internal/safety"
)

// Status is the closed set of overall health states.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusError    Status = "error"
	StatusStalled  Status = "stalled"
)

// ControlLoopSnapshot is the control loop's self-reported runtime state.
type ControlLoopSnapshot struct {
	Status                  Status
	LastIterationStartedMs  int64
	LastIterationFinishedMs int64
	LastDurationMs          int64
	LastError               string
	OfflineDeviceIDs        []string
	HeartbeatTimeoutSeconds int64
	StallThresholdSeconds   int64
}

// DBStatus reports database readiness.
type DBStatus struct {
	OK     bool
	Reason string
}

// BusStatus reports message bus connectivity.
type BusStatus struct {
	Connected bool
	LastError string
}

// Snapshot is the full aggregate health document.
type Snapshot struct {
	Status      Status
	DB          DBStatus
	Bus         BusStatus
	ControlLoop ControlLoopSnapshot
}

// Assemble builds the composite snapshot. Overall status is the most
// severe of: stopped safety state (error), stalled loop, readiness
// failure (degraded), or the loop's own reported status.
func Assemble(reg *readiness.Registry, safetyState *safety.State, busConnected bool, loop ControlLoopSnapshot) Snapshot {
	dbOK, dbReason := reg.DB()
	busOK, busReason := reg.Bus()
	stopped, stopReason := safetyState.IsStopped()

	status := loop.Status
	if status == "" {
		status = StatusIdle
	}
	if !dbOK || !busOK {
		status = StatusDegraded
	}
	if stopped {
		status = StatusError
	}

	busErr := ""
	if !busConnected {
		busErr = busReason
	}

	return Snapshot{
		Status: status,
		DB:     DBStatus{OK: dbOK, Reason: dbReason},
		Bus:    BusStatus{Connected: busConnected, LastError: busErr},
		ControlLoop: ControlLoopSnapshot{
			Status:                  loop.Status,
			LastIterationStartedMs:  loop.LastIterationStartedMs,
			LastIterationFinishedMs: loop.LastIterationFinishedMs,
			LastDurationMs:          loop.LastDurationMs,
			LastError:               coalesce(loop.LastError, stopReason),
			OfflineDeviceIDs:        loop.OfflineDeviceIDs,
			HeartbeatTimeoutSeconds: loop.HeartbeatTimeoutSeconds,
			StallThresholdSeconds:   loop.StallThresholdSeconds,
		},
	}
}

func coalesce(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// IsStalled reports whether the loop should be considered stalled
// given the last finished iteration and the configured threshold.
func IsStalled(lastIterationFinishedMs int64, stallThresholdSeconds int64, now time.Time) bool {
	if lastIterationFinishedMs == 0 {
		return false
	}
	age := now.UnixMilli() - lastIterationFinishedMs
	return age > stallThresholdSeconds*1000
}
