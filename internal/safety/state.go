package safety

import (
	"sync"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/domain"
)

// State is the mutable, single-mutex-protected runtime safety state for
// the whole controller. It is constructed once at startup and passed as
// a dependency — no global singleton.
type State struct {
	mu sync.Mutex

	policy Policy

	consecutiveFailures int
	stoppedReason       string
	degradedReason      string

	lastCommand map[string]domain.CommandRecord

	breaker *Breaker
}

// NewState constructs a State with the given policy.
func NewState(policy Policy) *State {
	return &State{
		policy:      policy,
		lastCommand: make(map[string]domain.CommandRecord),
		breaker:     NewBreaker(policy.MqttBreakerThreshold, policy.MqttBreakerCooldown),
	}
}

// RecordSuccess zeroes consecutiveFailures, clears degraded/stopped, and
// closes the MQTT breaker.
func (s *State) RecordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures = 0
	s.stoppedReason = ""
	s.degradedReason = ""
	s.breaker.Close()
}

// RecordFailure increments the failure counter and sets the degraded
// reason. Once consecutiveFailures reaches the configured threshold, it
// sets stoppedReason, refusing further publishes until an operator
// intervenes or a cycle succeeds.
func (s *State) RecordFailure(subsystem, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.degradedReason = subsystem + ":" + reason
	if s.consecutiveFailures >= s.policy.MaxConsecutiveFailures {
		s.stoppedReason = s.degradedReason
	}
}

// ForceStop sets stoppedReason immediately, regardless of
// consecutiveFailures. Used for DBErrorBehavior STOP_LOOP, which enters
// the stopped state on the first qualifying repository failure rather
// than waiting for MaxConsecutiveFailures.
func (s *State) ForceStop(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveFailures++
	s.degradedReason = reason
	s.stoppedReason = reason
}

// NoteMQTTFailure records a publish failure against the MQTT breaker,
// opening it once the threshold is crossed.
func (s *State) NoteMQTTFailure(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker.RecordFailure()
	s.degradedReason = "mqtt:" + reason
}

// NoteMQTTSuccess records a publish success against the MQTT breaker.
func (s *State) NoteMQTTSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breaker.RecordSuccess()
}

// BreakerAllows reports whether a publish attempt should proceed,
// transitioning open -> half-open as the cooldown elapses.
func (s *State) BreakerAllows() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.Allow()
}

// BreakerState returns the current breaker state string for metrics.
func (s *State) BreakerState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.breaker.State().String()
}

// IsStopped reports whether the loop must refuse further publishes.
func (s *State) IsStopped() (bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stoppedReason != "", s.stoppedReason
}

// DBQueryTimeout returns the per-operation repository read deadline.
func (s *State) DBQueryTimeout() time.Duration {
	return s.policy.DBQueryTimeout
}

// DBErrorBehavior returns the configured reaction to a repository read
// failure mid-cycle.
func (s *State) DBErrorBehavior() config.DBErrorBehavior {
	return s.policy.DBErrorBehavior
}

// DegradedReason returns the current degraded-mode reason, "" if none.
func (s *State) DegradedReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degradedReason
}

// ConsecutiveFailures returns the current failure count.
func (s *State) ConsecutiveFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveFailures
}

// LastCommand returns the last acknowledged command for a device, if any.
func (s *State) LastCommand(deviceID string) (domain.CommandRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.lastCommand[deviceID]
	return rec, ok
}

// SetLastCommand records the last acknowledged command for a device.
// Called only after the transport ACKs a publish.
func (s *State) SetLastCommand(deviceID string, rec domain.CommandRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCommand[deviceID] = rec
}

// ClearLastCommand drops a device's remembered command, e.g. when it
// leaves the eligible set.
func (s *State) ClearLastCommand(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lastCommand, deviceID)
}

// Now is a seam for deterministic tests; production uses time.Now.
var Now = time.Now
