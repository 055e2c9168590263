// Package control implements the periodic multi-feeder dispatch cycle:
// snapshot telemetry, resolve effective headroom, allocate, diff
// publish setpoints, and persist a decision record. Feeders fan out
// with bounded concurrency via errgroup, and every side effect
// (metrics, logging, decision persistence) fires after the critical
// path rather than blocking it.
package control

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ceh6514/derms-feeder-controller/internal/admission"
	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/control/allocator"
	"github.com/ceh6514/derms-feeder-controller/internal/control/drpolicy"
	"github.com/ceh6514/derms-feeder-controller/internal/decision"
	"github.com/ceh6514/derms-feeder-controller/internal/domain"
	"github.com/ceh6514/derms-feeder-controller/internal/feed"
	"github.com/ceh6514/derms-feeder-controller/internal/health"
	"github.com/ceh6514/derms-feeder-controller/internal/metrics"
	"github.com/ceh6514/derms-feeder-controller/internal/readiness"
	"github.com/ceh6514/derms-feeder-controller/internal/repo"
	"github.com/ceh6514/derms-feeder-controller/internal/safety"
)

// maxFeederConcurrency bounds how many feeders are processed at once
// within a single cycle.
const maxFeederConcurrency = 8

// Publisher is the subset of *transport.Transport the loop depends on,
// narrowed for testability.
type Publisher interface {
	PublishSetpoint(ctx context.Context, env contract.Envelope, payload contract.SetpointPayload) error
}

// Loop is the periodic orchestrator. One Loop per process.
type Loop struct {
	cfg       config.Config
	repos     repo.Repositories
	publisher Publisher
	safety    *safety.State
	readiness *readiness.Registry
	recorder  *decision.Recorder
	feedHub   *feed.Hub
	logger    *log.Logger

	cycleMu  sync.Mutex
	statusMu sync.Mutex
	status   health.Status

	lastIterationStartedMs  int64
	lastIterationFinishedMs int64
	lastDurationMs          int64
	lastError               string

	heartbeatMu sync.Mutex
	heartbeat   map[string]int64 // deviceId -> lastSeenMs

	gate *admission.Gate

	now func() time.Time
}

// SetAdmissionGate attaches the shared kill switch. A nil gate (the
// default) always allows publish.
func (l *Loop) SetAdmissionGate(gate *admission.Gate) {
	l.gate = gate
}

// NewLoop constructs a Loop ready to Run.
func NewLoop(cfg config.Config, repos repo.Repositories, publisher Publisher, safetyState *safety.State,
	readinessRegistry *readiness.Registry, recorder *decision.Recorder, feedHub *feed.Hub, logger *log.Logger) *Loop {
	if logger == nil {
		logger = log.Default()
	}
	return &Loop{
		cfg:       cfg,
		repos:     repos,
		publisher: publisher,
		safety:    safetyState,
		readiness: readinessRegistry,
		recorder:  recorder,
		feedHub:   feedHub,
		logger:    logger,
		status:    health.StatusIdle,
		heartbeat: make(map[string]int64),
		now:       time.Now,
	}
}

// Run blocks, ticking every cfg.ControlInterval() until ctx is
// cancelled. At most one cycle runs at a time: a tick that fires while
// the previous cycle is still in flight is skipped and recorded as
// interval lag.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.cfg.ControlInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			go l.onTick(ctx, tick)
		}
	}
}

func (l *Loop) onTick(ctx context.Context, tick time.Time) {
	if !l.cycleMu.TryLock() {
		lag := l.now().Sub(tick).Seconds()
		metrics.IntervalLag.Observe(lag)
		l.logger.Printf("[control] previous cycle still running, skipping tick (lag=%.3fs)", lag)
		return
	}
	defer l.cycleMu.Unlock()
	l.runCycle(ctx)
}

// RunOnce executes exactly one control cycle synchronously. Exported
// for tests that want to drive a single cycle deterministically.
func (l *Loop) RunOnce(ctx context.Context) {
	l.cycleMu.Lock()
	defer l.cycleMu.Unlock()
	l.runCycle(ctx)
}

// Drain blocks until any in-flight cycle finishes, up to timeout. Used
// during shutdown so the process doesn't tear down repositories or the
// bus connection mid-cycle.
func (l *Loop) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		l.cycleMu.Lock()
		l.cycleMu.Unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		l.logger.Printf("[control] drain timed out waiting for in-flight cycle")
	}
}

func (l *Loop) runCycle(ctx context.Context) {
	start := l.now()
	startMs := start.UnixMilli()
	l.setIterationStarted(startMs)

	record := domain.Record{
		CycleID:     uuid.New().String(),
		StartedAtMs: startMs,
	}

	ready, reason := l.readiness.Ready()
	if !ready {
		record.FinishedAtMs = l.now().UnixMilli()
		record.Error = reason
		l.finalize(ctx, record, false, "readiness", reason)
		return
	}

	listCtx, cancel := context.WithTimeout(ctx, l.safety.DBQueryTimeout())
	devices, err := l.repos.Devices.List(listCtx)
	cancel()
	if err != nil {
		record.FinishedAtMs = l.now().UnixMilli()
		record.Error = err.Error()
		if l.safety.DBErrorBehavior() == config.DBErrorStopLoop {
			l.safety.ForceStop("db:" + err.Error())
		}
		l.finalize(ctx, record, false, "db", err.Error())
		return
	}

	byFeeder := make(map[string][]domain.Device)
	for _, d := range devices {
		byFeeder[d.FeederID] = append(byFeeder[d.FeederID], d.Normalize())
	}

	feederIDs := make([]string, 0, len(byFeeder))
	for id := range byFeeder {
		feederIDs = append(feederIDs, id)
	}
	sort.Strings(feederIDs)

	decisions := make([]domain.FeederDecision, len(feederIDs))
	publishOK, publishFailed := 0, 0
	var tallyMu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxFeederConcurrency)

	for i, feederID := range feederIDs {
		i, feederID := i, feederID
		devs := byFeeder[feederID]
		group.Go(func() error {
			fd, ok, failed := l.runFeeder(groupCtx, feederID, devs, start)
			decisions[i] = fd
			tallyMu.Lock()
			publishOK += ok
			publishFailed += failed
			tallyMu.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	record.Feeders = decisions
	record.PublishOK = publishOK
	record.PublishFailed = publishFailed
	record.FinishedAtMs = l.now().UnixMilli()

	l.finalize(ctx, record, true, "", "")
}

func (l *Loop) runFeeder(ctx context.Context, feederID string, devices []domain.Device, now time.Time) (domain.FeederDecision, int, int) {
	nowMs := now.UnixMilli()
	fd := domain.FeederDecision{FeederID: feederID}

	limitKw := l.cfg.FeederDefaultLimitKw
	eventCtx, cancel := context.WithTimeout(ctx, l.safety.DBQueryTimeout())
	ev, err := l.repos.Events.ActiveEvent(eventCtx, now, feederID)
	cancel()
	if err == nil && ev != nil {
		limitKw = ev.LimitKw
	}

	telemetryCtx, cancel := context.WithTimeout(ctx, l.safety.DBQueryTimeout())
	latestRows, err := l.repos.Telemetry.LatestPerDevice(telemetryCtx, feederID)
	cancel()
	if err != nil {
		switch l.safety.DBErrorBehavior() {
		case config.DBErrorStopLoop:
			l.safety.ForceStop("db:" + err.Error())
			fd.HeadroomAvailableKw = limitKw
			return fd, 0, 0
		case config.DBErrorHoldLast:
			// Leave existing commands in place: publish nothing for this
			// feeder this cycle.
			fd.HeadroomAvailableKw = limitKw
			return fd, 0, 0
		default: // DBErrorSafeZeroAll
			return l.safeZeroFeeder(ctx, feederID, devices, nowMs, limitKw)
		}
	}
	latest := make(map[string]domain.TelemetryRow, len(latestRows))
	for _, r := range latestRows {
		latest[r.DeviceID] = r
	}

	type deviceState struct {
		device      domain.Device
		actualKw    float64
		soc         *float64
		ageMs       int64
		stale       bool
		excluded    bool
		reasonCodes []domain.ReasonCode
	}

	states := make([]deviceState, 0, len(devices))
	var nonDispatchableActual float64
	var staleIDs []string

	for _, d := range devices {
		row, hasRow := latest[d.ID]
		st := deviceState{device: d}
		if hasRow {
			st.soc = row.Soc
			st.ageMs = nowMs - row.TsMs
		} else {
			st.ageMs = math.MaxInt64
		}

		if !hasRow || st.ageMs > l.cfg.TelemetryStaleMs {
			st.stale = true
			staleIDs = append(staleIDs, d.ID)
			st.reasonCodes = append(st.reasonCodes, domain.ReasonStaleTelemetry)
			switch l.cfg.TelemetryMissingBehavior {
			case config.StaleHoldLast:
				if hasRow && st.ageMs <= l.cfg.HoldLastMaxMs {
					st.actualKw = row.PowerKw
				} else {
					st.actualKw = 0
					st.excluded = true
				}
			case config.StaleExcludeDevice:
				continue // drop entirely: not counted, not allocated
			default: // StaleSafeZero
				st.actualKw = 0
				st.excluded = true
			}
		} else {
			st.actualKw = row.PowerKw
		}

		if !d.IsDispatchable() {
			nonDispatchableActual += st.actualKw
		}
		states = append(states, st)
	}

	rawHeadroom := limitKw - nonDispatchableActual

	var program *domain.DRProgram
	programCtx, cancel := context.WithTimeout(ctx, l.safety.DBQueryTimeout())
	p, err := l.repos.DRPrograms.ActiveProgram(programCtx, now, feederID)
	cancel()
	if err == nil {
		program = p
	}
	drResult := drpolicy.Apply(program, rawHeadroom, now, drpolicy.Params{KBoost: l.cfg.ControlDRKBoost, KShed: l.cfg.ControlDRKShed})
	effectiveHeadroom := drResult.AdjustedAvailableKw

	var candidates []allocator.DeviceInput
	candidateByID := make(map[string]*deviceState)
	for i := range states {
		st := &states[i]
		if !st.device.IsDispatchable() || st.excluded {
			continue
		}
		candidates = append(candidates, allocator.DeviceInput{
			ID:       st.device.ID,
			PMaxKw:   st.device.PMaxKw,
			Priority: st.device.Priority,
			Soc:      st.soc,
		})
		candidateByID[st.device.ID] = st
	}

	allocParams := allocator.Params{
		GlobalKwLimit:    l.cfg.ControlGlobalKwLimit,
		MinSocReserve:    l.cfg.ControlMinSocReserve,
		TargetSoc:        l.cfg.ControlTargetSoc,
		RespectPriority:  l.cfg.ControlRespectPriority,
		SocWeight:        l.cfg.ControlSocWeight,
		Mode:             allocator.Mode(l.cfg.ControlAllocationMode),
		EnforceTargetSoc: l.cfg.ControlOptimizerEnforceTargetSoc,
		SolverEnabled:    l.cfg.ControlOptimizerSolverEnabled,
	}
	allocations := allocator.Allocate(candidates, effectiveHeadroom, allocParams)

	var allocatedTotal float64
	publishOK, publishFailed := 0, 0

	for i := range states {
		st := &states[i]
		if !st.device.IsDispatchable() {
			continue
		}
		allocated := allocations[st.device.ID]
		allocatedTotal += allocated

		reasonCodes := append([]domain.ReasonCode{}, st.reasonCodes...)
		if cand, ok := candidateByID[st.device.ID]; ok {
			reasonCodes = append(reasonCodes, allocator.ReasonCodes(allocator.DeviceInput{
				ID: cand.device.ID, PMaxKw: cand.device.PMaxKw, Priority: cand.device.Priority, Soc: cand.soc,
			}, allocated, effectiveHeadroom, allocParams)...)
		}
		if drResult.ReasonCode != "" {
			reasonCodes = append(reasonCodes, drResult.ReasonCode)
		}

		trackingErrorKw := 0.0
		if prevCmd, ok := l.safety.LastCommand(st.device.ID); ok {
			trackingErrorKw = math.Abs(st.actualKw - prevCmd.TargetPowerKw)
		}

		dd := domain.DeviceDecision{
			DeviceID:        st.device.ID,
			TelemetryAgeMs:  st.ageMs,
			Soc:             st.soc,
			Allocated:       allocated,
			TrackingErrorKw: trackingErrorKw,
			ReasonCodes:     reasonCodes,
		}

		shouldPublish, cmd := l.diffPublish(st.device, allocated, nowMs)
		if shouldPublish {
			dd.Setpoint = &cmd
			if err := l.publish(ctx, st.device, cmd, nowMs); err != nil {
				dd.PublishError = err.Error()
				publishFailed++
			} else {
				dd.Published = true
				publishOK++
				l.safety.SetLastCommand(st.device.ID, domain.CommandRecord{
					TargetPowerKw: cmd.TargetPowerKw, ValidUntilMs: cmd.ValidUntilMs, AtMs: nowMs,
				})
			}
		}

		fd.Devices = append(fd.Devices, dd)
	}

	fd.HeadroomAvailableKw = effectiveHeadroom
	fd.HeadroomAllocatedKw = allocatedTotal
	fd.HeadroomUnusedKw = effectiveHeadroom - allocatedTotal
	fd.StaleDeviceIDs = staleIDs

	metrics.HeadroomAvailable.WithLabelValues(feederID).Set(effectiveHeadroom)
	metrics.HeadroomAllocated.WithLabelValues(feederID).Set(allocatedTotal)
	metrics.FeederFreshCount.WithLabelValues(feederID).Set(float64(len(devices) - len(staleIDs)))
	metrics.FeederStaleCount.WithLabelValues(feederID).Set(float64(len(staleIDs)))

	return fd, publishOK, publishFailed
}

// safeZeroFeeder publishes a zero setpoint to every dispatchable device
// on feederID. Used when a repository read fails mid-cycle under
// DBErrorBehavior SAFE_ZERO_ALL, since the cycle has no trustworthy
// telemetry to allocate against.
func (l *Loop) safeZeroFeeder(ctx context.Context, feederID string, devices []domain.Device, nowMs int64, limitKw float64) (domain.FeederDecision, int, int) {
	fd := domain.FeederDecision{FeederID: feederID, HeadroomAvailableKw: limitKw}
	publishOK, publishFailed := 0, 0

	for _, d := range devices {
		if !d.IsDispatchable() {
			continue
		}
		cmd := domain.SetpointCommand{
			DeviceID:      d.ID,
			TargetPowerKw: 0,
			Mode:          domain.SetpointIdle,
			ValidUntilMs:  nowMs + l.cfg.ControlIntervalMs*2,
			Reason:        domain.SetpointReason{Allocator: "db_error_safe_zero"},
		}
		dd := domain.DeviceDecision{
			DeviceID:    d.ID,
			ReasonCodes: []domain.ReasonCode{domain.ReasonStaleTelemetry},
			Setpoint:    &cmd,
		}
		if err := l.publish(ctx, d, cmd, nowMs); err != nil {
			dd.PublishError = err.Error()
			publishFailed++
		} else {
			dd.Published = true
			publishOK++
			l.safety.SetLastCommand(d.ID, domain.CommandRecord{
				TargetPowerKw: 0, ValidUntilMs: cmd.ValidUntilMs, AtMs: nowMs,
			})
		}
		fd.Devices = append(fd.Devices, dd)
	}

	return fd, publishOK, publishFailed
}

// diffPublish decides whether a fresh setpoint should be published:
// the allocation differs materially from the last acknowledged
// command, or that command's TTL is about to lapse.
func (l *Loop) diffPublish(device domain.Device, allocated float64, nowMs int64) (bool, domain.SetpointCommand) {
	validUntil := nowMs + l.cfg.ControlIntervalMs*2
	cmd := domain.SetpointCommand{
		DeviceID:      device.ID,
		TargetPowerKw: allocated,
		Mode:          modeFor(allocated),
		ValidUntilMs:  validUntil,
		Reason:        domain.SetpointReason{Allocator: string(l.cfg.ControlAllocationMode)},
	}

	prev, ok := l.safety.LastCommand(device.ID)
	if !ok {
		return true, cmd
	}
	if math.Abs(allocated-prev.TargetPowerKw) > allocator.Epsilon {
		return true, cmd
	}
	if prev.ValidUntilMs-nowMs <= l.cfg.PublishEarlyMs {
		return true, cmd
	}
	return false, cmd
}

func modeFor(allocatedKw float64) domain.SetpointMode {
	if allocatedKw > allocator.Epsilon {
		return domain.SetpointCharge
	}
	return domain.SetpointIdle
}

func (l *Loop) publish(ctx context.Context, device domain.Device, cmd domain.SetpointCommand, nowMs int64) error {
	if stopped, reason := l.safety.IsStopped(); stopped {
		return fmt.Errorf("publish refused: loop stopped: %s", reason)
	}
	if l.gate != nil && !l.gate.AllowPublish() {
		return fmt.Errorf("publish rejected: admission gate is %s", l.gate.Mode())
	}
	if !l.safety.BreakerAllows() {
		return fmt.Errorf("mqtt breaker open")
	}
	env := contract.Envelope{
		V:           contract.ContractVersion,
		MessageType: contract.MessageTypeSetpoint,
		MessageID:   uuid.New().String(),
		DeviceID:    device.ID,
		DeviceType:  string(device.Type),
		TimestampMs: nowMs,
	}
	payload := contract.SetpointPayload{}
	payload.Command.TargetPowerKw = cmd.TargetPowerKw
	payload.Command.Mode = string(cmd.Mode)
	payload.Command.ValidUntilMs = cmd.ValidUntilMs
	payload.Reason.Allocator = cmd.Reason.Allocator

	ctx, cancel := context.WithTimeout(ctx, l.cfg.MqttPublishTimeout())
	defer cancel()
	return l.publisher.PublishSetpoint(ctx, env, payload)
}

func (l *Loop) finalize(ctx context.Context, record domain.Record, success bool, subsystem, reason string) {
	metrics.ControlCycleDuration.Observe(float64(record.DurationMs()) / 1000.0)
	l.setIterationFinished(record.FinishedAtMs, record.DurationMs(), record.Error)

	if success {
		l.safety.RecordSuccess()
		l.setStatus(health.StatusOK)
	} else {
		l.safety.RecordFailure(subsystem, reason)
		l.setStatus(health.StatusDegraded)
		l.logger.Printf("[control] cycle %s failed: %s: %s", record.CycleID, subsystem, reason)
	}
	metrics.ConsecutiveFailures.Set(float64(l.safety.ConsecutiveFailures()))

	l.recorder.Finalize(ctx, record)
	if l.feedHub != nil {
		l.feedHub.Publish(record)
	}
}

func (l *Loop) setIterationStarted(ms int64) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.lastIterationStartedMs = ms
}

func (l *Loop) setIterationFinished(ms, durationMs int64, lastErr string) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.lastIterationFinishedMs = ms
	l.lastDurationMs = durationMs
	l.lastError = lastErr
}

func (l *Loop) setStatus(s health.Status) {
	l.statusMu.Lock()
	defer l.statusMu.Unlock()
	l.status = s
}

// Snapshot returns the loop's current status for health assembly,
// applying stall detection against cfg.ControlLoopStallThresholdSeconds.
func (l *Loop) Snapshot() health.ControlLoopSnapshot {
	l.statusMu.Lock()
	status := l.status
	startedMs := l.lastIterationStartedMs
	finishedMs := l.lastIterationFinishedMs
	durationMs := l.lastDurationMs
	lastErr := l.lastError
	l.statusMu.Unlock()

	if health.IsStalled(finishedMs, l.cfg.ControlLoopStallThresholdSeconds, l.now()) {
		status = health.StatusStalled
	}

	return health.ControlLoopSnapshot{
		Status:                  status,
		LastIterationStartedMs:  startedMs,
		LastIterationFinishedMs: finishedMs,
		LastDurationMs:          durationMs,
		LastError:               lastErr,
		OfflineDeviceIDs:        l.offlineDevices(),
		HeartbeatTimeoutSeconds: l.cfg.DeviceHeartbeatTimeoutSeconds,
		StallThresholdSeconds:   l.cfg.ControlLoopStallThresholdSeconds,
	}
}

func (l *Loop) offlineDevices() []string {
	l.heartbeatMu.Lock()
	defer l.heartbeatMu.Unlock()
	nowMs := l.now().UnixMilli()
	timeoutMs := l.cfg.DeviceHeartbeatTimeoutSeconds * 1000
	var offline []string
	for deviceID, lastSeenMs := range l.heartbeat {
		if nowMs-lastSeenMs > timeoutMs {
			offline = append(offline, deviceID)
		}
	}
	sort.Strings(offline)
	return offline
}

// NoteHeartbeat records that deviceID was seen at tsMs, called by the
// telemetry handler's ingest path. Heartbeats are monotonic: an older
// timestamp never regresses a newer one.
func (l *Loop) NoteHeartbeat(deviceID string, tsMs int64) {
	l.heartbeatMu.Lock()
	defer l.heartbeatMu.Unlock()
	if existing, ok := l.heartbeat[deviceID]; !ok || tsMs > existing {
		l.heartbeat[deviceID] = tsMs
	}
}
