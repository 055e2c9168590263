// Package telemetry implements the inbound telemetry pipeline: contract
// validation, newness/idempotency bookkeeping, and batched persistence.
// Ingest enqueues onto a bounded channel; a single background goroutine
// drains it and flushes to the repository in batches, so ordering is
// strictly by arrival rather than by any priority.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/admission"
	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/domain"
	"github.com/ceh6514/derms-feeder-controller/internal/metrics"
	"github.com/ceh6514/derms-feeder-controller/internal/repo"
)

// ErrBackpressure is returned when the ingest queue is at capacity.
var ErrBackpressure = errors.New("telemetry: queue at capacity, dropping sample")

// ErrAdmissionClosed is returned when the admission gate is not
// accepting new telemetry (Drain or Freeze mode).
var ErrAdmissionClosed = errors.New("telemetry: admission closed, rejecting sample")

type queuedRow struct {
	row   domain.TelemetryRow
	newer bool
}

// Handler is the single process-wide telemetry ingest component. One
// Handler serves every transport subscription; there is no per-device
// or per-feeder instance.
type Handler struct {
	repository repo.Telemetry
	cfg        config.Config
	mode       contract.Mode

	queue chan queuedRow

	mu        sync.Mutex
	latest    map[string]domain.TelemetryRow
	heartbeat map[string]time.Time

	batch      []queuedRow
	stopCh     chan struct{}
	wg         sync.WaitGroup
	flushTimer *time.Timer

	onHeartbeat func(deviceID string, tsMs int64)
	dedup       dedupCache
	gate        *admission.Gate

	now func() time.Time
}

// dedupCache is the subset of *redisdedup.Dedup the handler depends on,
// narrowed to keep the package importable without a Redis dependency in
// tests.
type dedupCache interface {
	SeenBefore(ctx context.Context, messageID string) bool
}

// NewHandler constructs a Handler bound to repository, using cfg for
// batch sizing and queue capacity.
func NewHandler(repository repo.Telemetry, cfg config.Config, mode contract.Mode) *Handler {
	return &Handler{
		repository: repository,
		cfg:        cfg,
		mode:       mode,
		queue:      make(chan queuedRow, cfg.TelemetryMaxQueueSize),
		latest:     make(map[string]domain.TelemetryRow),
		heartbeat:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// SetDedupCache attaches an optional pre-insert dedup cache (e.g.
// redisdedup.Dedup). When set, a message id seen before is dropped
// before it reaches the queue instead of riding through to the
// repository's unique-index check.
func (h *Handler) SetDedupCache(d dedupCache) {
	h.dedup = d
}

// SetAdmissionGate attaches the shared kill switch. A nil gate (the
// default) always admits.
func (h *Handler) SetAdmissionGate(gate *admission.Gate) {
	h.gate = gate
}

// SetHeartbeatCallback registers a hook invoked every time a device's
// latest marker advances, used by the control loop to track per-device
// liveness without polling the handler.
func (h *Handler) SetHeartbeatCallback(fn func(deviceID string, tsMs int64)) {
	h.onHeartbeat = fn
}

// Start launches the background flusher goroutine. Must be called once
// before Ingest is used.
func (h *Handler) Start() {
	h.wg.Add(1)
	go h.flushLoop()
}

// Stop drains the queue and stops the flusher, blocking until it exits.
func (h *Handler) Stop() {
	close(h.stopCh)
	h.wg.Wait()
}

// Ingest validates, projects, and enqueues one raw telemetry message.
// It never blocks on persistence: a full queue returns ErrBackpressure
// immediately rather than applying backpressure to the caller.
func (h *Handler) Ingest(ctx context.Context, raw []byte) error {
	if h.gate != nil && !h.gate.AllowIngest() {
		metrics.TelemetryDropped.WithLabelValues("admission_closed").Inc()
		return ErrAdmissionClosed
	}

	env, payload, err := contract.ValidateTelemetryV1(raw, h.mode)
	if err != nil {
		if verr, ok := err.(*contract.ValidationError); ok && verr.IsVersionMismatch() {
			metrics.ContractVersionReject.WithLabelValues(string(contract.MessageTypeTelemetry)).Inc()
		}
		metrics.ContractValidationFail.WithLabelValues(string(contract.MessageTypeTelemetry), "schema").Inc()
		return fmt.Errorf("telemetry: validation failed: %w", err)
	}

	nowMs := h.now().UnixMilli()
	if env.TimestampMs > nowMs+h.cfg.AllowedFutureSkewMs {
		metrics.TelemetryDropped.WithLabelValues("future_skew").Inc()
		return fmt.Errorf("telemetry: timestampMs %d exceeds allowed future skew", env.TimestampMs)
	}

	if h.dedup != nil && h.dedup.SeenBefore(ctx, env.MessageID) {
		metrics.DuplicateMessage.WithLabelValues(string(contract.MessageTypeTelemetry)).Inc()
		return nil
	}

	row := h.project(env, payload)

	h.mu.Lock()
	prev, hasPrev := h.latest[row.DeviceID]
	newer := !hasPrev || domain.TelemetrySample{TsMs: row.TsMs, SentAtMs: row.SentAtMs}.NewerThan(
		domain.TelemetrySample{TsMs: prev.TsMs, SentAtMs: prev.SentAtMs})
	h.mu.Unlock()

	if !newer {
		metrics.OutOfOrder.WithLabelValues(string(contract.MessageTypeTelemetry)).Inc()
	}

	select {
	case h.queue <- queuedRow{row: row, newer: newer}:
	default:
		metrics.TelemetryDropped.WithLabelValues("backpressure").Inc()
		return ErrBackpressure
	}

	metrics.TelemetryQueueDepth.Set(float64(len(h.queue)))
	return nil
}

// project resolves the feeder/site fallback chain (payload.feederId ->
// payload.siteId -> config default) and builds the persistence row.
func (h *Handler) project(env contract.Envelope, payload contract.TelemetryPayload) domain.TelemetryRow {
	feederID := h.cfg.DefaultFeederID
	if payload.FeederID != nil && *payload.FeederID != "" {
		feederID = *payload.FeederID
	} else if payload.SiteID != nil && *payload.SiteID != "" {
		feederID = *payload.SiteID
	}
	siteID := ""
	if payload.SiteID != nil {
		siteID = *payload.SiteID
	}

	var caps *domain.Capabilities
	if payload.Capabilities != nil {
		caps = &domain.Capabilities{
			MaxChargeKw:    payload.Capabilities.MaxChargeKw,
			MaxDischargeKw: payload.Capabilities.MaxDischargeKw,
			MaxImportKw:    payload.Capabilities.MaxImportKw,
			MaxExportKw:    payload.Capabilities.MaxExportKw,
		}
	}

	return domain.TelemetryRow{
		MessageID:      env.MessageID,
		DeviceID:       env.DeviceID,
		DeviceType:     domain.DeviceType(env.DeviceType),
		TsMs:           env.TimestampMs,
		SentAtMs:       env.SentAtMs,
		PowerKw:        payload.Readings.PowerKw,
		Soc:            payload.Soc,
		Capabilities:   caps,
		SiteID:         siteID,
		FeederID:       feederID,
		Source:         env.Source,
		MessageVersion: env.V,
	}
}

func (h *Handler) flushLoop() {
	defer h.wg.Done()
	interval := time.Duration(h.cfg.TelemetryBatchFlushMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var pending []queuedRow
	for {
		select {
		case qr := <-h.queue:
			pending = append(pending, qr)
			metrics.TelemetryQueueDepth.Set(float64(len(h.queue)))
			if len(pending) >= h.cfg.TelemetryBatchSize {
				h.flush(pending)
				pending = nil
			}
		case <-ticker.C:
			if len(pending) > 0 {
				h.flush(pending)
				pending = nil
			}
		case <-h.stopCh:
			for {
				select {
				case qr := <-h.queue:
					pending = append(pending, qr)
				default:
					if len(pending) > 0 {
						h.flush(pending)
					}
					return
				}
			}
		}
	}
}

func (h *Handler) flush(pending []queuedRow) {
	metrics.TelemetryBatchSize.Observe(float64(len(pending)))

	rows := make([]domain.TelemetryRow, len(pending))
	for i, qr := range pending {
		rows[i] = qr.row
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.DBQueryTimeout())
	defer cancel()

	outcomes, err := h.repository.InsertBatch(ctx, rows)
	if err != nil {
		metrics.TelemetryDropped.WithLabelValues("repository_error").Inc()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, outcome := range outcomes {
		if outcome == domain.InsertOutcomeDuplicate {
			metrics.DuplicateMessage.WithLabelValues(string(contract.MessageTypeTelemetry)).Inc()
			continue
		}
		if !pending[i].newer {
			continue
		}
		row := pending[i].row
		if prev, ok := h.latest[row.DeviceID]; ok {
			// An earlier row of this batch may already have moved the marker past this one.
			cur := domain.TelemetrySample{TsMs: row.TsMs, SentAtMs: row.SentAtMs}
			if !cur.NewerThan(domain.TelemetrySample{TsMs: prev.TsMs, SentAtMs: prev.SentAtMs}) {
				metrics.OutOfOrder.WithLabelValues(string(contract.MessageTypeTelemetry)).Inc()
				continue
			}
		}
		h.latest[row.DeviceID] = row
		h.heartbeat[row.DeviceID] = h.now()
		if h.onHeartbeat != nil {
			h.onHeartbeat(row.DeviceID, row.TsMs)
		}
	}
}

// LatestPerDevice returns the in-memory latest-marker snapshot for a
// feeder. The control loop does not read it; each cycle reads the
// repository's own LatestPerDevice.
func (h *Handler) LatestPerDevice(feederID string) map[string]domain.TelemetryRow {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]domain.TelemetryRow)
	for deviceID, row := range h.latest {
		if row.FeederID == feederID {
			out[deviceID] = row
		}
	}
	return out
}

// LastSeen reports when a device's telemetry last advanced the marker.
func (h *Handler) LastSeen(deviceID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.heartbeat[deviceID]
	return t, ok
}
