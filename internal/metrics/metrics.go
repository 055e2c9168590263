// Package metrics defines every Prometheus counter/gauge/histogram the
// core emits as promauto package vars, with closed label sets.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Handler returns the Prometheus scrape handler as a value. The core
// never binds a listener (the HTTP admin surface is out of scope); an
// external HTTP layer mounts this handler on its own mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

var (
	// --- Contract layer ---

	ContractValidationFail = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_contract_validation_fail_total",
		Help: "Messages rejected by contract validation",
	}, []string{"messageType", "reason"})

	ContractVersionReject = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_contract_version_reject_total",
		Help: "Messages rejected for an unsupported contract version",
	}, []string{"messageType"})

	// --- Telemetry ingest ---

	OutOfOrder = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_out_of_order_total",
		Help: "Samples that arrived older than the current latest-per-device marker",
	}, []string{"messageType"})

	DuplicateMessage = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_duplicate_message_total",
		Help: "Messages whose messageId was already persisted",
	}, []string{"messageType"})

	TelemetryDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_telemetry_dropped_total",
		Help: "Telemetry rows dropped before persistence",
	}, []string{"reason"})

	TelemetryQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_telemetry_queue_depth",
		Help: "Current depth of the bounded telemetry ingest queue",
	})

	TelemetryBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_telemetry_batch_size",
		Help:    "Size of telemetry batches flushed to the repository",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10),
	})

	// --- Messaging transport ---

	MqttConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_mqtt_connected",
		Help: "1 if the MQTT transport is connected, else 0",
	})

	MqttDisconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_mqtt_disconnects_total",
		Help: "Total MQTT disconnect events observed",
	})

	MqttOversizeDrop = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_mqtt_oversize_drop_total",
		Help: "Inbound messages dropped for exceeding the max payload size",
	})

	MqttProcessingTimeout = promauto.NewCounter(prometheus.CounterOpts{
		Name: "derms_mqtt_processing_timeout_total",
		Help: "Inbound messages that exceeded the processing deadline",
	})

	MqttRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_mqtt_rate_limited_total",
		Help: "Inbound messages rejected by the per-device admission limiter",
	}, []string{"deviceId"})

	MqttPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "derms_mqtt_publish_total",
		Help: "Setpoint publish attempts by result",
	}, []string{"result"})

	MqttPublishLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_mqtt_publish_latency_seconds",
		Help:    "Observed latency of each publish attempt, including retries",
		Buckets: prometheus.DefBuckets,
	})

	MqttBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_mqtt_breaker_state",
		Help: "MQTT circuit breaker state (0=closed,1=half_open,2=open)",
	}, []string{"state"})

	// --- Control loop ---

	ControlCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_control_cycle_duration_seconds",
		Help:    "Duration of one control cycle",
		Buckets: prometheus.DefBuckets,
	})

	IntervalLag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "derms_interval_lag_seconds",
		Help:    "Observed lag when a tick is skipped because the previous cycle is still running",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	FeederFreshCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_feeder_fresh_device_count",
		Help: "Count of devices with fresh telemetry this cycle",
	}, []string{"feederId"})

	FeederStaleCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_feeder_stale_device_count",
		Help: "Count of devices with stale telemetry this cycle",
	}, []string{"feederId"})

	HeadroomAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_feeder_headroom_available_kw",
		Help: "Effective headroom computed for a feeder this cycle",
	}, []string{"feederId"})

	HeadroomAllocated = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_feeder_headroom_allocated_kw",
		Help: "Headroom allocated to dispatchable devices this cycle",
	}, []string{"feederId"})

	AllocatedKwDistribution = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "derms_device_allocated_kw",
		Help:    "Distribution of per-device allocated kW",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"deviceType"})

	// --- Safety / readiness ---

	ControlLoopStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_control_loop_status",
		Help: "1 for the currently-active control loop status label, else 0",
	}, []string{"status"})

	ConsecutiveFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_consecutive_failures",
		Help: "Current consecutive control-cycle failure count",
	})

	ReadinessGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "derms_readiness",
		Help: "1 if the named subsystem is ready, else 0",
	}, []string{"subsystem"})

	OfflineDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "derms_offline_device_count",
		Help: "Count of devices whose heartbeat has exceeded the configured timeout",
	})
)
