// Package config loads the controller's environment-variable-driven
// tunables into one typed struct. No config framework is used: values
// are read from os.Getenv directly with coded fallbacks.
package config

import (
	"os"
	"strconv"
	"time"
)

// AllocationMode selects the allocator algorithm.
type AllocationMode string

const (
	AllocationHeuristic AllocationMode = "heuristic"
	AllocationOptimizer AllocationMode = "optimizer"
)

// StaleBehavior selects how the control loop treats stale telemetry.
type StaleBehavior string

const (
	StaleSafeZero      StaleBehavior = "SAFE_ZERO"
	StaleHoldLast       StaleBehavior = "HOLD_LAST"
	StaleExcludeDevice StaleBehavior = "EXCLUDE_DEVICE"
)

// DBErrorBehavior selects how the control loop reacts to repository
// failures mid-cycle.
type DBErrorBehavior string

const (
	DBErrorSafeZeroAll DBErrorBehavior = "SAFE_ZERO_ALL"
	DBErrorHoldLast    DBErrorBehavior = "HOLD_LAST"
	DBErrorStopLoop    DBErrorBehavior = "STOP_LOOP"
)

// RestartBehavior selects the startup posture for previously-published
// commands.
type RestartBehavior string

const (
	RestartSafeZero RestartBehavior = "SAFE_ZERO"
	RestartHoldLast RestartBehavior = "HOLD_LAST"
)

// Config holds every environment-sourced tunable the core consumes.
type Config struct {
	ControlIntervalMs int64

	FeederDefaultLimitKw float64
	DefaultFeederID      string

	ControlGlobalKwLimit             float64
	ControlMinSocReserve             float64
	ControlTargetSoc                 float64
	ControlRespectPriority           bool
	ControlSocWeight                 float64
	ControlAllocationMode            AllocationMode
	ControlOptimizerEnforceTargetSoc bool
	ControlOptimizerSolverEnabled    bool
	ControlDRKBoost                  float64
	ControlDRKShed                   float64

	TelemetryStaleMs        int64
	TelemetryMissingBehavior StaleBehavior
	HoldLastMaxMs           int64
	AllowedFutureSkewMs     int64

	MqttMaxPayloadBytes    int64
	MqttProcessingTimeoutMs int64
	MqttPublishTimeoutMs   int64
	MqttMaxRetries         int
	MqttRetryBackoffMs     int64
	MqttBreakerThreshold   int
	MqttBreakerCooldownMs  int64

	DBQueryTimeoutMs int64
	DBErrorBehavior  DBErrorBehavior

	MaxConsecutiveFailures int
	RestartBehavior        RestartBehavior

	TelemetryBatchSize     int
	TelemetryBatchFlushMs  int64
	TelemetryMaxQueueSize  int

	DeviceHeartbeatTimeoutSeconds   int64
	ControlLoopStallThresholdSeconds int64
	AlertCooldownSeconds            int64

	TopicPrefix   string
	ShutdownGraceMs int64

	PublishEarlyMs int64
}

// Default returns the controller's defaults before any environment
// overrides are applied.
func Default() Config {
	return Config{
		ControlIntervalMs: 60_000,

		FeederDefaultLimitKw: 100,
		DefaultFeederID:      "default",

		ControlGlobalKwLimit:             0, // 0 = unset, feeder limit governs
		ControlMinSocReserve:             0.2,
		ControlTargetSoc:                 0.9,
		ControlRespectPriority:           true,
		ControlSocWeight:                 1.0,
		ControlAllocationMode:            AllocationHeuristic,
		ControlOptimizerEnforceTargetSoc: true,
		ControlOptimizerSolverEnabled:    false,
		ControlDRKBoost:                  0.5,
		ControlDRKShed:                   0.5,

		TelemetryStaleMs:         30_000,
		TelemetryMissingBehavior: StaleSafeZero,
		HoldLastMaxMs:            120_000,
		AllowedFutureSkewMs:      30_000,

		MqttMaxPayloadBytes:     65536,
		MqttProcessingTimeoutMs: 5_000,
		MqttPublishTimeoutMs:    5_000,
		MqttMaxRetries:          3,
		MqttRetryBackoffMs:      500,
		MqttBreakerThreshold:    5,
		MqttBreakerCooldownMs:   30_000,

		DBQueryTimeoutMs: 5_000,
		DBErrorBehavior:  DBErrorSafeZeroAll,

		MaxConsecutiveFailures: 5,
		RestartBehavior:        RestartSafeZero,

		TelemetryBatchSize:    200,
		TelemetryBatchFlushMs: 1_000,
		TelemetryMaxQueueSize: 10_000,

		DeviceHeartbeatTimeoutSeconds:    300,
		ControlLoopStallThresholdSeconds: 180,
		AlertCooldownSeconds:             300,

		TopicPrefix:     "derms",
		ShutdownGraceMs: 10_000,

		PublishEarlyMs: 5_000,
	}
}

// Load applies environment overrides on top of Default().
func Load() Config {
	c := Default()

	c.ControlIntervalMs = envInt64("CONTROL_INTERVAL_MS", c.ControlIntervalMs)

	c.FeederDefaultLimitKw = envFloat("FEEDER_DEFAULT_LIMIT_KW", c.FeederDefaultLimitKw)
	c.DefaultFeederID = envString("DEFAULT_FEEDER_ID", c.DefaultFeederID)

	c.ControlGlobalKwLimit = envFloat("CONTROL_GLOBAL_KW_LIMIT", c.ControlGlobalKwLimit)
	c.ControlMinSocReserve = envFloat("CONTROL_MIN_SOC_RESERVE", c.ControlMinSocReserve)
	c.ControlTargetSoc = envFloat("CONTROL_TARGET_SOC", c.ControlTargetSoc)
	c.ControlRespectPriority = envBool("CONTROL_RESPECT_PRIORITY", c.ControlRespectPriority)
	c.ControlSocWeight = envFloat("CONTROL_SOC_WEIGHT", c.ControlSocWeight)
	c.ControlAllocationMode = AllocationMode(envString("CONTROL_ALLOCATION_MODE", string(c.ControlAllocationMode)))
	c.ControlOptimizerEnforceTargetSoc = envBool("CONTROL_OPTIMIZER_ENFORCE_TARGET_SOC", c.ControlOptimizerEnforceTargetSoc)
	c.ControlOptimizerSolverEnabled = envBool("CONTROL_OPTIMIZER_SOLVER_ENABLED", c.ControlOptimizerSolverEnabled)
	c.ControlDRKBoost = envFloat("CONTROL_DR_K_BOOST", c.ControlDRKBoost)
	c.ControlDRKShed = envFloat("CONTROL_DR_K_SHED", c.ControlDRKShed)

	c.TelemetryStaleMs = envInt64("TELEMETRY_STALE_MS", c.TelemetryStaleMs)
	c.TelemetryMissingBehavior = StaleBehavior(envString("TELEMETRY_MISSING_BEHAVIOR", string(c.TelemetryMissingBehavior)))
	c.HoldLastMaxMs = envInt64("HOLD_LAST_MAX_MS", c.HoldLastMaxMs)

	c.MqttMaxPayloadBytes = envInt64("MQTT_MAX_PAYLOAD_BYTES", c.MqttMaxPayloadBytes)
	c.MqttProcessingTimeoutMs = envInt64("MQTT_PROCESSING_TIMEOUT_MS", c.MqttProcessingTimeoutMs)
	c.MqttPublishTimeoutMs = envInt64("MQTT_PUBLISH_TIMEOUT_MS", c.MqttPublishTimeoutMs)
	c.MqttMaxRetries = int(envInt64("MQTT_MAX_RETRIES", int64(c.MqttMaxRetries)))
	c.MqttRetryBackoffMs = envInt64("MQTT_RETRY_BACKOFF_MS", c.MqttRetryBackoffMs)
	c.MqttBreakerThreshold = int(envInt64("MQTT_BREAKER_THRESHOLD", int64(c.MqttBreakerThreshold)))
	c.MqttBreakerCooldownMs = envInt64("MQTT_BREAKER_COOLDOWN_MS", c.MqttBreakerCooldownMs)

	c.DBQueryTimeoutMs = envInt64("DB_QUERY_TIMEOUT_MS", c.DBQueryTimeoutMs)
	c.DBErrorBehavior = DBErrorBehavior(envString("DB_ERROR_BEHAVIOR", string(c.DBErrorBehavior)))

	c.MaxConsecutiveFailures = int(envInt64("MAX_CONSECUTIVE_FAILURES", int64(c.MaxConsecutiveFailures)))
	c.RestartBehavior = RestartBehavior(envString("RESTART_BEHAVIOR", string(c.RestartBehavior)))

	c.TelemetryBatchSize = int(envInt64("TELEMETRY_BATCH_SIZE", int64(c.TelemetryBatchSize)))
	c.TelemetryBatchFlushMs = envInt64("TELEMETRY_BATCH_FLUSH_MS", c.TelemetryBatchFlushMs)
	c.TelemetryMaxQueueSize = int(envInt64("TELEMETRY_MAX_QUEUE_SIZE", int64(c.TelemetryMaxQueueSize)))

	c.DeviceHeartbeatTimeoutSeconds = envInt64("DEVICE_HEARTBEAT_TIMEOUT_SECONDS", c.DeviceHeartbeatTimeoutSeconds)
	c.ControlLoopStallThresholdSeconds = envInt64("CONTROL_LOOP_STALL_THRESHOLD_SECONDS", c.ControlLoopStallThresholdSeconds)
	c.AlertCooldownSeconds = envInt64("ALERT_COOLDOWN_SECONDS", c.AlertCooldownSeconds)

	c.TopicPrefix = envString("MQTT_TOPIC_PREFIX", c.TopicPrefix)
	c.ShutdownGraceMs = envInt64("SHUTDOWN_GRACE_MS", c.ShutdownGraceMs)
	c.PublishEarlyMs = envInt64("PUBLISH_EARLY_MS", c.PublishEarlyMs)

	return c
}

func (c Config) ControlInterval() time.Duration      { return time.Duration(c.ControlIntervalMs) * time.Millisecond }
func (c Config) TelemetryStale() time.Duration        { return time.Duration(c.TelemetryStaleMs) * time.Millisecond }
func (c Config) MqttProcessingTimeout() time.Duration { return time.Duration(c.MqttProcessingTimeoutMs) * time.Millisecond }
func (c Config) MqttPublishTimeout() time.Duration    { return time.Duration(c.MqttPublishTimeoutMs) * time.Millisecond }
func (c Config) DBQueryTimeout() time.Duration        { return time.Duration(c.DBQueryTimeoutMs) * time.Millisecond }
func (c Config) ShutdownGrace() time.Duration         { return time.Duration(c.ShutdownGraceMs) * time.Millisecond }

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}
