// Package transport wires the controller to the message bus. It owns
// the inbound telemetry subscription and the outbound setpoint publish
// path, gating inbound telemetry on a per-device rate limiter and
// outbound publishes on the safety breaker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/ceh6514/derms-feeder-controller/internal/config"
	"github.com/ceh6514/derms-feeder-controller/internal/contract"
	"github.com/ceh6514/derms-feeder-controller/internal/readiness"
	"github.com/ceh6514/derms-feeder-controller/internal/safety"
	"github.com/ceh6514/derms-feeder-controller/internal/metrics"
	"github.com/ceh6514/derms-feeder-controller/internal/telemetry"
)

// ErrBreakerOpen is returned by Publish when the breaker is refusing
// outbound traffic.
var ErrBreakerOpen = errors.New("transport: mqtt breaker open, publish refused")

// ErrOversize is returned when an inbound payload exceeds the configured
// maximum.
var ErrOversize = errors.New("transport: payload exceeds max size")

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	Connected    bool
	BreakerState string
}

// Transport owns the MQTT client lifecycle and message routing between
// the bus and the telemetry handler / safety state.
type Transport struct {
	cfg       config.Config
	safety    *safety.State
	readiness *readiness.Registry
	handler   *telemetry.Handler
	limiter   *deviceLimiter

	client mqtt.Client
	logger *log.Logger
}

// New constructs a Transport. Connect must be called before use.
func New(cfg config.Config, safetyState *safety.State, readinessRegistry *readiness.Registry, handler *telemetry.Handler, logger *log.Logger) *Transport {
	if logger == nil {
		logger = log.Default()
	}
	return &Transport{
		cfg:       cfg,
		safety:    safetyState,
		readiness: readinessRegistry,
		handler:   handler,
		limiter:   newDeviceLimiter(5, 10),
		logger:    logger,
	}
}

// Connect dials the broker, wires connection lifecycle callbacks into
// the readiness registry, and subscribes to the inbound telemetry
// topic.
func (t *Transport) Connect(ctx context.Context, brokerURL, clientID string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		metrics.MqttConnected.Set(0)
		metrics.MqttDisconnects.Inc()
		t.readiness.SetBus(false, "connection lost: "+err.Error())
		t.logger.Printf("[transport] mqtt connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		metrics.MqttConnected.Set(1)
		t.readiness.SetBus(true, "")
		t.logger.Printf("[transport] mqtt connected")
	})

	t.client = mqtt.NewClient(opts)
	token := t.client.Connect()
	if !token.WaitTimeout(t.cfg.MqttProcessingTimeout()) {
		return fmt.Errorf("transport: connect timed out")
	}
	if err := token.Error(); err != nil {
		t.readiness.SetBus(false, err.Error())
		return fmt.Errorf("transport: connect failed: %w", err)
	}

	topic := t.cfg.TopicPrefix + "/telemetry/#"
	subToken := t.client.Subscribe(topic, 1, t.onTelemetryMessage)
	if !subToken.WaitTimeout(t.cfg.MqttProcessingTimeout()) {
		return fmt.Errorf("transport: subscribe timed out")
	}
	return subToken.Error()
}

// Close disconnects from the broker, waiting up to the configured
// shutdown grace period.
func (t *Transport) Close() {
	if t.client != nil && t.client.IsConnected() {
		t.client.Disconnect(uint(t.cfg.ShutdownGrace().Milliseconds()))
	}
}

func (t *Transport) onTelemetryMessage(client mqtt.Client, msg mqtt.Message) {
	payload := msg.Payload()
	if int64(len(payload)) > t.cfg.MqttMaxPayloadBytes {
		metrics.MqttOversizeDrop.Inc()
		return
	}

	deviceID := deviceIDFromTopic(msg.Topic())
	if deviceID != "" && !t.limiter.allow(deviceID) {
		metrics.MqttRateLimited.WithLabelValues(deviceID).Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.MqttProcessingTimeout())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- t.handler.Ingest(ctx, payload) }()

	select {
	case err := <-done:
		if err != nil {
			t.logger.Printf("[transport] telemetry ingest rejected: %v", err)
		}
	case <-ctx.Done():
		metrics.MqttProcessingTimeout.Inc()
		t.logger.Printf("[transport] telemetry ingest exceeded processing deadline for topic %s", msg.Topic())
	}
}

func deviceIDFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-1]
}

// PublishSetpoint serializes and publishes a setpoint command, retrying
// up to MqttMaxRetries with exponential backoff (MqttRetryBackoffMs
// doubled after each retry), gated by the safety breaker.
func (t *Transport) PublishSetpoint(ctx context.Context, env contract.Envelope, payload contract.SetpointPayload) error {
	raw, err := contract.SerializeSetpointV1(env, payload)
	if err != nil {
		return fmt.Errorf("transport: serialize setpoint: %w", err)
	}
	topic := fmt.Sprintf("%s/control/%s", t.cfg.TopicPrefix, env.DeviceID)
	return t.publish(ctx, topic, raw)
}

func (t *Transport) publish(ctx context.Context, topic string, payload []byte) error {
	if !t.safety.BreakerAllows() {
		metrics.MqttPublishTotal.WithLabelValues("breaker_open").Inc()
		return ErrBreakerOpen
	}

	start := time.Now()
	var lastErr error
	attempts := t.cfg.MqttMaxRetries + 1
retryLoop:
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(t.cfg.MqttRetryBackoffMs) * time.Millisecond * time.Duration(uint64(1)<<uint(attempt-1))
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retryLoop
			case <-time.After(backoff):
			}
		}

		token := t.client.Publish(topic, 1, false, payload)
		if !token.WaitTimeout(t.cfg.MqttPublishTimeout()) {
			lastErr = fmt.Errorf("publish timed out")
			continue
		}
		if err := token.Error(); err != nil {
			lastErr = err
			continue
		}

		metrics.MqttPublishLatency.Observe(time.Since(start).Seconds())
		metrics.MqttPublishTotal.WithLabelValues("success").Inc()
		t.safety.NoteMQTTSuccess()
		return nil
	}

	metrics.MqttPublishLatency.Observe(time.Since(start).Seconds())
	metrics.MqttPublishTotal.WithLabelValues("failure").Inc()
	t.safety.NoteMQTTFailure(lastErr.Error())
	return fmt.Errorf("transport: publish failed after %d attempts: %w", attempts, lastErr)
}

// Status reports a point-in-time snapshot for health endpoints.
func (t *Transport) Status() Status {
	connected := t.client != nil && t.client.IsConnected()
	return Status{
		Connected:    connected,
		BreakerState: t.safety.BreakerState(),
	}
}
