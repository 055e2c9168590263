// Package safety holds the process-wide tunables and the mutable safety
// state tracking consecutive failures, last command per device, and the
// MQTT circuit breaker.
package safety

import (
	"time"

	"github.com/ceh6514/derms-feeder-controller/internal/config"
)

// Policy is the immutable set of tunables loaded once at startup.
type Policy struct {
	MaxConsecutiveFailures int
	RestartBehavior        config.RestartBehavior
	DBErrorBehavior        config.DBErrorBehavior

	MqttBreakerThreshold  int
	MqttBreakerCooldown   time.Duration

	DBQueryTimeout time.Duration
	MqttPublishTimeout time.Duration
}

// PolicyFromConfig derives a Policy from the loaded Config.
func PolicyFromConfig(c config.Config) Policy {
	return Policy{
		MaxConsecutiveFailures: c.MaxConsecutiveFailures,
		RestartBehavior:        c.RestartBehavior,
		DBErrorBehavior:        c.DBErrorBehavior,
		MqttBreakerThreshold:   c.MqttBreakerThreshold,
		MqttBreakerCooldown:    time.Duration(c.MqttBreakerCooldownMs) * time.Millisecond,
		DBQueryTimeout:         c.DBQueryTimeout(),
		MqttPublishTimeout:     c.MqttPublishTimeout(),
	}
}
