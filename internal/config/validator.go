package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/care/fingerprint/internal/broadcast"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Defaults mirror the topics and broker the sensor firmware ships with.
const (
	DefaultInstanceID       = "fingerprint-gw"
	DefaultBroker           = "localhost:1883"
	DefaultCommandTopic     = "server/to/esp32"
	DefaultResponseTopic    = "esp32/to/server/callback"
	DefaultDetectionTopic   = "esp32/to/server/actions"
	DefaultStorePath        = "huellas.db"
	DefaultHTTPAddr         = ":5000"
	DefaultIDPadWidth       = 3
	DefaultAckTimeout       = 5 * time.Second
	DefaultInstructionWait  = 30 * time.Second
	DefaultConnectTimeout   = 5 * time.Second
	DefaultPublishTimeout   = 2 * time.Second
	DefaultInboxSize        = 64
	DefaultRecorderQueue    = 32
	DefaultShutdownTimeoutS = 5
)

// Validate checks the configuration and fills in defaults for unset values
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = DefaultInstanceID
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = DefaultShutdownTimeoutS
	}

	if err := validateMQTT(cfg); err != nil {
		return err
	}

	// Protocol
	if cfg.Protocol.IDPadWidth == 0 {
		cfg.Protocol.IDPadWidth = DefaultIDPadWidth
	}
	if cfg.Protocol.IDPadWidth < 3 || cfg.Protocol.IDPadWidth > 8 {
		return fmt.Errorf("protocol.id_pad_width must be 3-8 (ids go up to 127), got %d", cfg.Protocol.IDPadWidth)
	}

	// Correlator
	if cfg.Correlator.AckTimeout <= 0 {
		cfg.Correlator.AckTimeout = DefaultAckTimeout
	}
	if cfg.Correlator.InstructionTimeout <= 0 {
		cfg.Correlator.InstructionTimeout = DefaultInstructionWait
	}

	// Broadcast
	if cfg.Broadcast.QueueCapacity <= 0 {
		cfg.Broadcast.QueueCapacity = broadcast.DefaultCapacity
	}
	policy, err := broadcast.ParseDropPolicy(cfg.Broadcast.DropPolicy)
	if err != nil {
		return fmt.Errorf("broadcast.drop_policy: %w", err)
	}
	cfg.Broadcast.DropPolicy = policy.String()

	// Store
	if cfg.Store.Path == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if cfg.Store.PoolSize <= 0 {
		cfg.Store.PoolSize = 4
	}
	if cfg.Store.RecorderQueue <= 0 {
		cfg.Store.RecorderQueue = DefaultRecorderQueue
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}

	return nil
}

func validateMQTT(cfg *Config) error {
	m := &cfg.MQTT

	if m.Broker == "" {
		m.Broker = DefaultBroker
	}
	if m.ClientID == "" {
		m.ClientID = cfg.InstanceID
	}
	if m.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", m.QoS)
	}

	// Set default topics if not provided
	if m.Topics.Command == "" {
		m.Topics.Command = DefaultCommandTopic
	}
	if m.Topics.Response == "" {
		m.Topics.Response = DefaultResponseTopic
	}
	if m.Topics.Detection == "" {
		m.Topics.Detection = DefaultDetectionTopic
	}
	if m.Topics.Command == m.Topics.Response {
		return fmt.Errorf("mqtt.topics.command and mqtt.topics.response must differ (commands would be read back as responses)")
	}

	if m.ConnectTimeout <= 0 {
		m.ConnectTimeout = DefaultConnectTimeout
	}
	if m.PublishTimeout <= 0 {
		m.PublishTimeout = DefaultPublishTimeout
	}
	if m.InboxSize <= 0 {
		m.InboxSize = DefaultInboxSize
	}

	r := &m.Reconnect
	if r.InitialDelay <= 0 {
		r.InitialDelay = 1 * time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = 30 * time.Second
	}
	if r.MaxDelay < r.InitialDelay {
		return fmt.Errorf("mqtt.reconnect.max_delay (%s) must be >= initial_delay (%s)", r.MaxDelay, r.InitialDelay)
	}
	if r.MaxRetries <= 0 {
		r.MaxRetries = 5
	}

	return nil
}
