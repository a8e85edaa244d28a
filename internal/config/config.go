package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (FP_MQTT_BROKER, ...).
const EnvPrefix = "FP_"

// Config represents the complete gateway configuration
type Config struct {
	InstanceID       string           `yaml:"instance_id" env:"INSTANCE_ID"`
	ShutdownTimeoutS int              `yaml:"shutdown_timeout_s" env:"SHUTDOWN_TIMEOUT_S"` // Graceful shutdown timeout in seconds (default: 5)
	MQTT             MQTTConfig       `yaml:"mqtt" envPrefix:"MQTT_"`
	Protocol         ProtocolConfig   `yaml:"protocol" envPrefix:"PROTOCOL_"`
	Correlator       CorrelatorConfig `yaml:"correlator" envPrefix:"CORRELATOR_"`
	Broadcast        BroadcastConfig  `yaml:"broadcast" envPrefix:"BROADCAST_"`
	Store            StoreConfig      `yaml:"store" envPrefix:"STORE_"`
	HTTP             HTTPConfig       `yaml:"http" envPrefix:"HTTP_"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker         string          `yaml:"broker" env:"BROKER"` // host:port or URL (tcp://, ssl://, ws://)
	ClientID       string          `yaml:"client_id" env:"CLIENT_ID"`
	Username       string          `yaml:"username" env:"USERNAME"`
	Password       string          `yaml:"password" env:"PASSWORD"`
	QoS            byte            `yaml:"qos" env:"QOS"`
	Topics         MQTTTopics      `yaml:"topics" envPrefix:"TOPIC_"`
	ConnectTimeout time.Duration   `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	PublishTimeout time.Duration   `yaml:"publish_timeout" env:"PUBLISH_TIMEOUT"`
	InboxSize      int             `yaml:"inbox_size" env:"INBOX_SIZE"` // dispatcher queue between broker callback and handler
	Reconnect      ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

// MQTTTopics names the three topics of the sensor protocol
type MQTTTopics struct {
	Command   string `yaml:"command" env:"COMMAND"`     // controller -> sensor
	Response  string `yaml:"response" env:"RESPONSE"`   // sensor -> controller: ACK + instruction
	Detection string `yaml:"detection" env:"DETECTION"` // sensor -> controller: detections
}

// ReconnectConfig bounds the exponential backoff of broker connections
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" env:"INITIAL_DELAY"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"` // initial connect only; paho retries forever afterwards
}

// ProtocolConfig contains wire format settings
type ProtocolConfig struct {
	IDPadWidth int  `yaml:"id_pad_width" env:"ID_PAD_WIDTH"` // default 3 ("C007")
	Unpadded   bool `yaml:"unpadded" env:"UNPADDED"`         // legacy producers send "C7"
}

// PadWidth returns the effective id width of command tokens.
func (p ProtocolConfig) PadWidth() int {
	if p.Unpadded {
		return 0
	}
	return p.IDPadWidth
}

// CorrelatorConfig bounds the two waits of a command
type CorrelatorConfig struct {
	AckTimeout         time.Duration `yaml:"ack_timeout" env:"ACK_TIMEOUT"`
	InstructionTimeout time.Duration `yaml:"instruction_timeout" env:"INSTRUCTION_TIMEOUT"`
}

// BroadcastConfig contains live update fan-out settings
type BroadcastConfig struct {
	QueueCapacity int    `yaml:"queue_capacity" env:"QUEUE_CAPACITY"`
	DropPolicy    string `yaml:"drop_policy" env:"DROP_POLICY"` // drop_oldest | drop_newest
}

// StoreConfig contains detection history settings
type StoreConfig struct {
	Path          string `yaml:"path" env:"PATH"`
	PoolSize      int    `yaml:"pool_size" env:"POOL_SIZE"`
	RecorderQueue int    `yaml:"recorder_queue" env:"RECORDER_QUEUE"`
}

// HTTPConfig contains the HTTP surface settings
type HTTPConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// Load reads an optional YAML file, applies FP_* environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}
