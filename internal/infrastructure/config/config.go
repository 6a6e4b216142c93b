package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the gateway.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	General     GeneralConfig     `yaml:"general"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Database    DatabaseConfig    `yaml:"database"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Worker      WorkerConfig      `yaml:"worker"`
	Persistence PersistenceConfig `yaml:"persistence"`
	API         APIConfig         `yaml:"api"`
}

// GeneralConfig contains topic roots and the legacy payload vocabulary.
type GeneralConfig struct {
	// TopicRoot prefixes every device topic ("tuya").
	TopicRoot string `yaml:"topic_root"`

	// DiscoveryRoot prefixes discovery descriptors and component configs ("tuyagateway").
	DiscoveryRoot string `yaml:"discovery_root"`

	// HomeAssistantRoot is the prefix of per data point discovery configs.
	HomeAssistantRoot string `yaml:"homeassistant_root"`

	PayloadOn           string `yaml:"payload_on"`
	PayloadOff          string `yaml:"payload_off"`
	AvailabilityOnline  string `yaml:"availability_online"`
	AvailabilityOffline string `yaml:"availability_offline"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// ProtocolConfig contains settings for the device protocol agent.
type ProtocolConfig struct {
	// AgentURL is the WebSocket endpoint of the agent that speaks the device wire protocol.
	AgentURL string `yaml:"agent_url"`

	// RequestTimeout bounds a single status or set request (seconds).
	RequestTimeout int `yaml:"request_timeout"`

	// DefaultVersion is used when a descriptor omits the protocol version.
	DefaultVersion string `yaml:"default_version"`

	Reconnect ProtocolReconnectConfig `yaml:"reconnect"`

	// Agent optionally runs the agent as a child process.
	Agent AgentProcessConfig `yaml:"agent"`
}

// AgentProcessConfig describes a protocol agent the gateway starts and
// restarts itself. Delays are in seconds.
type AgentProcessConfig struct {
	Managed         bool     `yaml:"managed"`
	Binary          string   `yaml:"binary"`
	Args            []string `yaml:"args"`
	Env             []string `yaml:"env"`
	RestartDelay    int      `yaml:"restart_delay"`
	MaxRestartDelay int      `yaml:"max_restart_delay"`
	MaxRestarts     int      `yaml:"max_restarts"` // 0 means unlimited
	GracefulTimeout int      `yaml:"graceful_timeout"`
}

// ProtocolReconnectConfig bounds the agent reconnect backoff (seconds).
type ProtocolReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// WorkerConfig contains per-device worker settings.
type WorkerConfig struct {
	// TickInterval is the command queue drain period in milliseconds.
	TickInterval int `yaml:"tick_interval_ms"`

	// QueueSize is the capacity of each worker's command queue.
	QueueSize int `yaml:"queue_size"`

	// ReadinessTimeout is how long (seconds) a discovery device may wait
	// for its fragments before a warning is logged. 0 disables the warning.
	ReadinessTimeout int `yaml:"readiness_timeout"`
}

// PersistenceConfig contains the snapshot sweep schedule (seconds).
type PersistenceConfig struct {
	InitialDelay  int `yaml:"initial_delay"`
	SweepInterval int `yaml:"sweep_interval"`
}

// APIConfig contains HTTP status API settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//  4. Overrides, in order (command-line flags)
//
// Environment variables follow the pattern: TUYAGATEWAY_SECTION_KEY
// For example: TUYAGATEWAY_MQTT_HOST, TUYAGATEWAY_DATABASE_PATH
//
// Parameters:
//   - path: YAML file path, or "" to start from defaults
//   - overrides: applied last, before validation
//
// Returns:
//   - *Config: Validated configuration
//   - error: If the file cannot be read or parsed, or validation fails
func Load(path string, overrides ...func(*Config)) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	for _, override := range overrides {
		override(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		General: GeneralConfig{
			TopicRoot:           "tuya",
			DiscoveryRoot:       "tuyagateway",
			HomeAssistantRoot:   "homeassistant",
			PayloadOn:           "ON",
			PayloadOff:          "OFF",
			AvailabilityOnline:  "online",
			AvailabilityOffline: "offline",
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "127.0.0.1",
				Port:     1883,
				ClientID: "tuyagateway",
			},
			QoS: 0,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/tuyagateway.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Protocol: ProtocolConfig{
			AgentURL:       "ws://127.0.0.1:6668/ws",
			RequestTimeout: 5,
			DefaultVersion: "3.3",
			Reconnect: ProtocolReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			Agent: AgentProcessConfig{
				RestartDelay:    1,
				MaxRestartDelay: 60,
				GracefulTimeout: 10,
			},
		},
		Worker: WorkerConfig{
			TickInterval:     100,
			QueueSize:        256,
			ReadinessTimeout: 120,
		},
		Persistence: PersistenceConfig{
			InitialDelay:  60,
			SweepInterval: 300,
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 10,
				Idle:  60,
			},
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TUYAGATEWAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("TUYAGATEWAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TUYAGATEWAY_MQTT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Broker.Port = port
		}
	}
	if v := os.Getenv("TUYAGATEWAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TUYAGATEWAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("TUYAGATEWAY_PROTOCOL_AGENT_URL"); v != "" {
		cfg.Protocol.AgentURL = v
	}

	if v := os.Getenv("TUYAGATEWAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("TUYAGATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.General.TopicRoot == "" {
		errs = append(errs, "general.topic_root is required")
	}
	if c.General.DiscoveryRoot == "" {
		errs = append(errs, "general.discovery_root is required")
	}
	if c.General.TopicRoot != "" && c.General.TopicRoot == c.General.DiscoveryRoot {
		errs = append(errs, "general.topic_root and general.discovery_root must differ")
	}
	if c.General.HomeAssistantRoot == "" {
		errs = append(errs, "general.homeassistant_root is required")
	}

	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Protocol.AgentURL == "" {
		errs = append(errs, "protocol.agent_url is required")
	}
	if c.Protocol.Agent.Managed && c.Protocol.Agent.Binary == "" {
		errs = append(errs, "protocol.agent.binary is required when the agent is managed")
	}
	switch c.Protocol.DefaultVersion {
	case "3.1", "3.3":
	default:
		errs = append(errs, "protocol.default_version must be 3.1 or 3.3")
	}

	if c.Worker.TickInterval <= 0 {
		errs = append(errs, "worker.tick_interval_ms must be positive")
	}
	if c.Worker.QueueSize <= 0 {
		errs = append(errs, "worker.queue_size must be positive")
	}
	if c.Worker.ReadinessTimeout < 0 {
		errs = append(errs, "worker.readiness_timeout must not be negative")
	}

	if c.Persistence.SweepInterval <= 0 {
		errs = append(errs, "persistence.sweep_interval must be positive")
	}
	if c.Persistence.InitialDelay < 0 {
		errs = append(errs, "persistence.initial_delay must not be negative")
	}

	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetTickInterval returns the worker tick as a Duration.
func (c *Config) GetTickInterval() time.Duration {
	return time.Duration(c.Worker.TickInterval) * time.Millisecond
}

// GetReadinessTimeout returns how long a worker waits for discovery config
// before warning.
func (c *Config) GetReadinessTimeout() time.Duration {
	return time.Duration(c.Worker.ReadinessTimeout) * time.Second
}

// GetSweepInitialDelay returns the delay before the first persistence sweep.
func (c *Config) GetSweepInitialDelay() time.Duration {
	return time.Duration(c.Persistence.InitialDelay) * time.Second
}

// GetSweepInterval returns the period between persistence sweeps.
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Persistence.SweepInterval) * time.Second
}

// GetRequestTimeout returns the protocol agent request timeout.
func (c *Config) GetRequestTimeout() time.Duration {
	return time.Duration(c.Protocol.RequestTimeout) * time.Second
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
