// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level daemon configuration.
// Maps to the `callbridge:` root key in YAML.
type GlobalConfig struct {
	Node           NodeConfig           `mapstructure:"node"`
	Control        ControlConfig        `mapstructure:"control"`
	Log            LogConfig            `mapstructure:"log"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Session        SessionConfig        `mapstructure:"session"`
	Supervisor     SupervisorConfig     `mapstructure:"supervisor"`
	Device         DeviceConfig         `mapstructure:"device"`
	SIP            SIPConfig            `mapstructure:"sip"`
	Audio          AudioConfig          `mapstructure:"audio"`
	Events         EventsConfig         `mapstructure:"events"`
	CommandChannel CommandChannelConfig `mapstructure:"command_channel"`
	HTTP           HTTPConfig           `mapstructure:"http"`
}

// ─── Node Identity ───

// NodeConfig contains node identification settings.
type NodeConfig struct {
	Hostname string            `mapstructure:"hostname"` // Empty = os.Hostname()
	Tags     map[string]string `mapstructure:"tags"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Session lifecycle ───

// SessionConfig holds the polling cadence and per-phase deadlines of a bridge session.
type SessionConfig struct {
	PollInterval          time.Duration `mapstructure:"poll_interval"`
	AwaitingDeviceTimeout time.Duration `mapstructure:"awaiting_device_timeout"`
	AwaitingSIPTimeout    time.Duration `mapstructure:"awaiting_sip_timeout"`
	BridgingTimeout       time.Duration `mapstructure:"bridging_timeout"`
	TeardownTimeout       time.Duration `mapstructure:"teardown_timeout"`
}

// SupervisorConfig holds retry and capacity policy.
type SupervisorConfig struct {
	MaxAttempts           int           `mapstructure:"max_attempts"`
	InitialBackoff        time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff"`
	MaxConcurrentSessions int           `mapstructure:"max_concurrent_sessions"` // 0 = unlimited
	Retention             time.Duration `mapstructure:"retention"`               // finished sessions kept in memory
	GCInterval            time.Duration `mapstructure:"gc_interval"`
}

// ─── Leg adapters ───

// DeviceConfig configures the adb device controller.
type DeviceConfig struct {
	ADBPath           string        `mapstructure:"adb_path"`
	Serial            string        `mapstructure:"serial"` // empty = the only attached device
	Package           string        `mapstructure:"package"`
	Activity          string        `mapstructure:"activity"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout"`
	UIDLookupTimeout  time.Duration `mapstructure:"uid_lookup_timeout"`
	UIDLookupInterval time.Duration `mapstructure:"uid_lookup_interval"`
	UITimeout         time.Duration `mapstructure:"ui_timeout"`
	CallLabel         string        `mapstructure:"call_label"`
	EndCallLabel      string        `mapstructure:"end_call_label"`
	Root              bool          `mapstructure:"root"`
}

// SIPConfig configures the baresip controller.
type SIPConfig struct {
	CtrlAddr          string        `mapstructure:"ctrl_addr"`
	Server            string        `mapstructure:"server"`
	Port              int           `mapstructure:"port"`
	CredentialsFile   string        `mapstructure:"credentials_file"`
	RegisterTimeout   time.Duration `mapstructure:"register_timeout"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	RegistrationCache bool          `mapstructure:"registration_cache"`
	RegisterInterval  time.Duration `mapstructure:"register_interval"`
	BaresipHome       string        `mapstructure:"baresip_home"` // empty = do not provision
	LocalPort         int           `mapstructure:"local_port"`
}

// AudioConfig configures the PulseAudio router.
type AudioConfig struct {
	PactlPath    string `mapstructure:"pactl_path"`
	LatencyMsec  int    `mapstructure:"latency_msec"`
	DeviceSource string `mapstructure:"device_source"`
	DeviceSink   string `mapstructure:"device_sink"`
	SIPSource    string `mapstructure:"sip_source"`
	SIPSink      string `mapstructure:"sip_sink"`
}

// ─── Kafka ───

// KafkaConfig contains Kafka connection settings shared by events and the command channel.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// EventsConfig configures the session event publisher.
type EventsConfig struct {
	Enabled    bool        `mapstructure:"enabled"`
	Type       string      `mapstructure:"type"` // "kafka" | "log"
	Kafka      KafkaConfig `mapstructure:"kafka"`
	Partitions int         `mapstructure:"partitions"` // publishing goroutines, sessions hashed across them
	QueueSize  int         `mapstructure:"queue_size"` // per partition
}

// CommandChannelConfig configures the remote command channel.
type CommandChannelConfig struct {
	Enabled    bool               `mapstructure:"enabled"`
	Type       string             `mapstructure:"type"` // "kafka"
	Kafka      CommandKafkaConfig `mapstructure:"kafka"`
	CommandTTL time.Duration      `mapstructure:"command_ttl"`
}

// CommandKafkaConfig contains Kafka-specific command channel settings.
type CommandKafkaConfig struct {
	Brokers         []string `mapstructure:"brokers"`
	Topic           string   `mapstructure:"topic"`
	GroupID         string   `mapstructure:"group_id"`
	AutoOffsetReset string   `mapstructure:"auto_offset_reset"`
}

// HTTPConfig configures the optional REST surface.
type HTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Mode    string `mapstructure:"mode"` // gin mode: debug | release | test
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `callbridge: ...`.
type configRoot struct {
	CallBridge GlobalConfig `mapstructure:"callbridge"`
}

// Load loads configuration from file.
// The YAML file uses `callbridge:` as root key; env vars map through the key replacer
// (key "callbridge.log.level" → env "CALLBRIDGE_LOG_LEVEL").
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.CallBridge

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use the "callbridge." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	v.SetDefault("callbridge.control.pid_file", "/var/run/callbridge.pid")
	v.SetDefault("callbridge.control.socket", "/var/run/callbridge.sock")

	v.SetDefault("callbridge.log.level", "info")
	v.SetDefault("callbridge.log.format", "json")
	v.SetDefault("callbridge.log.outputs.file.enabled", false)
	v.SetDefault("callbridge.log.outputs.file.path", "/var/log/callbridge/callbridge.log")
	v.SetDefault("callbridge.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("callbridge.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("callbridge.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("callbridge.log.outputs.file.rotation.compress", true)

	v.SetDefault("callbridge.metrics.enabled", true)
	v.SetDefault("callbridge.metrics.listen", ":9091")
	v.SetDefault("callbridge.metrics.path", "/metrics")

	v.SetDefault("callbridge.session.poll_interval", "200ms")
	v.SetDefault("callbridge.session.awaiting_device_timeout", "60s")
	v.SetDefault("callbridge.session.awaiting_sip_timeout", "45s")
	v.SetDefault("callbridge.session.bridging_timeout", "10s")
	v.SetDefault("callbridge.session.teardown_timeout", "10s")

	v.SetDefault("callbridge.supervisor.max_attempts", 3)
	v.SetDefault("callbridge.supervisor.initial_backoff", "2s")
	v.SetDefault("callbridge.supervisor.max_backoff", "30s")
	v.SetDefault("callbridge.supervisor.max_concurrent_sessions", 1)
	v.SetDefault("callbridge.supervisor.retention", "1h")
	v.SetDefault("callbridge.supervisor.gc_interval", "5m")

	v.SetDefault("callbridge.device.adb_path", "adb")
	v.SetDefault("callbridge.device.package", "org.telegram.messenger")
	v.SetDefault("callbridge.device.activity", "org.telegram.ui.LaunchActivity")
	v.SetDefault("callbridge.device.command_timeout", "15s")
	v.SetDefault("callbridge.device.uid_lookup_timeout", "2s")
	v.SetDefault("callbridge.device.uid_lookup_interval", "200ms")
	v.SetDefault("callbridge.device.ui_timeout", "8s")
	v.SetDefault("callbridge.device.call_label", "Call")
	v.SetDefault("callbridge.device.end_call_label", "End Call")
	v.SetDefault("callbridge.device.root", true)

	v.SetDefault("callbridge.sip.ctrl_addr", "127.0.0.1:4444")
	v.SetDefault("callbridge.sip.port", 5060)
	v.SetDefault("callbridge.sip.register_timeout", "10s")
	v.SetDefault("callbridge.sip.dial_timeout", "30s")
	v.SetDefault("callbridge.sip.registration_cache", false)
	v.SetDefault("callbridge.sip.register_interval", "60s")
	v.SetDefault("callbridge.sip.local_port", 5062)

	v.SetDefault("callbridge.audio.pactl_path", "pactl")
	v.SetDefault("callbridge.audio.latency_msec", 20)

	v.SetDefault("callbridge.events.enabled", false)
	v.SetDefault("callbridge.events.type", "log")
	v.SetDefault("callbridge.events.partitions", 4)
	v.SetDefault("callbridge.events.queue_size", 256)

	v.SetDefault("callbridge.command_channel.enabled", false)
	v.SetDefault("callbridge.command_channel.type", "kafka")
	v.SetDefault("callbridge.command_channel.kafka.auto_offset_reset", "latest")
	v.SetDefault("callbridge.command_channel.command_ttl", "5m")

	v.SetDefault("callbridge.http.enabled", false)
	v.SetDefault("callbridge.http.listen", "127.0.0.1:8088")
	v.SetDefault("callbridge.http.mode", "release")
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	// ── Node hostname auto-detect ──
	if cfg.Node.Hostname == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("failed to get hostname: %w", err)
		}
		cfg.Node.Hostname = hostname
	}

	// ── Session deadlines ──
	if cfg.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive")
	}
	for name, d := range map[string]time.Duration{
		"awaiting_device_timeout": cfg.Session.AwaitingDeviceTimeout,
		"awaiting_sip_timeout":    cfg.Session.AwaitingSIPTimeout,
		"bridging_timeout":        cfg.Session.BridgingTimeout,
		"teardown_timeout":        cfg.Session.TeardownTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("session.%s must be positive", name)
		}
	}

	// ── Supervisor ──
	if cfg.Supervisor.MaxAttempts < 1 {
		return fmt.Errorf("supervisor.max_attempts must be >= 1")
	}
	if cfg.Supervisor.MaxBackoff < cfg.Supervisor.InitialBackoff {
		cfg.Supervisor.MaxBackoff = cfg.Supervisor.InitialBackoff
	}
	if cfg.Supervisor.MaxConcurrentSessions < 0 {
		return fmt.Errorf("supervisor.max_concurrent_sessions must be >= 0")
	}

	// ── SIP ──
	if cfg.SIP.Server == "" {
		return fmt.Errorf("sip.server is required")
	}
	if cfg.SIP.Port <= 0 || cfg.SIP.Port > 65535 {
		return fmt.Errorf("invalid sip.port: %d", cfg.SIP.Port)
	}

	// ── Events ──
	if cfg.Events.Enabled {
		switch cfg.Events.Type {
		case "log":
		case "kafka":
			if len(cfg.Events.Kafka.Brokers) == 0 {
				return fmt.Errorf("events.kafka.brokers is required when events.type=kafka")
			}
			if cfg.Events.Kafka.Topic == "" {
				return fmt.Errorf("events.kafka.topic is required when events.type=kafka")
			}
		default:
			return fmt.Errorf("unsupported events.type: %s (must be log/kafka)", cfg.Events.Type)
		}
	}

	// ── Command channel validation ──
	if cfg.CommandChannel.Enabled {
		if cfg.CommandChannel.Type != "kafka" {
			return fmt.Errorf("unsupported command_channel.type: %s (only 'kafka' supported)", cfg.CommandChannel.Type)
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			cfg.CommandChannel.Kafka.Brokers = cfg.Events.Kafka.Brokers
		}
		if len(cfg.CommandChannel.Kafka.Brokers) == 0 {
			return fmt.Errorf("command_channel.kafka.brokers is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.Topic == "" {
			return fmt.Errorf("command_channel.kafka.topic is required when command_channel.enabled=true")
		}
		if cfg.CommandChannel.Kafka.GroupID == "" {
			cfg.CommandChannel.Kafka.GroupID = "callbridge-" + cfg.Node.Hostname
		}
	}

	// ── HTTP ──
	if cfg.HTTP.Enabled && cfg.HTTP.Listen == "" {
		return fmt.Errorf("http.listen is required when http.enabled=true")
	}

	return nil
}
