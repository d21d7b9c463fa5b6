// Package config handles thane-mesh configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/thane-mesh/internal/capability"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/thane-mesh/config.yaml, /etc/thane-mesh/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "thane-mesh", "config.yaml"))
	}

	paths = append(paths, "/etc/thane-mesh/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all thane-mesh configuration. The hub ("serve") and the
// device agent ("agent") read the same file; each uses its own
// sections.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text (default) or json
	Capabilities CapabilitiesConfig `yaml:"capabilities"`
	Delegation   DelegationConfig   `yaml:"delegation"`
	Router       RouterConfig       `yaml:"router"`
	Pairing      PairingConfig      `yaml:"pairing"`
	Hub          HubConfig          `yaml:"hub"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Agent        AgentConfig        `yaml:"agent"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// CapabilitiesConfig extends the built-in tool capability table.
// Entries from File are applied first, then Tools; both replace the
// built-in entry for the same tool.
type CapabilitiesConfig struct {
	File  string              `yaml:"file"`
	Tools map[string][]string `yaml:"tools"`
}

// Load builds the effective capability map.
func (c CapabilitiesConfig) Load() (*capability.Map, error) {
	m := capability.Default()
	if c.File != "" {
		fromFile, err := capability.LoadFile(c.File)
		if err != nil {
			return nil, err
		}
		m = m.Merge(fromFile)
	}
	if len(c.Tools) > 0 {
		inline, err := capability.FromStrings(c.Tools)
		if err != nil {
			return nil, err
		}
		m = m.Merge(inline)
	}
	return m, nil
}

// DelegationConfig controls command delivery.
type DelegationConfig struct {
	// TimeoutSec bounds how long a delegated command may stay pending
	// (default 30).
	TimeoutSec int `yaml:"timeout_sec"`
	// SendTimeoutSec bounds a single transport write (default 10).
	SendTimeoutSec int `yaml:"send_timeout_sec"`
	// History persists completed commands to SQLite (default true).
	History *bool `yaml:"history"`
}

// Timeout returns the command timeout as a duration.
func (c DelegationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// SendTimeout returns the transport write timeout as a duration.
func (c DelegationConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// HistoryEnabled reports whether command history is persisted.
func (c DelegationConfig) HistoryEnabled() bool {
	return c.History == nil || *c.History
}

// RouterConfig controls the capability router.
type RouterConfig struct {
	// MaxAuditLog is how many routing decisions are kept in memory.
	MaxAuditLog int `yaml:"max_audit_log"`
}

// PairingConfig controls device admission.
type PairingConfig struct {
	// Required rejects registrations without a valid token or
	// credential. When false any device may join.
	Required bool `yaml:"required"`
	// TokenTTLSec is the pairing token lifetime (default 300).
	TokenTTLSec int `yaml:"token_ttl_sec"`
	// Reusable lets a token pair several devices until it expires.
	Reusable bool `yaml:"reusable"`
	// BcryptCost is the work factor for stored device credentials.
	BcryptCost int `yaml:"bcrypt_cost"`
	// PublicURL is the WebSocket URL devices should dial, embedded in
	// pairing QR codes. Defaults to ws://<listen>/v1/devices/ws.
	PublicURL string `yaml:"public_url"`
}

// TokenTTL returns the token lifetime as a duration.
func (c PairingConfig) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLSec) * time.Second
}

// HubConfig controls the WebSocket device endpoint.
type HubConfig struct {
	PingIntervalSec    int `yaml:"ping_interval_sec"`
	PongTimeoutSec     int `yaml:"pong_timeout_sec"`
	RegisterTimeoutSec int `yaml:"register_timeout_sec"`
	MaxMessageKB       int `yaml:"max_message_kb"`
}

// MQTTConfig configures the optional MQTT device bridge. Devices that
// cannot hold a WebSocket open join the mesh through the broker
// instead; the hub also publishes its own availability and Home
// Assistant discovery sensors.
type MQTTConfig struct {
	// Enabled turns the bridge on.
	Enabled bool `yaml:"enabled"`
	// Broker is the broker URL, e.g. mqtt://host:1883 or mqtts://host:8883.
	Broker   string `yaml:"broker"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// TopicPrefix roots every mesh topic (default "thane-mesh").
	TopicPrefix string `yaml:"topic_prefix"`
	// DeviceName names the hub in Home Assistant (default "thane-mesh").
	DeviceName string `yaml:"device_name"`
	// DiscoveryPrefix is the Home Assistant discovery prefix (default
	// "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishIntervalSec is how often sensor state is published
	// (default 60).
	PublishIntervalSec int `yaml:"publish_interval_sec"`
	// RateLimitPerMinute caps inbound device messages (default 600).
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// Configured reports whether enough is set to connect.
func (c MQTTConfig) Configured() bool {
	return c.Enabled && c.Broker != ""
}

// PublishInterval returns the sensor publish interval as a duration.
func (c MQTTConfig) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalSec) * time.Second
}

// AgentConfig configures the device agent ("thane-mesh agent").
type AgentConfig struct {
	// HubURL is the hub's WebSocket endpoint, e.g.
	// ws://hub.local:8090/v1/devices/ws.
	HubURL       string   `yaml:"hub_url"`
	DeviceID     string   `yaml:"device_id"`
	Name         string   `yaml:"name"`
	Type         string   `yaml:"type"`
	Capabilities []string `yaml:"capabilities"`
	// Token is a pairing token, used once when no credential is saved.
	Token string `yaml:"token"`
	// CredentialFile stores the credential issued on first pairing
	// (default <data_dir>/credential).
	CredentialFile string          `yaml:"credential_file"`
	ShellExec      ShellExecConfig `yaml:"shell_exec"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	// Enabled allows shell command execution. Disabled by default for safety.
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command patterns to block (e.g., "rm -rf /").
	DeniedPatterns []string `yaml:"denied_patterns"`
	// AllowedPrefixes limits commands to those starting with these prefixes.
	// Empty means all commands are allowed (subject to denied patterns).
	AllowedPrefixes []string `yaml:"allowed_prefixes"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8090
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.Delegation.TimeoutSec == 0 {
		c.Delegation.TimeoutSec = 30
	}
	if c.Delegation.SendTimeoutSec == 0 {
		c.Delegation.SendTimeoutSec = 10
	}
	if c.Router.MaxAuditLog == 0 {
		c.Router.MaxAuditLog = 1000
	}
	if c.Pairing.TokenTTLSec == 0 {
		c.Pairing.TokenTTLSec = 300
	}
	if c.Pairing.BcryptCost == 0 {
		c.Pairing.BcryptCost = 10
	}
	if c.Hub.PingIntervalSec == 0 {
		c.Hub.PingIntervalSec = 30
	}
	if c.Hub.PongTimeoutSec == 0 {
		c.Hub.PongTimeoutSec = 10
	}
	if c.Hub.RegisterTimeoutSec == 0 {
		c.Hub.RegisterTimeoutSec = 10
	}
	if c.Hub.MaxMessageKB == 0 {
		c.Hub.MaxMessageKB = 1024
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "thane-mesh"
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "thane-mesh"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if c.MQTT.RateLimitPerMinute == 0 {
		c.MQTT.RateLimitPerMinute = 600
	}
	if c.Agent.CredentialFile == "" {
		c.Agent.CredentialFile = filepath.Join(c.DataDir, "credential")
	}
	if c.Agent.ShellExec.DefaultTimeoutSec == 0 {
		c.Agent.ShellExec.DefaultTimeoutSec = 30
	}
}

// Validate checks values that defaults cannot repair.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Delegation.TimeoutSec < 0 || c.Delegation.SendTimeoutSec < 0 {
		return fmt.Errorf("delegation timeouts must not be negative")
	}
	if c.Pairing.TokenTTLSec < 0 {
		return fmt.Errorf("pairing.token_ttl_sec must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.enabled requires mqtt.broker")
	}
	if c.Agent.Type != "" {
		if _, err := capability.ParseDeviceType(c.Agent.Type); err != nil {
			return fmt.Errorf("agent.type: %w", err)
		}
	}
	if _, err := c.Capabilities.Load(); err != nil {
		return err
	}
	return nil
}
