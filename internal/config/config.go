// Package config handles pihole-presence configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default values applied by Load when the config file omits a field.
const (
	DefaultPollIntervalSec    = 30
	DefaultConsiderAwaySec    = 180
	DefaultAPITimeoutSec      = 10
	DefaultSSHPort            = 22
	DefaultSSHUsername        = "pi"
	DefaultSSHCommand         = "arp -n"
	DefaultSSHTimeoutSec      = 30
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultDeviceName         = "pihole-presence"
	DefaultPublishIntervalSec = 60
	DefaultDataDir            = "data"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/pihole-presence/config.yaml,
// /etc/pihole-presence/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "pihole-presence", "config.yaml"))
	}

	paths = append(paths, "/etc/pihole-presence/config.yaml")
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

// Config holds all pihole-presence configuration.
type Config struct {
	Pihole    PiholeConfig  `yaml:"pihole"`
	SSH       SSHConfig     `yaml:"ssh"`
	Tracker   TrackerConfig `yaml:"tracker"`
	MQTT      MQTTConfig    `yaml:"mqtt"`
	DataDir   string        `yaml:"data_dir"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" (default) or "json"
}

// PiholeConfig defines the Pi-hole appliance connection settings.
type PiholeConfig struct {
	// URL is the appliance address. A bare host or IP is accepted and
	// normalized to http://host; an explicit https:// scheme is kept.
	URL string `yaml:"url"`
	// Password is the Pi-hole web interface / app password used against
	// POST /api/auth.
	Password string `yaml:"password"`
	// TimeoutSec is the per-request timeout in seconds (default 10).
	TimeoutSec int `yaml:"timeout_sec"`
	// TLSInsecureSkipVerify disables certificate verification for
	// appliances with self-signed HTTPS certificates.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify"`
}

// SSHConfig defines the optional ARP-over-SSH fetch. When Host is empty
// the ARP source is disabled and presence falls back to the last-seen
// threshold alone.
type SSHConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // default 22
	Username string `yaml:"username"` // default "pi"
	Password string `yaml:"password"`
	// KeyFile is a path to a private key. When both KeyFile and
	// Password are set, the key is tried first.
	KeyFile string `yaml:"key_file"`
	// Command is the remote command whose output is parsed for ip/mac
	// pairs (default "arp -n"; "ip neigh" works too).
	Command    string `yaml:"command"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Configured reports whether the ARP-over-SSH source is enabled.
func (c SSHConfig) Configured() bool {
	return c.Host != ""
}

// TrackerConfig defines polling and presence-derivation settings.
type TrackerConfig struct {
	// PollIntervalSec is how often the appliance is polled (default 30).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// ConsiderAwaySec is the last-seen age beyond which a device is
	// reported away (default 180).
	ConsiderAwaySec int `yaml:"consider_away_sec"`
	// Devices optionally restricts tracking to these MAC addresses.
	// Empty means every device the appliance reports is tracked.
	Devices []string `yaml:"devices"`
}

// MQTTConfig defines the Home Assistant MQTT discovery bridge settings.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"` // e.g. mqtt://10.0.0.2:1883
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// DiscoveryPrefix is the HA MQTT discovery prefix (default "homeassistant").
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// DeviceName names the bridge device in HA and scopes all topics
	// (default "pihole-presence").
	DeviceName string `yaml:"device_name"`
	// PublishIntervalSec is how often retained states are refreshed
	// even without a change (default 60).
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables so secrets can live outside the file.
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied and no
// appliance credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero-value fields. Called after unmarshal so a
// config file that sets a field to its zero value still gets defaults
// for everything it omitted.
func (c *Config) applyDefaults() {
	if c.Pihole.TimeoutSec <= 0 {
		c.Pihole.TimeoutSec = DefaultAPITimeoutSec
	}
	if c.SSH.Port <= 0 {
		c.SSH.Port = DefaultSSHPort
	}
	if c.SSH.Username == "" {
		c.SSH.Username = DefaultSSHUsername
	}
	if c.SSH.Command == "" {
		c.SSH.Command = DefaultSSHCommand
	}
	if c.SSH.TimeoutSec <= 0 {
		c.SSH.TimeoutSec = DefaultSSHTimeoutSec
	}
	if c.Tracker.PollIntervalSec <= 0 {
		c.Tracker.PollIntervalSec = DefaultPollIntervalSec
	}
	if c.Tracker.ConsiderAwaySec <= 0 {
		c.Tracker.ConsiderAwaySec = DefaultConsiderAwaySec
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = DefaultDiscoveryPrefix
	}
	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = DefaultDeviceName
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = DefaultPublishIntervalSec
	}
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
}

// Validate reports configuration errors that should stop startup.
// Network reachability is not checked here; connwatch handles that
// with retries at runtime.
func (c *Config) Validate() error {
	if c.Pihole.URL == "" {
		return fmt.Errorf("pihole.url is required")
	}
	if c.Pihole.Password == "" {
		return fmt.Errorf("pihole.password is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
	}
	if c.SSH.Configured() && c.SSH.Password == "" && c.SSH.KeyFile == "" {
		return fmt.Errorf("ssh.password or ssh.key_file is required when ssh.host is set")
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (valid: text, json)", c.LogFormat)
	}
	return nil
}
