// Package config handles printwatch configuration loading.
//
// A config file is optional. Every value the monitor needs can be
// supplied on the command line, and the defaults reproduce the
// behavior of a bare invocation: port 8883, user "bblp", certificate
// verification skipped, 30 second reconnect delay.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPort is the TLS MQTT port exposed by the printer.
	DefaultPort = 8883

	// DefaultUsername is the fixed MQTT user for LAN-mode access.
	DefaultUsername = "bblp"

	// DefaultReconnectDelaySec is the fixed wait between connection
	// attempts.
	DefaultReconnectDelaySec = 30

	// DefaultNotifierTimeoutSec bounds a single notifier run.
	DefaultNotifierTimeoutSec = 300
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./printwatch.yaml, ~/.config/printwatch/config.yaml,
// /etc/printwatch/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"printwatch.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "printwatch", "config.yaml"))
	}

	paths = append(paths, "/etc/printwatch/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns an empty path and nil error when nothing was found, since the
// file is optional.
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

	return "", nil
}

// Config holds all printwatch configuration.
type Config struct {
	Printer           PrinterConfig  `yaml:"printer"`
	Notifier          NotifierConfig `yaml:"notifier"`
	ReconnectDelaySec int            `yaml:"reconnect_delay_sec"`
	LogLevel          string         `yaml:"log_level"`
	LogFormat         string         `yaml:"log_format"` // text (default) or json
	Journal           JournalConfig  `yaml:"journal"`
	Mirror            MirrorConfig   `yaml:"mirror"`
}

// PrinterConfig defines the printer's local MQTT broker connection.
type PrinterConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	Username   string `yaml:"username"`
	AccessCode string `yaml:"access_code"` // used as the MQTT password
	Serial     string `yaml:"serial"`      // device id in topic names

	// InsecureSkipVerify disables server certificate validation. The
	// printer presents a self-signed certificate and there is no CA to
	// distribute, so this defaults to true. TLS itself is always on.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// BrokerURL returns the tls:// URL of the printer broker.
func (c PrinterConfig) BrokerURL() string {
	return fmt.Sprintf("tls://%s:%d", c.Host, c.Port)
}

// ReportTopic is the topic the printer publishes status reports on.
func (c PrinterConfig) ReportTopic() string {
	return "device/" + c.Serial + "/report"
}

// RequestTopic is the topic the printer accepts commands on.
func (c PrinterConfig) RequestTopic() string {
	return "device/" + c.Serial + "/request"
}

// NotifierConfig defines the external notifier executable.
type NotifierConfig struct {
	Path       string `yaml:"path"`
	TimeoutSec int    `yaml:"timeout_sec"` // 0 disables the timeout
}

// Timeout returns the notifier timeout as a duration.
func (c NotifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// JournalConfig defines the optional transition history database.
type JournalConfig struct {
	// Path is the SQLite database file. Empty disables the journal.
	Path string `yaml:"path"`
}

// Enabled reports whether a journal database is configured.
func (c JournalConfig) Enabled() bool {
	return c.Path != ""
}

// MirrorConfig defines the optional Home Assistant MQTT mirror.
type MirrorConfig struct {
	Broker          string `yaml:"broker"` // mqtt:// or mqtts:// URL
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
}

// Configured reports whether the mirror has the minimum required
// settings to connect.
func (c MirrorConfig) Configured() bool {
	return c.Broker != "" && c.DeviceName != ""
}

// ReconnectDelay returns the reconnect delay as a duration.
func (c *Config) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelaySec) * time.Second
}

// Load reads configuration from a YAML file. Values not present in the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Printer: PrinterConfig{
			Port:               DefaultPort,
			Username:           DefaultUsername,
			InsecureSkipVerify: true,
		},
		Notifier: NotifierConfig{
			TimeoutSec: DefaultNotifierTimeoutSec,
		},
		ReconnectDelaySec: DefaultReconnectDelaySec,
		Mirror: MirrorConfig{
			DiscoveryPrefix: "homeassistant",
		},
	}
}

// applyDefaults restores defaults for values a config file set to
// their zero value.
func (c *Config) applyDefaults() {
	if c.Printer.Port <= 0 {
		c.Printer.Port = DefaultPort
	}
	if c.Printer.Username == "" {
		c.Printer.Username = DefaultUsername
	}
	if c.ReconnectDelaySec <= 0 {
		c.ReconnectDelaySec = DefaultReconnectDelaySec
	}
	if c.Notifier.TimeoutSec < 0 {
		c.Notifier.TimeoutSec = 0
	}
	if c.Mirror.DiscoveryPrefix == "" {
		c.Mirror.DiscoveryPrefix = "homeassistant"
	}
}

// Validate reports every missing required value. The returned error
// lists the missing keys joined by commas.
func (c *Config) Validate() error {
	var missing []string
	if c.Printer.Host == "" {
		missing = append(missing, "host")
	}
	if c.Printer.AccessCode == "" {
		missing = append(missing, "access_code")
	}
	if c.Printer.Serial == "" {
		missing = append(missing, "serial_number")
	}
	if c.Notifier.Path == "" {
		missing = append(missing, "callback_notifier")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required values: %s", strings.Join(missing, ", "))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log_format %q (expected text or json)", c.LogFormat)
	}
	if c.Mirror.Broker != "" && c.Mirror.DeviceName == "" {
		return errors.New("mirror.device_name is required when mirror.broker is set")
	}
	return nil
}
