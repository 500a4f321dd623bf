package knx

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DiscoverGatewayString is the Gateway config value that requests
// multicast discovery instead of a static host:port.
const DiscoverGatewayString = "discover"

// ClientConfig is the root configuration for a tunnelling client. It is
// loaded from YAML with environment variable overrides, following the
// teacher's defaults→file→env→validate pipeline.
type ClientConfig struct {
	// Gateway is either "discover" (use multicast SEARCH to find a
	// gateway) or a static "host:port" endpoint.
	Gateway string `yaml:"gateway"`

	// DeviceAddress is this client's individual address, used as the
	// cEMI source address on outgoing L_Data frames.
	DeviceAddress string `yaml:"device_address"`

	Timeouts  TimeoutsConfig  `yaml:"timeouts"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	DPTSeed   []DPTSeedEntry  `yaml:"dpt_seed"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// TimeoutsConfig holds the network wait bounds spec.md §5 requires every
// operation to be subject to.
type TimeoutsConfig struct {
	// ResponseMS bounds embedded-style response waits. Default: 200.
	ResponseMS int `yaml:"response_ms"`

	// AckMS bounds waiting for a TUNNELING_ACK. Default: 1000.
	AckMS int `yaml:"ack_ms"`

	// DiscoverySeconds bounds gateway discovery. Default: 3.
	DiscoverySeconds int `yaml:"discovery_seconds"`

	// ConnectSeconds bounds the CONNECT_REQUEST/RESPONSE exchange.
	// Default: 10.
	ConnectSeconds int `yaml:"connect_seconds"`
}

// HeartbeatConfig controls periodic CONNECTIONSTATE_REQUEST scheduling.
type HeartbeatConfig struct {
	// IntervalSeconds is how often to send a heartbeat while connected.
	// Default: 60, per spec §4.8.
	IntervalSeconds int `yaml:"interval_seconds"`
}

// DPTSeedEntry pre-populates the DPT registry at startup.
type DPTSeedEntry struct {
	GA  string `yaml:"ga"`
	DPT string `yaml:"dpt"`
}

// LoggingConfig contains logging settings, mirroring the ambient
// logging.Config shape so a single YAML document can configure both.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// LoadClientConfig reads a ClientConfig from a YAML file.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern KNXTUNNEL_SECTION_KEY, e.g.
// KNXTUNNEL_GATEWAY, KNXTUNNEL_DEVICE_ADDRESS.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := defaultClientConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyClientEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func defaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Gateway:       DiscoverGatewayString,
		DeviceAddress: "1.1.250",
		Timeouts: TimeoutsConfig{
			ResponseMS:       200,
			AckMS:            1000,
			DiscoverySeconds: 3,
			ConnectSeconds:   10,
		},
		Heartbeat: HeartbeatConfig{IntervalSeconds: 60},
		DPTSeed:   []DPTSeedEntry{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

func applyClientEnvOverrides(cfg *ClientConfig) {
	if v := os.Getenv("KNXTUNNEL_GATEWAY"); v != "" {
		cfg.Gateway = v
	}
	if v := os.Getenv("KNXTUNNEL_DEVICE_ADDRESS"); v != "" {
		cfg.DeviceAddress = v
	}
	if v := os.Getenv("KNXTUNNEL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("KNXTUNNEL_HEARTBEAT_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Heartbeat.IntervalSeconds = n
		}
	}
}

// Validate checks the configuration for errors, joining every failure
// found into one message so a caller sees the full picture at once.
func (c *ClientConfig) Validate() error {
	var errs []string

	errs = append(errs, c.validateGateway()...)
	errs = append(errs, c.validateDeviceAddress()...)
	errs = append(errs, c.validateTimeouts()...)
	errs = append(errs, c.validateDPTSeed()...)
	errs = append(errs, c.validateLogging()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *ClientConfig) validateGateway() []string {
	if c.Gateway == "" {
		return []string{"gateway is required"}
	}
	return nil
}

func (c *ClientConfig) validateDeviceAddress() []string {
	if _, err := ParseIndividualAddress(c.DeviceAddress); err != nil {
		return []string{fmt.Sprintf("device_address %q is invalid: %v", c.DeviceAddress, err)}
	}
	return nil
}

func (c *ClientConfig) validateTimeouts() []string {
	var errs []string
	if c.Timeouts.ResponseMS < 1 {
		errs = append(errs, "timeouts.response_ms must be at least 1")
	}
	if c.Timeouts.AckMS < 1 {
		errs = append(errs, "timeouts.ack_ms must be at least 1")
	}
	if c.Timeouts.DiscoverySeconds < 1 {
		errs = append(errs, "timeouts.discovery_seconds must be at least 1")
	}
	if c.Timeouts.ConnectSeconds < 1 {
		errs = append(errs, "timeouts.connect_seconds must be at least 1")
	}
	if c.Heartbeat.IntervalSeconds < 1 {
		errs = append(errs, "heartbeat.interval_seconds must be at least 1")
	}
	return errs
}

func (c *ClientConfig) validateDPTSeed() []string {
	var errs []string
	for i, entry := range c.DPTSeed {
		if _, err := ParseGroupAddress(entry.GA); err != nil {
			errs = append(errs, fmt.Sprintf("dpt_seed[%d].ga %q is invalid: %v", i, entry.GA, err))
		}
		if entry.DPT == "" {
			errs = append(errs, fmt.Sprintf("dpt_seed[%d].dpt is required", i))
		}
	}
	return errs
}

func (c *ClientConfig) validateLogging() []string {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level %q is invalid (use debug, info, warn, or error)", c.Logging.Level))
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, fmt.Sprintf("logging.format %q is invalid (use json or text)", c.Logging.Format))
	}

	return errs
}

// ResponseTimeout returns the configured response wait as a Duration.
func (c *ClientConfig) ResponseTimeout() time.Duration {
	return time.Duration(c.Timeouts.ResponseMS) * time.Millisecond
}

// AckTimeout returns the configured ACK wait as a Duration.
func (c *ClientConfig) AckTimeout() time.Duration {
	return time.Duration(c.Timeouts.AckMS) * time.Millisecond
}

// DiscoveryTimeout returns the configured discovery window as a Duration.
func (c *ClientConfig) DiscoveryTimeout() time.Duration {
	return time.Duration(c.Timeouts.DiscoverySeconds) * time.Second
}

// ConnectTimeout returns the configured connect-exchange wait as a
// Duration.
func (c *ClientConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.Timeouts.ConnectSeconds) * time.Second
}

// HeartbeatInterval returns the configured heartbeat period as a
// Duration.
func (c *ClientConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Heartbeat.IntervalSeconds) * time.Second
}
