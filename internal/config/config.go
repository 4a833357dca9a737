// Package config loads the uploader configuration from defaults, a YAML
// file, a .env file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/moteino-ota/internal/flash"
	"github.com/shaunagostinho/moteino-ota/internal/logger"
	"github.com/shaunagostinho/moteino-ota/internal/protocol"
	"github.com/shaunagostinho/moteino-ota/internal/serialport"
	"github.com/shaunagostinho/moteino-ota/internal/transcript"
)

// DefaultPath is where the config file is looked up when -config is not given.
const DefaultPath = "/etc/moteino-ota/config.yaml"

// Config holds all uploader configuration.
type Config struct {
	Serial     SerialConfig      `yaml:"serial"`
	Transfer   TransferConfig    `yaml:"transfer"`
	Image      ImageConfig       `yaml:"image"`
	Logging    LoggingConfig     `yaml:"logging"`
	Transcript transcript.Config `yaml:"transcript"`
	Server     ServerConfig      `yaml:"server"`
	MQTT       MQTTConfig        `yaml:"mqtt"`
	Demo       DemoConfig        `yaml:"demo"`

	path string
}

type SerialConfig struct {
	PortPath      string `yaml:"port_path"`
	BaudRate      int    `yaml:"baud_rate"`
	SettleMs      int    `yaml:"settle_ms"`
	ReadTimeoutMs int    `yaml:"read_timeout_ms"`
	OpenAttempts  int    `yaml:"open_attempts"`
}

type TransferConfig struct {
	Target         int  `yaml:"target"`
	Retries        int  `yaml:"retries"`
	StrictTerminal bool `yaml:"strict_terminal"`
	DesyncLimit    int  `yaml:"desync_limit"` // 0 = unlimited
	HandshakeMs    int  `yaml:"handshake_ms"`
	AckMs          int  `yaml:"ack_ms"`
	AnnounceMs     int  `yaml:"announce_ms"`
	PollMs         int  `yaml:"poll_ms"`
	DrainIdleMs    int  `yaml:"drain_idle_ms"` // 0 disables the post-transfer drain
	DrainMaxMs     int  `yaml:"drain_max_ms"`
}

type ImageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the status server
}

type MQTTConfig struct {
	URL string `yaml:"url"` // e.g. mqtt://broker:1883/moteino; empty disables
}

// DemoConfig shapes the simulated gateway used by -demo. Faults are off by
// default; each dropped line costs one retry from the transfer budget.
type DemoConfig struct {
	DropRate  float64 `yaml:"drop_rate"`  // 0.0-1.0
	StaleRate float64 `yaml:"stale_rate"` // 0.0-1.0
	LatencyMs int     `yaml:"latency_ms"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Serial: SerialConfig{
			PortPath:      serialport.DefaultPortPath,
			BaudRate:      serialport.DefaultBaudRate,
			SettleMs:      int(serialport.DefaultSettle / time.Millisecond),
			ReadTimeoutMs: int(serialport.DefaultReadTimeout / time.Millisecond),
			OpenAttempts:  3,
		},
		Transfer: TransferConfig{
			Target:         10,
			Retries:        flash.DefaultRetries,
			StrictTerminal: true,
			DesyncLimit:    flash.DefaultDesyncLimit,
			HandshakeMs:    int(protocol.DefaultHandshakeWindow / time.Millisecond),
			AckMs:          int(protocol.DefaultAckWindow / time.Millisecond),
			AnnounceMs:     int(protocol.DefaultAnnounceInterval / time.Millisecond),
			PollMs:         int(protocol.DefaultPollInterval / time.Millisecond),
			DrainIdleMs:    int(flash.DefaultDrainIdle / time.Millisecond),
			DrainMaxMs:     int(flash.DefaultDrainMax / time.Millisecond),
		},
		Image: ImageConfig{
			Path: "flash.hex",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Transcript: transcript.Config{
			Enabled: false,
			Path:    transcript.DefaultPath,
		},
		Demo: DemoConfig{
			LatencyMs: 5,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. A missing file leaves the defaults in place.
func LoadConfig(path string) (*Config, error) {
	log := logger.With("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Debug("no config file, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		log.Debug("loaded", "path", path)
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
// Variables already present in the environment win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	logger.Debug("loading .env", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if _, set := os.LookupEnv(key); !set {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads MOTEINO_PORT, MOTEINO_BAUD, MOTEINO_TARGET,
// MOTEINO_HEX, MOTEINO_RETRIES, MOTEINO_LISTEN, MOTEINO_MQTT, LOG_LEVEL,
// LOG_FORMAT, TRANSCRIPT_ENABLED and TRANSCRIPT_PATH.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("MOTEINO_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if err := envInt("MOTEINO_BAUD", &c.Serial.BaudRate); err != nil {
		return err
	}
	if err := envInt("MOTEINO_TARGET", &c.Transfer.Target); err != nil {
		return err
	}
	if v := os.Getenv("MOTEINO_HEX"); v != "" {
		c.Image.Path = v
	}
	if err := envInt("MOTEINO_RETRIES", &c.Transfer.Retries); err != nil {
		return err
	}
	if v := os.Getenv("MOTEINO_LISTEN"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MOTEINO_MQTT"); v != "" {
		c.MQTT.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("TRANSCRIPT_ENABLED"); v != "" {
		c.Transcript.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TRANSCRIPT_PATH"); v != "" {
		c.Transcript.Path = v
	}
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("config: %s=%q is not a number", key, v)
	}
	*dst = n
	return nil
}

// SerialPort returns the serial transport settings.
func (c *Config) SerialPort() serialport.Config {
	return serialport.Config{
		PortPath:    c.Serial.PortPath,
		BaudRate:    c.Serial.BaudRate,
		Settle:      ms(c.Serial.SettleMs),
		ReadTimeout: ms(c.Serial.ReadTimeoutMs),
	}
}

// Timing returns the protocol windows.
func (c *Config) Timing() protocol.Timing {
	return protocol.Timing{
		HandshakeWindow:  ms(c.Transfer.HandshakeMs),
		AckWindow:        ms(c.Transfer.AckMs),
		AnnounceInterval: ms(c.Transfer.AnnounceMs),
		PollInterval:     ms(c.Transfer.PollMs),
	}
}

// FlashConfig validates the transfer settings and builds the run config.
func (c *Config) FlashConfig() (flash.Config, error) {
	return flash.NewConfig(c.Transfer.Target,
		flash.WithRetries(c.Transfer.Retries),
		flash.WithStrictTerminal(c.Transfer.StrictTerminal),
		flash.WithDesyncLimit(c.Transfer.DesyncLimit),
		flash.WithDrain(ms(c.Transfer.DrainIdleMs), ms(c.Transfer.DrainMaxMs)),
	)
}

// DemoLatency returns the simulated reply delay.
func (c *Config) DemoLatency() time.Duration {
	return ms(c.Demo.LatencyMs)
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() logger.Level {
	return logger.ParseLevel(c.Logging.Level)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
