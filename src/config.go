package astm

/*------------------------------------------------------------------
 *
 * Purpose:	Gateway configuration: defaults, YAML file loading,
 *		validation.
 *
 * Description:	Everything the command-line flags can set can also
 *		come from a YAML file, plus a few knobs that did not
 *		earn a flag (timer windows, frame payload size).
 *		Flag values win over file values; the commands handle
 *		that merge.
 *
 *------------------------------------------------------------------*/

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TimersConfig holds the E1381 timer windows, in seconds.  The
// standard recommends 15/30/10 and real instruments rarely care, but
// bench testing goes faster with shorter ones.
type TimersConfig struct {
	ResponseSeconds int `yaml:"response"` // T1
	ReceiveSeconds  int `yaml:"receive"`  // T2
	RetrySeconds    int `yaml:"retry"`    // T3
}

type Config struct {
	Listen   string `yaml:"listen"`
	Port     int    `yaml:"port"`
	Output   string `yaml:"output"`
	URL      string `yaml:"url"`
	Consumer string `yaml:"consumer"`
	Retries  int    `yaml:"retries"`
	Delay    int    `yaml:"delay"` // seconds between push retries
	Verbose  bool   `yaml:"verbose"`

	Timers TimersConfig `yaml:"timers"`

	MaxSessions  int `yaml:"max-sessions"`
	FramePayload int `yaml:"frame-payload"`
	Grace        int `yaml:"grace"` // shutdown drain, seconds

	MetricsPort     int    `yaml:"metrics-port"`
	NoAnnounce      bool   `yaml:"no-announce"`
	Serial          string `yaml:"serial"`
	SerialSpeed     int    `yaml:"serial-speed"`
	TimestampFormat string `yaml:"timestamp-format"`
}

func DefaultConfig() *Config {
	return &Config{
		Listen:       "0.0.0.0",
		Port:         4010,
		Consumer:     "senaite.lis2a.import",
		Retries:      3,
		Delay:        5,
		Timers:       TimersConfig{ResponseSeconds: 15, ReceiveSeconds: 30, RetrySeconds: 10},
		MaxSessions:  64,
		FramePayload: MaxFramePayload,
		Grace:        5,
		SerialSpeed:  9600,
	}
}

// LoadFile overlays values from a YAML file onto the config.
func (c *Config) LoadFile(path string) error {
	var data, err = os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if unmarshalErr := yaml.Unmarshal(data, c); unmarshalErr != nil {
		return fmt.Errorf("config %s: %w", path, unmarshalErr)
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Retries < 0 {
		return fmt.Errorf("retries must not be negative")
	}
	if c.FramePayload < 1 {
		return fmt.Errorf("frame-payload must be positive")
	}
	if c.Timers.ResponseSeconds < 1 || c.Timers.ReceiveSeconds < 1 || c.Timers.RetrySeconds < 1 {
		return fmt.Errorf("timer windows must be at least one second")
	}
	return nil
}

func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.Timers.ResponseSeconds) * time.Second
}

func (c *Config) ReceiveTimeout() time.Duration {
	return time.Duration(c.Timers.ReceiveSeconds) * time.Second
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Timers.RetrySeconds) * time.Second
}

// TimerWindow maps a protocol timer id to its configured duration.
func (c *Config) TimerWindow(t TimerID) time.Duration {
	switch t {
	case TimerResponse:
		return c.ResponseTimeout()
	case TimerReceive:
		return c.ReceiveTimeout()
	case TimerRetry:
		return c.RetryBackoff()
	}
	return time.Minute
}
