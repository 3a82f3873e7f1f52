package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultActivateTimeoutSec = 30
	DefaultTeardownTimeoutSec = 10
	DefaultTeardownRetries    = 2
	DefaultPrecheckDelaySec   = 2
	DefaultPrecheckTimeoutSec = 5
)

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// TunnelConfig bounds the state machine's asynchronous waits.
type TunnelConfig struct {
	ActivateTimeoutSec int `json:"activate_timeout_sec"`
	TeardownTimeoutSec int `json:"teardown_timeout_sec"`
	TeardownRetries    int `json:"teardown_retries"`
}

func (c TunnelConfig) ActivateTimeout() time.Duration {
	return time.Duration(c.ActivateTimeoutSec) * time.Second
}

func (c TunnelConfig) TeardownTimeout() time.Duration {
	return time.Duration(c.TeardownTimeoutSec) * time.Second
}

// PrecheckConfig controls the server reachability probe performed before
// activation. The delay leaves time for kill-switch or firewall rules that
// are still being applied.
type PrecheckConfig struct {
	Enabled    bool `json:"enabled"`
	DelaySec   int  `json:"delay_sec"`
	TimeoutSec int  `json:"timeout_sec"`
}

func (c PrecheckConfig) Delay() time.Duration {
	return time.Duration(c.DelaySec) * time.Second
}

func (c PrecheckConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// KillSwitchConfig controls the blackhole connection held while the tunnel
// is down or being re-established.
type KillSwitchConfig struct {
	Enabled   bool `json:"enabled"`
	Permanent bool `json:"permanent"`
}

// NotificationConfig stores desktop notification preferences.
type NotificationConfig struct {
	Enabled          bool `json:"enabled"`
	ConnectionStatus bool `json:"connection_status"`
}

// AppConfig is the root persisted application configuration.
type AppConfig struct {
	Tunnel        TunnelConfig       `json:"tunnel"`
	Precheck      PrecheckConfig     `json:"precheck"`
	KillSwitch    KillSwitchConfig   `json:"kill_switch"`
	Logging       LoggingConfig      `json:"logging"`
	Notifications NotificationConfig `json:"notifications"`
}

func Default() AppConfig {
	return AppConfig{
		Tunnel: TunnelConfig{
			ActivateTimeoutSec: DefaultActivateTimeoutSec,
			TeardownTimeoutSec: DefaultTeardownTimeoutSec,
			TeardownRetries:    DefaultTeardownRetries,
		},
		Precheck: PrecheckConfig{
			Enabled:    true,
			DelaySec:   DefaultPrecheckDelaySec,
			TimeoutSec: DefaultPrecheckTimeoutSec,
		},
		KillSwitch: KillSwitchConfig{
			Enabled:   false,
			Permanent: false,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Notifications: NotificationConfig{
			Enabled:          false,
			ConnectionStatus: true,
		},
	}
}

func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path is resolved by the runtime and points to the user config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Tunnel.ActivateTimeoutSec <= 0 {
		c.Tunnel.ActivateTimeoutSec = DefaultActivateTimeoutSec
	}
	if c.Tunnel.TeardownTimeoutSec <= 0 {
		c.Tunnel.TeardownTimeoutSec = DefaultTeardownTimeoutSec
	}
	if c.Tunnel.TeardownRetries < 0 {
		c.Tunnel.TeardownRetries = DefaultTeardownRetries
	}
	if c.Precheck.DelaySec < 0 {
		c.Precheck.DelaySec = DefaultPrecheckDelaySec
	}
	if c.Precheck.TimeoutSec <= 0 {
		c.Precheck.TimeoutSec = DefaultPrecheckTimeoutSec
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	if c.Tunnel.ActivateTimeoutSec <= 0 {
		return errors.New("activate timeout must be positive")
	}
	if c.Tunnel.TeardownTimeoutSec <= 0 {
		return errors.New("teardown timeout must be positive")
	}
	if c.Tunnel.TeardownRetries < 0 {
		return errors.New("teardown retries must not be negative")
	}
	if c.Precheck.DelaySec < 0 {
		return errors.New("precheck delay must not be negative")
	}
	if c.Precheck.TimeoutSec <= 0 {
		return errors.New("precheck timeout must be positive")
	}

	return nil
}

func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}

	return nil
}
