// Package config holds the gateway's typed configuration and the persisted
// station selection.
//
// Config is stored at $XDG_CONFIG_HOME/sisproone/config.yaml (defaults to
// ~/.config/sisproone/config.yaml). Keys may be written nested or as flat
// dotted scalars ("mes.baseUrl: ..."); dotted spellings win over nested ones.
// Unknown keys are ignored and missing keys take the documented defaults.
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

// MES configures the backend HTTP client.
type MES struct {
	BaseURL   string `yaml:"baseUrl"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	CompanyID int    `yaml:"companyId"`
	UserID    int    `yaml:"userId"`
}

// RS485 configures the serial bus.
type RS485 struct {
	Port      string `yaml:"port"`
	Baud      int    `yaml:"baud"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

// Buffer configures the durable increment log.
type Buffer struct {
	Path          string `yaml:"path"`
	BatchMax      int    `yaml:"batchMax"`
	RetentionDays int    `yaml:"retentionDays"`
}

// Sync configures the replicator cadence.
type Sync struct {
	IntervalSec        int `yaml:"intervalSec"`
	MaxAttemptsPerPass int `yaml:"maxAttemptsPerPass"`
}

// Station records the operator's persisted station selection. ClosePin, when
// set, must be entered to close an order.
type Station struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name"`
	ClosePin string `yaml:"closePin"`
}

// Alert configures the optional failure mail notifier.
type Alert struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtpHost"`
	SMTPPort int      `yaml:"smtpPort"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
}

// Config is the full gateway configuration.
type Config struct {
	MES      MES     `yaml:"mes"`
	RS485    RS485   `yaml:"rs485"`
	Buffer   Buffer  `yaml:"buffer"`
	Sync     Sync    `yaml:"sync"`
	Station  Station `yaml:"station"`
	Alert    Alert   `yaml:"alert"`
	LogLevel string  `yaml:"logLevel"`
}

// Default returns the documented defaults for every key.
func Default() *Config {
	return &Config{
		MES: MES{
			BaseURL:   "http://localhost:3000",
			CompanyID: 1,
			UserID:    1,
		},
		RS485: RS485{
			Port:      "/dev/ttyUSB0",
			Baud:      9600,
			TimeoutMs: 1000,
		},
		Buffer: Buffer{
			Path:          filepath.Join(defaultDataDir(), "gateway.db"),
			BatchMax:      100,
			RetentionDays: 7,
		},
		Sync: Sync{
			IntervalSec:        300,
			MaxAttemptsPerPass: 10,
		},
		Alert: Alert{
			SMTPPort: 587,
		},
		LogLevel: "info",
	}
}

// SyncInterval returns the replicator timer period.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Sync.IntervalSec) * time.Second
}

// ReadTimeout returns the serial read deadline.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.RS485.TimeoutMs) * time.Millisecond
}

// Retention returns the vacuum retention window.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Buffer.RetentionDays) * 24 * time.Hour
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/sisproone/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "sisproone", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sisproone", "config.yaml")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", "sisproone")
	}
	return filepath.Join(home, ".local", "share", "sisproone")
}

// Load reads the config at path. A missing file yields the defaults (not an
// error); path == "" uses Path().
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw map[string]yaml.Node
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Nested groups first, then flat dotted keys on top.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := applyDotted(cfg, raw); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config to path, creating directories as needed.
// path == "" uses Path().
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SaveStation persists the operator's station choice and rewrites the file.
func (c *Config) SaveStation(path string, id int, name string) error {
	c.Station.ID = id
	if name != "" {
		c.Station.Name = name
	}
	return c.Save(path)
}

// applyDotted overlays flat "group.key: value" entries onto cfg.
func applyDotted(cfg *Config, raw map[string]yaml.Node) error {
	for key, node := range raw {
		if !strings.Contains(key, ".") {
			continue
		}
		if err := setDotted(cfg, key, &node); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

func setDotted(cfg *Config, key string, node *yaml.Node) error {
	decode := func(dst any) error { return node.Decode(dst) }

	switch key {
	case "mes.baseUrl":
		return decode(&cfg.MES.BaseURL)
	case "mes.username":
		return decode(&cfg.MES.Username)
	case "mes.password":
		return decode(&cfg.MES.Password)
	case "mes.companyId":
		return decode(&cfg.MES.CompanyID)
	case "mes.userId":
		return decode(&cfg.MES.UserID)
	case "rs485.port":
		return decode(&cfg.RS485.Port)
	case "rs485.baud":
		return decode(&cfg.RS485.Baud)
	case "rs485.timeoutMs":
		return decode(&cfg.RS485.TimeoutMs)
	case "buffer.path":
		return decode(&cfg.Buffer.Path)
	case "buffer.batchMax":
		return decode(&cfg.Buffer.BatchMax)
	case "buffer.retentionDays":
		return decode(&cfg.Buffer.RetentionDays)
	case "sync.intervalSec":
		return decode(&cfg.Sync.IntervalSec)
	case "sync.maxAttemptsPerPass":
		return decode(&cfg.Sync.MaxAttemptsPerPass)
	case "station.id":
		return decode(&cfg.Station.ID)
	case "station.name":
		return decode(&cfg.Station.Name)
	case "station.closePin":
		return decode(&cfg.Station.ClosePin)
	default:
		// Unknown dotted keys are ignored like any other unknown key.
		return nil
	}
}
