// Package config reads and writes the global ~/.relay/config.toml.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as "3s" in TOML.
type Duration struct {
	time.Duration
}

// D wraps d.
func D(d time.Duration) Duration { return Duration{d} }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config represents the global ~/.relay/config.toml.
type Config struct {
	DefaultInstance string          `toml:"default_instance"`
	UserID          string          `toml:"user_id"`
	Backend         BackendConfig   `toml:"backend"`
	Redis           RedisConfig     `toml:"redis"`
	Messaging       MessagingConfig `toml:"messaging"`
	Reconnect       ReconnectConfig `toml:"reconnect"`
	Log             LogConfig       `toml:"log"`
}

// BackendConfig locates the database and the hub daemon. Empty paths fall
// back to the instance directory.
type BackendConfig struct {
	DBPath string `toml:"db_path"`
	Socket string `toml:"socket"`
}

// RedisConfig enables the shared presence store. An empty Addr keeps
// presence in memory.
type RedisConfig struct {
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	Prefix      string   `toml:"prefix"`
	PresenceTTL Duration `toml:"presence_ttl"`
}

type MessagingConfig struct {
	HistoryLimit   int      `toml:"history_limit"`
	TypingTimeout  Duration `toml:"typing_timeout"`
	TypingThrottle Duration `toml:"typing_throttle"`
	RingTimeout    Duration `toml:"ring_timeout"`
	Provisional    bool     `toml:"provisional"`
}

type ReconnectConfig struct {
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	Multiplier      float64  `toml:"multiplier"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a config with every default filled in.
func Default() *Config {
	return &Config{
		DefaultInstance: "main",
		Redis: RedisConfig{
			Prefix:      "relay",
			PresenceTTL: D(60 * time.Second),
		},
		Messaging: MessagingConfig{
			HistoryLimit:   50,
			TypingTimeout:  D(3 * time.Second),
			TypingThrottle: D(time.Second),
			RingTimeout:    D(45 * time.Second),
		},
		Reconnect: ReconnectConfig{
			InitialInterval: D(500 * time.Millisecond),
			MaxInterval:     D(30 * time.Second),
			Multiplier:      2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c Config) WithDefaults() *Config {
	d := Default()
	if c.DefaultInstance == "" {
		c.DefaultInstance = d.DefaultInstance
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = d.Redis.Prefix
	}
	if c.Redis.PresenceTTL.Duration == 0 {
		c.Redis.PresenceTTL = d.Redis.PresenceTTL
	}
	if c.Messaging.HistoryLimit == 0 {
		c.Messaging.HistoryLimit = d.Messaging.HistoryLimit
	}
	if c.Messaging.TypingTimeout.Duration == 0 {
		c.Messaging.TypingTimeout = d.Messaging.TypingTimeout
	}
	if c.Messaging.TypingThrottle.Duration == 0 {
		c.Messaging.TypingThrottle = d.Messaging.TypingThrottle
	}
	if c.Messaging.RingTimeout.Duration == 0 {
		c.Messaging.RingTimeout = d.Messaging.RingTimeout
	}
	if c.Reconnect.InitialInterval.Duration == 0 {
		c.Reconnect.InitialInterval = d.Reconnect.InitialInterval
	}
	if c.Reconnect.MaxInterval.Duration == 0 {
		c.Reconnect.MaxInterval = d.Reconnect.MaxInterval
	}
	if c.Reconnect.Multiplier == 0 {
		c.Reconnect.Multiplier = d.Reconnect.Multiplier
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	return &c
}

// Load reads config from the given path. Returns nil and an error if the
// file is missing; callers wanting defaults check os.ErrNotExist.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	return cfg.WithDefaults(), nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
