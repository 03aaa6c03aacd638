// Package config provides configuration management for qshield.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Defaults.
const (
	DefaultHost                  = "127.0.0.1"
	DefaultPort                  = 5000
	DefaultLogLevel              = "info"
	DefaultSimulatorTimeoutMS    = 5000
	DefaultSessionIdleTimeoutSec = 300
	DefaultConnectionTimeoutSec  = 60
	DefaultReapIntervalSec       = 15
	DefaultSendBuffer            = 256
	DefaultKeyLength             = 100
	DefaultTokenTTLMin           = 60
	DefaultActionRate            = 5.0
	DefaultActionBurst           = 10
)

// Setting keys, shared by settings.json and the environment.
const (
	KeyDataDir            = "QSHIELD_DATA_DIR"
	KeyHost               = "QSHIELD_HOST"
	KeyPort               = "QSHIELD_PORT"
	KeyLogLevel           = "QSHIELD_LOG_LEVEL"
	KeySimulatorTimeout   = "QSHIELD_SIMULATOR_TIMEOUT_MS"
	KeySessionIdleTimeout = "QSHIELD_SESSION_IDLE_TIMEOUT_SEC"
	KeyConnectionTimeout  = "QSHIELD_CONNECTION_TIMEOUT_SEC"
	KeyReapInterval       = "QSHIELD_REAP_INTERVAL_SEC"
	KeySendBuffer         = "QSHIELD_SEND_BUFFER"
	KeyDefaultKeyLength   = "QSHIELD_DEFAULT_KEY_LENGTH"
	KeyJournalDSN         = "QSHIELD_JOURNAL_DSN"
	KeyRecordsPath        = "QSHIELD_RECORDS_PATH"
	KeyTokenSecret        = "QSHIELD_TOKEN_SECRET"
	KeyTokenTTL           = "QSHIELD_TOKEN_TTL_MIN"
	KeyActionRate         = "QSHIELD_ACTION_RATE"
	KeyActionBurst        = "QSHIELD_ACTION_BURST"
	KeyAllowedOrigins     = "QSHIELD_ALLOWED_ORIGINS"
)

// Config holds the server configuration.
type Config struct {
	Host                  string
	Port                  int
	LogLevel              string
	SimulatorTimeoutMS    int
	SessionIdleTimeoutSec int
	ConnectionTimeoutSec  int
	ReapIntervalSec       int
	SendBuffer            int
	DefaultKeyLength      int
	JournalDSN            string
	RecordsPath           string
	TokenSecret           string
	TokenTTLMin           int
	ActionRate            float64
	ActionBurst           int
	AllowedOrigins        []string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Host:                  DefaultHost,
		Port:                  DefaultPort,
		LogLevel:              DefaultLogLevel,
		SimulatorTimeoutMS:    DefaultSimulatorTimeoutMS,
		SessionIdleTimeoutSec: DefaultSessionIdleTimeoutSec,
		ConnectionTimeoutSec:  DefaultConnectionTimeoutSec,
		ReapIntervalSec:       DefaultReapIntervalSec,
		SendBuffer:            DefaultSendBuffer,
		DefaultKeyLength:      DefaultKeyLength,
		TokenTTLMin:           DefaultTokenTTLMin,
		ActionRate:            DefaultActionRate,
		ActionBurst:           DefaultActionBurst,
		AllowedOrigins:        []string{},
	}
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SimulatorTimeout bounds each simulator and cipher call.
func (c *Config) SimulatorTimeout() time.Duration {
	return time.Duration(c.SimulatorTimeoutMS) * time.Millisecond
}

// SessionIdleTimeout is how long an empty session survives.
func (c *Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutSec) * time.Second
}

// ConnectionTimeout is how long a silent connection stays registered.
func (c *Config) ConnectionTimeout() time.Duration {
	return time.Duration(c.ConnectionTimeoutSec) * time.Second
}

// ReapInterval is the stale connection sweep period.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSec) * time.Second
}

// TokenTTL is the lifetime of an actor token.
func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.TokenTTLMin) * time.Minute
}

// DataDir returns the data directory, ~/.qshield unless QSHIELD_DATA_DIR is set.
func DataDir() string {
	if dir := os.Getenv(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".qshield")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnvPath returns the path of the optional .env file in the data dir.
func EnvPath() string {
	return filepath.Join(DataDir(), ".env")
}

// JournalPath returns the default SQLite journal path.
func JournalPath() string {
	return filepath.Join(DataDir(), "journal.db")
}

// EnsureDataDir creates the data directory.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	d := Default()
	defaults := map[string]any{
		KeyHost:               d.Host,
		KeyPort:               d.Port,
		KeyLogLevel:           d.LogLevel,
		KeySimulatorTimeout:   d.SimulatorTimeoutMS,
		KeySessionIdleTimeout: d.SessionIdleTimeoutSec,
		KeyConnectionTimeout:  d.ConnectionTimeoutSec,
		KeyReapInterval:       d.ReapIntervalSec,
		KeySendBuffer:         d.SendBuffer,
		KeyDefaultKeyLength:   d.DefaultKeyLength,
		KeyJournalDSN:         d.JournalDSN,
		KeyRecordsPath:        d.RecordsPath,
		KeyTokenTTL:           d.TokenTTLMin,
		KeyActionRate:         d.ActionRate,
		KeyActionBurst:        d.ActionBurst,
	}
	data, err := json.MarshalIndent(defaults, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and the default settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := EnsureSettings(); err != nil {
		return fmt.Errorf("create settings: %w", err)
	}
	return nil
}

// Load builds the configuration from defaults, settings.json, the optional
// .env files and the environment, in increasing precedence. A malformed
// settings file is logged and skipped.
func Load() (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(SettingsPath()); err == nil {
		var raw map[string]any
		if err := json.Unmarshal(data, &raw); err != nil {
			log.Warn().Err(err).Str("path", SettingsPath()).Msg("Invalid settings file, using defaults")
		} else {
			cfg.apply(func(key string) (string, bool) {
				v, ok := raw[key]
				if !ok || v == nil {
					return "", false
				}
				return fmt.Sprint(v), true
			})
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read settings: %w", err)
	}

	// godotenv never overrides variables already set, so real environment
	// values keep precedence over both files.
	for _, path := range []string{EnvPath(), ".env"} {
		if err := godotenv.Load(path); err != nil && !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("Failed to load env file")
		}
	}
	cfg.apply(os.LookupEnv)
	cfg.normalize()
	return cfg, nil
}

func (c *Config) apply(lookup func(string) (string, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}

	str(KeyHost, &c.Host)
	num(KeyPort, &c.Port)
	str(KeyLogLevel, &c.LogLevel)
	num(KeySimulatorTimeout, &c.SimulatorTimeoutMS)
	num(KeySessionIdleTimeout, &c.SessionIdleTimeoutSec)
	num(KeyConnectionTimeout, &c.ConnectionTimeoutSec)
	num(KeyReapInterval, &c.ReapIntervalSec)
	num(KeySendBuffer, &c.SendBuffer)
	num(KeyDefaultKeyLength, &c.DefaultKeyLength)
	str(KeyJournalDSN, &c.JournalDSN)
	str(KeyRecordsPath, &c.RecordsPath)
	str(KeyTokenSecret, &c.TokenSecret)
	num(KeyTokenTTL, &c.TokenTTLMin)
	num(KeyActionBurst, &c.ActionBurst)
	if v, ok := lookup(KeyActionRate); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			c.ActionRate = f
		}
	}
	if v, ok := lookup(KeyAllowedOrigins); ok {
		c.AllowedOrigins = splitTrim(v)
	}
}

// normalize replaces out-of-range values with their defaults.
func (c *Config) normalize() {
	d := Default()
	fix := func(name string, v *int, def int) {
		if *v <= 0 {
			log.Warn().Str("key", name).Int("value", *v).Int("default", def).Msg("Invalid setting, using default")
			*v = def
		}
	}
	if c.Port <= 0 || c.Port > 65535 {
		log.Warn().Int("port", c.Port).Msg("Invalid port, using default")
		c.Port = d.Port
	}
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	fix(KeySimulatorTimeout, &c.SimulatorTimeoutMS, d.SimulatorTimeoutMS)
	fix(KeySessionIdleTimeout, &c.SessionIdleTimeoutSec, d.SessionIdleTimeoutSec)
	fix(KeyConnectionTimeout, &c.ConnectionTimeoutSec, d.ConnectionTimeoutSec)
	fix(KeyReapInterval, &c.ReapIntervalSec, d.ReapIntervalSec)
	fix(KeySendBuffer, &c.SendBuffer, d.SendBuffer)
	fix(KeyDefaultKeyLength, &c.DefaultKeyLength, d.DefaultKeyLength)
	fix(KeyTokenTTL, &c.TokenTTLMin, d.TokenTTLMin)
	fix(KeyActionBurst, &c.ActionBurst, d.ActionBurst)
	if c.ActionRate <= 0 {
		c.ActionRate = d.ActionRate
	}
}

var (
	globalMu  sync.Mutex
	globalCfg *Config
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCfg == nil {
		cfg, err := Load()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load config, using defaults")
			cfg = Default()
		}
		globalCfg = cfg
	}
	return globalCfg
}

// GetPort returns QSHIELD_PORT when it is a valid port, else the configured one.
func GetPort() int {
	if v := os.Getenv(KeyPort); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 && p <= 65535 {
			return p
		}
	}
	return Get().Port
}

// splitTrim splits a comma-separated list, dropping empty entries.
func splitTrim(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
