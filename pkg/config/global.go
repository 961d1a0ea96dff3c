package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	"github.com/aperture-cli/aperture/pkg/errs"
	"github.com/aperture-cli/aperture/pkg/fsio"
)

// Manager loads and persists the global config.toml. Writes are serialized
// by an in-process mutex and land on disk via temp+rename; cross-process
// races resolve last-writer-wins on the rename.
type Manager struct {
	paths Paths
	mu    sync.Mutex
}

// NewManager creates a Manager rooted at the given paths.
func NewManager(paths Paths) *Manager {
	return &Manager{paths: paths}
}

// Paths exposes the resolved directory layout.
func (m *Manager) Paths() Paths { return m.paths }

// Load reads config.toml, applying defaults for any missing keys. A missing
// file yields the defaults.
func (m *Manager) Load() (GlobalConfig, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigFile(m.paths.ConfigPath())
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return cfg, nil
		}
		return cfg, errs.Wrap(errs.KindRuntime, err, "failed to read config file %s", m.paths.ConfigPath()).
			WithHint("Check that your configuration file is valid TOML syntax.")
	}
	// Decoded with go-toml rather than viper so map keys (scheme names,
	// tags, operationIds) keep their case.
	data, err := os.ReadFile(m.paths.ConfigPath())
	if err != nil {
		return cfg, errs.Wrap(errs.KindRuntime, err, "failed to read config file %s", m.paths.ConfigPath())
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindRuntime, err, "failed to parse config file %s", m.paths.ConfigPath())
	}
	return cfg, nil
}

// Save persists the config atomically.
func (m *Manager) Save(cfg GlobalConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.save(cfg)
}

// save writes cfg atomically; the caller holds m.mu.
func (m *Manager) save(cfg GlobalConfig) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to serialize config")
	}
	if err := fsio.WriteAtomic(m.paths.ConfigPath(), data, 0o600); err != nil {
		return errs.Wrap(errs.KindRuntime, err, "failed to write config file")
	}
	return nil
}

// Update applies fn to the current config under the write mutex and saves
// the result.
func (m *Manager) Update(fn func(*GlobalConfig) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := m.Load()
	if err != nil {
		return err
	}
	if err := fn(&cfg); err != nil {
		return err
	}
	return m.save(cfg)
}

// Settable global keys for `config get` / `config set`.
var settableKeys = []string{
	"default_timeout_secs",
	"agent_defaults.json_errors",
	"retry_defaults.max_attempts",
	"retry_defaults.initial_delay_ms",
	"retry_defaults.max_delay_ms",
	"cache.enabled",
	"cache.default_ttl_secs",
	"cache.allow_authenticated",
}

// SettableKeys lists the keys accepted by SetKey, for help output.
func SettableKeys() []string {
	out := make([]string, len(settableKeys))
	copy(out, settableKeys)
	return out
}

// GetKey returns the current value of a settable key, rendered as a string.
func GetKey(cfg GlobalConfig, key string) (string, error) {
	switch key {
	case "default_timeout_secs":
		return strconv.Itoa(cfg.DefaultTimeoutSecs), nil
	case "agent_defaults.json_errors":
		return strconv.FormatBool(cfg.AgentDefaults.JSONErrors), nil
	case "retry_defaults.max_attempts":
		return strconv.Itoa(cfg.RetryDefaults.MaxAttempts), nil
	case "retry_defaults.initial_delay_ms":
		return strconv.FormatInt(cfg.RetryDefaults.InitialDelayMS, 10), nil
	case "retry_defaults.max_delay_ms":
		return strconv.FormatInt(cfg.RetryDefaults.MaxDelayMS, 10), nil
	case "cache.enabled":
		return strconv.FormatBool(cfg.Cache.Enabled), nil
	case "cache.default_ttl_secs":
		return strconv.FormatInt(cfg.Cache.DefaultTTLSecs, 10), nil
	case "cache.allow_authenticated":
		return strconv.FormatBool(cfg.Cache.AllowAuthenticated), nil
	}
	return "", errs.New(errs.KindValidation, "unknown setting %q", key).
		WithHint(fmt.Sprintf("Settable keys: %s", strings.Join(settableKeys, ", ")))
}

// SetKey parses and applies a value for a settable key.
func SetKey(cfg *GlobalConfig, key, value string) error {
	parseInt := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return 0, errs.New(errs.KindValidation, "setting %q requires a non-negative integer, got %q", key, value)
		}
		return n, nil
	}
	parseBool := func() (bool, error) {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return false, errs.New(errs.KindValidation, "setting %q requires a boolean, got %q", key, value)
		}
		return b, nil
	}

	switch key {
	case "default_timeout_secs":
		n, err := parseInt()
		if err != nil {
			return err
		}
		cfg.DefaultTimeoutSecs = n
	case "agent_defaults.json_errors":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cfg.AgentDefaults.JSONErrors = b
	case "retry_defaults.max_attempts":
		n, err := parseInt()
		if err != nil {
			return err
		}
		cfg.RetryDefaults.MaxAttempts = n
	case "retry_defaults.initial_delay_ms":
		n, err := parseInt()
		if err != nil {
			return err
		}
		cfg.RetryDefaults.InitialDelayMS = int64(n)
	case "retry_defaults.max_delay_ms":
		n, err := parseInt()
		if err != nil {
			return err
		}
		cfg.RetryDefaults.MaxDelayMS = int64(n)
	case "cache.enabled":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cfg.Cache.Enabled = b
	case "cache.default_ttl_secs":
		n, err := parseInt()
		if err != nil {
			return err
		}
		cfg.Cache.DefaultTTLSecs = int64(n)
	case "cache.allow_authenticated":
		b, err := parseBool()
		if err != nil {
			return err
		}
		cfg.Cache.AllowAuthenticated = b
	default:
		return errs.New(errs.KindValidation, "unknown setting %q", key).
			WithHint(fmt.Sprintf("Settable keys: %s", strings.Join(settableKeys, ", ")))
	}
	return nil
}
