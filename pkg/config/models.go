package config

// GlobalConfig is the config.toml root.
type GlobalConfig struct {
	DefaultTimeoutSecs int                  `toml:"default_timeout_secs" mapstructure:"default_timeout_secs"`
	AgentDefaults      AgentDefaults        `toml:"agent_defaults" mapstructure:"agent_defaults"`
	RetryDefaults      RetryDefaults        `toml:"retry_defaults" mapstructure:"retry_defaults"`
	Cache              CacheSettings        `toml:"cache" mapstructure:"cache"`
	APIConfigs         map[string]APIConfig `toml:"api_configs,omitempty" mapstructure:"api_configs"`
}

// AgentDefaults hold agent-mode output defaults.
type AgentDefaults struct {
	JSONErrors bool `toml:"json_errors" mapstructure:"json_errors"`
}

// RetryDefaults configure the retry layer when flags are absent.
type RetryDefaults struct {
	MaxAttempts    int   `toml:"max_attempts" mapstructure:"max_attempts"`
	InitialDelayMS int64 `toml:"initial_delay_ms" mapstructure:"initial_delay_ms"`
	MaxDelayMS     int64 `toml:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// CacheSettings configure the response cache.
type CacheSettings struct {
	Enabled            bool  `toml:"enabled" mapstructure:"enabled"`
	DefaultTTLSecs     int64 `toml:"default_ttl_secs" mapstructure:"default_ttl_secs"`
	AllowAuthenticated bool  `toml:"allow_authenticated" mapstructure:"allow_authenticated"`
}

// APIConfig carries per-context user preferences.
type APIConfig struct {
	BaseURLOverride string                   `toml:"base_url_override,omitempty" mapstructure:"base_url_override"`
	StrictMode      bool                     `toml:"strict_mode" mapstructure:"strict_mode"`
	EnvironmentURLs map[string]string        `toml:"environment_urls,omitempty" mapstructure:"environment_urls"`
	Secrets         map[string]SecretBinding `toml:"secrets,omitempty" mapstructure:"secrets"`
	CommandMapping  CommandMapping           `toml:"command_mapping,omitempty" mapstructure:"command_mapping"`
}

// SecretBinding declares that a security scheme's value is read from a named
// environment variable at request time. Values themselves are never stored.
type SecretBinding struct {
	Source string `toml:"source" mapstructure:"source" json:"source"`
	Name   string `toml:"name" mapstructure:"name" json:"name"`
}

// CommandMapping holds user renames, regroupings, aliases, and hides.
type CommandMapping struct {
	Groups     map[string]string            `toml:"groups,omitempty" mapstructure:"groups"`
	Operations map[string]OperationOverride `toml:"operations,omitempty" mapstructure:"operations"`
}

// OperationOverride customizes one operation's CLI identity.
type OperationOverride struct {
	Name    string   `toml:"name,omitempty" mapstructure:"name"`
	Group   string   `toml:"group,omitempty" mapstructure:"group"`
	Aliases []string `toml:"aliases,omitempty" mapstructure:"aliases"`
	Hidden  bool     `toml:"hidden,omitempty" mapstructure:"hidden"`
}

// Defaults returns a GlobalConfig with documented defaults applied.
func Defaults() GlobalConfig {
	return GlobalConfig{
		DefaultTimeoutSecs: 30,
		RetryDefaults: RetryDefaults{
			MaxAttempts:    0,
			InitialDelayMS: 500,
			MaxDelayMS:     30000,
		},
		Cache: CacheSettings{
			Enabled:            false,
			DefaultTTLSecs:     300,
			AllowAuthenticated: false,
		},
	}
}

// API returns the APIConfig for a context, zero-valued if absent.
func (g *GlobalConfig) API(context string) APIConfig {
	if g.APIConfigs == nil {
		return APIConfig{}
	}
	return g.APIConfigs[context]
}

// SetAPI stores an APIConfig for a context.
func (g *GlobalConfig) SetAPI(context string, api APIConfig) {
	if g.APIConfigs == nil {
		g.APIConfigs = make(map[string]APIConfig)
	}
	g.APIConfigs[context] = api
}
