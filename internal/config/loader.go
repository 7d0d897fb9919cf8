package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	kenv "github.com/knadh/koanf/providers/env"
	kfile "github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	moderr "github.com/mjbernaski/threemodels/errors"
)

const (
	envPrefix     = "THREEMODELS__"
	envConfigPath = "THREEMODELS_CONFIG_PATH"
	envDotEnvPath = "THREEMODELS_ENV_FILE"
	defaultPath   = "config.yaml"
)

// Config is the root config structure.
type Config struct {
	Providers    map[string]ProviderConfig `koanf:"providers"`
	Dispatch     DispatchConfig            `koanf:"dispatch"`
	Conversation ConversationConfig        `koanf:"conversation"`
	Server       ServerConfig              `koanf:"server"`
	Log          LogConfig                 `koanf:"log"`
}

// ProviderConfig defines a single vendor entry. The map key doubles as the
// vendor kind unless Kind is set.
type ProviderConfig struct {
	Name      string        `koanf:"name"`
	Kind      string        `koanf:"kind"`
	Model     string        `koanf:"model"`
	APIKey    string        `koanf:"api_key"`
	APIKeyEnv []string      `koanf:"api_key_env"`
	BaseURL   string        `koanf:"base_url"`
	MaxTokens int           `koanf:"max_tokens"`
	Timeout   time.Duration `koanf:"timeout"`
	Disabled  bool          `koanf:"disabled"`
}

type DispatchConfig struct {
	MaxRetries int           `koanf:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay"`
}

type ConversationConfig struct {
	Path           string `koanf:"path"`
	Dir            string `koanf:"dir"`
	ComparisonsDir string `koanf:"comparisons_dir"`
	ReplayProvider string `koanf:"replay_provider"`
}

// ServerConfig limits POST /api/ask per client IP to AskRate requests per
// second with bursts of AskBurst. A zero rate disables the limit.
type ServerConfig struct {
	Addr     string  `koanf:"addr"`
	AskRate  float64 `koanf:"ask_rate"`
	AskBurst int     `koanf:"ask_burst"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// NamedProvider pairs a provider entry with its config key.
type NamedProvider struct {
	Key string
	ProviderConfig
}

// cache holds the result of the first Load.
var cache struct {
	once sync.Once
	cfg  *Config
	err  error
}

// Load loads configuration from the default locations. Load is safe for repeated calls.
//
// Priority (later wins):
// 1. built-in defaults
// 2. THREEMODELS_CONFIG_PATH if set, else ./config.yaml when present
// 3. THREEMODELS__section__key environment overrides
func Load() (*Config, error) {
	cache.once.Do(func() {
		path := os.Getenv(envConfigPath)
		if path == "" {
			if _, err := os.Stat(defaultPath); err == nil {
				path = defaultPath
			}
		}
		cache.cfg, cache.err = LoadFile(path)
	})
	return cache.cfg, cache.err
}

// LoadFile loads configuration from path without caching. An empty path
// loads defaults and environment overrides only.
func LoadFile(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	k := koanf.New(".")
	if err := k.Load(defaultsProvider{}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(kfile.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %q: %w", path, err)
		}
	}

	// Environment overrides: THREEMODELS__PROVIDERS__OPENAI__MODEL=gpt-4o-mini
	// Double underscore splits levels.
	if err := k.Load(kenv.Provider(envPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, envPrefix))
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	resolveEnvVars(&cfg)
	cfg.applyDefaults()
	return &cfg, nil
}

func loadDotEnv() error {
	path := os.Getenv(envDotEnvPath)
	if path == "" {
		path = ".env"
	}
	// godotenv never overwrites variables that are already set.
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Dispatch.MaxRetries <= 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.BaseDelay <= 0 {
		c.Dispatch.BaseDelay = time.Second
	}
	if c.Conversation.ReplayProvider == "" {
		c.Conversation.ReplayProvider = "Anthropic"
	}
	for key, p := range c.Providers {
		if p.Kind == "" {
			p.Kind = key
		}
		if p.Name == "" {
			p.Name = key
		}
		if p.APIKey == "" {
			for _, name := range p.APIKeyEnv {
				if v := os.Getenv(name); v != "" {
					p.APIKey = v
					break
				}
			}
		}
		c.Providers[key] = p
	}
}

// Enabled returns the non-disabled providers ordered by config key.
func (c *Config) Enabled() []NamedProvider {
	keys := make([]string, 0, len(c.Providers))
	for k, p := range c.Providers {
		if !p.Disabled {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]NamedProvider, 0, len(keys))
	for _, k := range keys {
		out = append(out, NamedProvider{Key: k, ProviderConfig: c.Providers[k]})
	}
	return out
}

// Validate reports every enabled provider that lacks a credential.
func (c *Config) Validate() error {
	enabled := c.Enabled()
	if len(enabled) == 0 {
		return moderr.ErrNoProviders
	}
	var missing []string
	for _, p := range enabled {
		if strings.TrimSpace(p.APIKey) != "" {
			continue
		}
		if len(p.APIKeyEnv) > 0 {
			missing = append(missing, strings.Join(p.APIKeyEnv, " or "))
		} else {
			missing = append(missing, fmt.Sprintf("providers.%s.api_key", p.Key))
		}
	}
	if len(missing) > 0 {
		return &moderr.ConfigError{Missing: missing}
	}
	return nil
}

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// resolveEnvVars resolves ${VAR} patterns in config string fields
func resolveEnvVars(cfg *Config) {
	for key, p := range cfg.Providers {
		p.APIKey = resolveEnvString(p.APIKey)
		p.Model = resolveEnvString(p.Model)
		p.BaseURL = resolveEnvString(p.BaseURL)
		cfg.Providers[key] = p
	}
	cfg.Conversation.Path = resolveEnvString(cfg.Conversation.Path)
	cfg.Conversation.Dir = resolveEnvString(cfg.Conversation.Dir)
	cfg.Conversation.ComparisonsDir = resolveEnvString(cfg.Conversation.ComparisonsDir)
}

// resolveEnvString replaces ${VAR} with the variable's value, or with the
// empty string when it is unset.
func resolveEnvString(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}
