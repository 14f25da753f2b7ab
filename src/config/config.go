// Package config loads memctx settings from a YAML file and MEMCTX_* environment
// variables.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"
)

const EnvPrefix = "MEMCTX"

type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Embed      EmbedConfig      `mapstructure:"embed"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Policy     PolicyConfig     `mapstructure:"policy"`
	Summarizer SummarizerConfig `mapstructure:"summarizer"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects the persistence backend. Neo4j and chromem decorate the
// primary driver when configured.
type StoreConfig struct {
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Database string `mapstructure:"database"`
	Prefix   string `mapstructure:"prefix"`
	// Dimensions sizes the Postgres embedding column; 0 leaves it untyped.
	Dimensions int           `mapstructure:"dimensions"`
	Neo4j      Neo4jConfig   `mapstructure:"neo4j"`
	Chromem    ChromemConfig `mapstructure:"chromem"`
}

type Neo4jConfig struct {
	URI      string `mapstructure:"uri"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type ChromemConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type EmbedConfig struct {
	Provider  string        `mapstructure:"provider"`
	Model     string        `mapstructure:"model"`
	CacheSize int64         `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type EngineConfig struct {
	ChannelTimeout      time.Duration `mapstructure:"channel_timeout"`
	CandidateMultiplier int           `mapstructure:"candidate_multiplier"`
	RelatedConcurrency  int           `mapstructure:"related_concurrency"`
	EmbedConcurrency    int           `mapstructure:"embed_concurrency"`
	ImportanceStep      float64       `mapstructure:"importance_step"`
	// RateLimit is the number of query embeddings one organization may request
	// per RateWindow; zero disables limiting.
	RateLimit   int           `mapstructure:"rate_limit"`
	RateWindow  time.Duration `mapstructure:"rate_window"`
	RateMaxKeys int           `mapstructure:"rate_max_keys"`
}

type PolicyConfig struct {
	CacheSize     int           `mapstructure:"cache_size"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
}

type SummarizerConfig struct {
	Kind   string `mapstructure:"kind"`
	Model  string `mapstructure:"model"`
	APIKey string `mapstructure:"api_key"`
}

var defaults = map[string]any{
	"log.level": "info",

	"store.driver":          "memory",
	"store.dsn":             "",
	"store.database":        "memctx",
	"store.prefix":          "memctx",
	"store.dimensions":      0,
	"store.neo4j.uri":       "",
	"store.neo4j.user":      "neo4j",
	"store.neo4j.password":  "",
	"store.chromem.enabled": false,
	"store.chromem.path":    "",

	"embed.provider":   "",
	"embed.model":      "",
	"embed.cache_size": 10000,
	"embed.cache_ttl":  10 * time.Minute,

	"engine.channel_timeout":      2 * time.Second,
	"engine.candidate_multiplier": 3,
	"engine.related_concurrency":  8,
	"engine.embed_concurrency":    16,
	"engine.importance_step":      0.1,
	"engine.rate_limit":           0,
	"engine.rate_window":          time.Minute,
	"engine.rate_max_keys":        4096,

	"policy.cache_size":     1024,
	"policy.cache_ttl":      5 * time.Minute,
	"policy.lookup_timeout": time.Second,

	"summarizer.kind":    "heuristic",
	"summarizer.model":   "claude-3-5-haiku-latest",
	"summarizer.api_key": "",
}

// New returns a viper instance carrying the defaults and environment binding.
func New() *viper.Viper {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path when it is non-empty, applies environment overrides and
// validates the result. A missing file is an error only when path was given.
func Load(path string) (Config, error) {
	v := New()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, goerr.Wrap(err, "read config", goerr.V("path", path))
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates an already populated viper instance.
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, goerr.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return goerr.Wrap(err, "invalid log level", goerr.V("level", c.Log.Level))
	}
	switch c.Store.Driver {
	case "memory":
	case "postgres", "mongo":
		if c.Store.DSN == "" {
			return goerr.New("store.dsn is required", goerr.V("driver", c.Store.Driver))
		}
	default:
		return goerr.New("unknown store driver", goerr.V("driver", c.Store.Driver))
	}
	switch c.Summarizer.Kind {
	case "heuristic":
	case "anthropic":
		if c.Summarizer.APIKey == "" {
			return goerr.New("summarizer.api_key is required for anthropic")
		}
	default:
		return goerr.New("unknown summarizer", goerr.V("kind", c.Summarizer.Kind))
	}
	if c.Store.Dimensions < 0 {
		return errors.New("store.dimensions must not be negative")
	}
	if c.Engine.RateLimit < 0 {
		return errors.New("engine.rate_limit must not be negative")
	}
	return nil
}

// LogLevel is the parsed log level; Validate guarantees it parses.
func (c Config) LogLevel() log.Level {
	lvl, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
