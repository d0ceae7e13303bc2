// Package config loads railchat settings from defaults, an optional TOML
// file, a .env file and the process environment, in that order of precedence
// (later sources win). Command line flags are applied on top by the caller.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v9"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"

	"github.com/papercomputeco/railchat/pkg/chat"
)

const (
	DefaultConfigFile = "railchat.toml"
	DefaultEnvFile    = ".env"
)

// Config holds every runtime setting. Env tags carry no defaults so that
// unset variables leave TOML values alone.
type Config struct {
	// Prod selects the production model and exposes the UI on all interfaces.
	Prod  bool `toml:"prod" env:"ENV_PROD"`
	Share bool `toml:"share" env:"RAILCHAT_SHARE"`
	Port  int  `toml:"port" env:"RAILCHAT_PORT"`

	OllamaHost string `toml:"ollama_host" env:"OLLAMA_HOST"`
	DevModel   string `toml:"dev_model" env:"RAILCHAT_DEV_MODEL"`
	ProdModel  string `toml:"prod_model" env:"RAILCHAT_PROD_MODEL"`

	// Model, if set, overrides the ENV_PROD choice.
	Model string `toml:"model" env:"RAILCHAT_MODEL"`

	RailsConfig string `toml:"rails_config" env:"RAILCHAT_RAILS_CONFIG"`
	RailsOff    bool   `toml:"rails_off" env:"RAILCHAT_RAILS_OFF"`

	// DBPath is the transcript database; empty keeps transcripts in memory.
	DBPath string `toml:"db" env:"RAILCHAT_DB"`

	SystemPrompt     string `toml:"system_prompt" env:"RAILCHAT_SYSTEM_PROMPT"`
	QuestionTemplate bool   `toml:"question_template" env:"RAILCHAT_QUESTION_TEMPLATE"`

	SessionTTL Duration `toml:"session_ttl" env:"RAILCHAT_SESSION_TTL"`

	// RateLimit is chat requests per second per client; zero disables limiting.
	RateLimit float64 `toml:"rate_limit" env:"RAILCHAT_RATE_LIMIT"`
	RateBurst int     `toml:"rate_burst" env:"RAILCHAT_RATE_BURST"`

	Debug bool `toml:"debug" env:"RAILCHAT_DEBUG"`

	// LogJSON writes JSON log lines instead of the colored console format.
	LogJSON bool `toml:"log_json" env:"RAILCHAT_LOG_JSON"`
}

// Duration decodes from TOML strings such as "30m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:         7860,
		OllamaHost:   "http://127.0.0.1:11434",
		DevModel:     "llama3:8b",
		ProdModel:    "llama3:70b",
		RailsConfig:  "guardrails_config.yaml",
		SystemPrompt: chat.DefaultSystemPrompt,
		SessionTTL:   Duration{2 * time.Hour},
		RateLimit:    1,
		RateBurst:    5,
	}
}

// Options point Load at its input files.
type Options struct {
	// ConfigFile is read when it exists. If Required is set a missing file
	// is an error.
	ConfigFile string
	Required   bool

	EnvFile string
}

// Load builds the configuration.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.ConfigFile != "" {
		if _, err := toml.DecodeFile(opts.ConfigFile, cfg); err != nil {
			if !errors.Is(err, fs.ErrNotExist) || opts.Required {
				return nil, fmt.Errorf("read config file %s: %w", opts.ConfigFile, err)
			}
		}
	}

	if opts.EnvFile != "" {
		// godotenv never overrides variables that are already set.
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	return cfg, cfg.Validate()
}

// ModelName returns the model requests go to.
func (c *Config) ModelName() string {
	switch {
	case c.Model != "":
		return c.Model
	case c.Prod:
		return c.ProdModel
	default:
		return c.DevModel
	}
}

// Public reports whether the UI listens on every interface.
func (c *Config) Public() bool {
	return c.Prod || c.Share
}

// ListenAddr returns the address the web server binds.
func (c *Config) ListenAddr() string {
	host := "127.0.0.1"
	if c.Public() {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(c.Port))
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	if c.Port < 1 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.OllamaHost == "" {
		result = multierror.Append(result, errors.New("ollama host is empty"))
	}
	if c.ModelName() == "" {
		result = multierror.Append(result, errors.New("no model configured"))
	}
	if !c.RailsOff && c.RailsConfig == "" {
		result = multierror.Append(result, errors.New("rails config path is empty"))
	}
	if c.SessionTTL.Duration < 0 {
		result = multierror.Append(result, errors.New("session ttl is negative"))
	}
	if c.RateLimit < 0 || c.RateBurst < 0 {
		result = multierror.Append(result, errors.New("rate limit settings are negative"))
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		result = multierror.Append(result, errors.New("rate burst must be positive when rate limiting"))
	}

	return result.ErrorOrNil()
}
