// Package bootstrap turns command line flags and configuration into the
// components every railchat command shares.
package bootstrap

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/pkg/chat"
	"github.com/papercomputeco/railchat/pkg/config"
	"github.com/papercomputeco/railchat/pkg/logger"
	"github.com/papercomputeco/railchat/pkg/merkle"
	"github.com/papercomputeco/railchat/pkg/ollama"
	"github.com/papercomputeco/railchat/pkg/prompt"
	"github.com/papercomputeco/railchat/pkg/rails"
)

// Flags are the persistent flags of the root command.
type Flags struct {
	ConfigFile  string
	EnvFile     string
	Debug       bool
	Model       string
	OllamaHost  string
	RailsConfig string
	NoRails     bool
	DB          string
}

// AddTo registers the flags on cmd as persistent flags.
func (f *Flags) AddTo(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.ConfigFile, "config", "c", config.DefaultConfigFile, "Path to TOML config file")
	pf.StringVar(&f.EnvFile, "env-file", config.DefaultEnvFile, "Path to .env file")
	pf.BoolVar(&f.Debug, "debug", false, "Enable debug logging")
	pf.StringVarP(&f.Model, "model", "m", "", "Model to chat with (overrides ENV_PROD selection)")
	pf.StringVar(&f.OllamaHost, "ollama", "", "Ollama base URL")
	pf.StringVar(&f.RailsConfig, "rails", "", "Path to rails policy YAML")
	pf.BoolVar(&f.NoRails, "no-rails", false, "Disable moderation rails")
	pf.StringVar(&f.DB, "db", "", "Path to transcript SQLite database (default: in-memory)")
}

// LoadConfig loads configuration and applies the flags the user set.
func (f *Flags) LoadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()

	cfg, err := config.Load(config.Options{
		ConfigFile: f.ConfigFile,
		Required:   flags.Changed("config"),
		EnvFile:    f.EnvFile,
	})
	if err != nil {
		return nil, err
	}

	if flags.Changed("debug") {
		cfg.Debug = f.Debug
	}
	if flags.Changed("model") {
		cfg.Model = f.Model
	}
	if flags.Changed("ollama") {
		cfg.OllamaHost = f.OllamaHost
	}
	if flags.Changed("rails") {
		cfg.RailsConfig = f.RailsConfig
	}
	if flags.Changed("no-rails") {
		cfg.RailsOff = f.NoRails
	}
	if flags.Changed("db") {
		cfg.DBPath = f.DB
	}

	return cfg, cfg.Validate()
}

// App bundles the shared components.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Client      *ollama.Client
	Transcripts merkle.Storer
	Responder   *chat.Responder

	// Rails is nil when rails are disabled.
	Rails *rails.Watcher
}

// New builds the shared components. Logs go to logOutput.
func New(cfg *config.Config, logOutput io.Writer) (*App, error) {
	log := logger.New(logger.Options{Debug: cfg.Debug, JSON: cfg.LogJSON, Output: logOutput})

	app := &App{
		Config: cfg,
		Logger: log,
		Client: ollama.NewClient(ollama.Config{BaseURL: cfg.OllamaHost}, log),
	}

	if cfg.DBPath != "" {
		storer, err := merkle.NewSQLiteStorer(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create SQLite storer: %w", err)
		}
		app.Transcripts = storer
		log.Info("using SQLite transcript storage", zap.String("path", cfg.DBPath))
	} else {
		app.Transcripts = merkle.NewMemoryStorer()
		log.Info("using in-memory transcript storage")
	}

	chatConfig := chat.Config{
		Model:       cfg.ModelName(),
		Transcripts: app.Transcripts,
	}
	if cfg.QuestionTemplate {
		chatConfig.QuestionTemplate = prompt.QuestionAnswer
	}

	if !cfg.RailsOff {
		written, err := rails.EnsureFile(cfg.RailsConfig, cfg.ModelName())
		if err != nil {
			app.Close()
			return nil, err
		}
		if written {
			log.Info("wrote default rails policy", zap.String("path", cfg.RailsConfig))
		}

		watcher, err := rails.NewWatcher(cfg.RailsConfig, rails.Deps{Completer: app.Client, Logger: log})
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Rails = watcher
		chatConfig.Rails = watcher
	}

	app.Responder = chat.NewResponder(chatConfig, app.Client, log)

	log.Info("loaded model", zap.String("model", cfg.ModelName()), zap.Bool("prod", cfg.Prod))
	return app, nil
}

// Close releases the transcript store and flushes logs.
func (a *App) Close() error {
	var err error
	if a.Transcripts != nil {
		err = a.Transcripts.Close()
	}
	// Sync fails on terminals; there is nothing useful to do about it.
	_ = a.Logger.Sync()
	return err
}
