package servecmder

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/cmd/railchat/bootstrap"
	"github.com/papercomputeco/railchat/pkg/ollama"
	"github.com/papercomputeco/railchat/pkg/service"
	"github.com/papercomputeco/railchat/pkg/session"
	"github.com/papercomputeco/railchat/server"
)

const serveLongDesc string = `Serve the chat page and API.

Listens on 127.0.0.1 by default. With ENV_PROD=True or --share the
server binds 0.0.0.0 so other machines can reach it. The rails policy
file is watched and reloaded on change.

Examples:
  railchat serve
  ENV_PROD=True railchat serve --port 8080
  railchat serve --db ~/.railchat/railchat.db --rails ./guardrails_config.yaml`

const serveShortDesc string = "Serve the chat web UI"

type serveCommander struct {
	flags *bootstrap.Flags
	port  int
	share bool
}

func NewServeCmd(flags *bootstrap.Flags) *cobra.Command {
	cmder := &serveCommander{flags: flags}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().IntVarP(&cmder.port, "port", "p", 7860, "Port to listen on")
	cmd.Flags().BoolVar(&cmder.share, "share", false, "Listen on all interfaces")

	return cmd
}

func (c *serveCommander) run(ctx context.Context, cmd *cobra.Command, _ []string) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		cfg.Port = c.port
	}
	if cmd.Flags().Changed("share") {
		cfg.Share = c.share
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	app, err := bootstrap.New(cfg, os.Stdout)
	if err != nil {
		return err
	}
	defer app.Close()
	logger := app.Logger

	checkModel(ctx, app.Client, cfg.ModelName(), logger)

	sessions := session.NewStore(cfg.SessionTTL.Duration, logger)

	srv, err := server.New(server.Config{
		ListenAddr:   cfg.ListenAddr(),
		Model:        cfg.ModelName(),
		SystemPrompt: cfg.SystemPrompt,
		RateLimit:    cfg.RateLimit,
		RateBurst:    cfg.RateBurst,
	}, server.Deps{
		Responder:   app.Responder,
		Sessions:    sessions,
		Transcripts: app.Transcripts,
		Pinger:      app.Client,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	group := service.Group{srv, sessions}
	if app.Rails != nil {
		group = append(group, app.Rails)
	}

	logger.Info("railchat starting",
		zap.String("listen", cfg.ListenAddr()),
		zap.Bool("public", cfg.Public()),
		zap.Bool("rails", app.Rails != nil),
	)

	return group.Run(ctx)
}

// checkModel warns when the daemon is down or the model has not been pulled.
// Neither is fatal: the daemon may come up later.
func checkModel(ctx context.Context, client *ollama.Client, model string, logger *zap.Logger) {
	if err := client.Ping(ctx); err != nil {
		logger.Warn("ollama is not reachable yet", zap.String("url", client.BaseURL()), zap.Error(err))
		return
	}

	models, err := client.ListModels(ctx)
	if err != nil {
		logger.Warn("could not list ollama models", zap.Error(err))
		return
	}
	for _, m := range models {
		if m.Name == model || m.Model == model {
			return
		}
	}
	logger.Warn("model is not pulled yet; run `ollama pull` first", zap.String("model", model))
}
