// Command railchat is a guarded chat front end for a local Ollama daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/railchat/cmd/railchat/askcmder"
	"github.com/papercomputeco/railchat/cmd/railchat/bootstrap"
	"github.com/papercomputeco/railchat/cmd/railchat/mcpcmder"
	"github.com/papercomputeco/railchat/cmd/railchat/mergecmder"
	"github.com/papercomputeco/railchat/cmd/railchat/pushcmder"
	"github.com/papercomputeco/railchat/cmd/railchat/railscmder"
	"github.com/papercomputeco/railchat/cmd/railchat/servecmder"
	"github.com/papercomputeco/railchat/cmd/railchat/tuicmder"
)

const rootLongDesc string = `railchat serves a chat page backed by a local Ollama model.

Every message is screened by a rails policy (guardrails_config.yaml) before
it reaches the model. ENV_PROD=True selects the production model and exposes
the page on all interfaces.`

func newRootCmd() *cobra.Command {
	flags := &bootstrap.Flags{}

	cmd := &cobra.Command{
		Use:          "railchat",
		Short:        "Guarded chat with a local Ollama model",
		Long:         rootLongDesc,
		SilenceUsage: true,
	}
	flags.AddTo(cmd)

	cmd.AddCommand(
		servecmder.NewServeCmd(flags),
		askcmder.NewAskCmd(flags),
		tuicmder.NewTUICmd(flags),
		mcpcmder.NewMCPCmd(flags),
		railscmder.NewRailsCmd(flags),
		mergecmder.NewMergeCmd(),
		pushcmder.NewPushCmd(),
	)

	return cmd
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
