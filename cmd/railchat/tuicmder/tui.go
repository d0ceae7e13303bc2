package tuicmder

import (
	"context"
	"io"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/papercomputeco/railchat/cmd/railchat/bootstrap"
)

const tuiLongDesc string = `Chat in the terminal.

Keys:
  enter    send the message
  ctrl+r   regenerate the last answer
  ctrl+u   delete the previous exchange
  ctrl+l   clear the chat
  esc      stop the answer being generated
  ctrl+c   quit`

const tuiShortDesc string = "Chat in a terminal UI"

type tuiCommander struct {
	flags  *bootstrap.Flags
	system string
}

func NewTUICmd(flags *bootstrap.Flags) *cobra.Command {
	cmder := &tuiCommander{flags: flags}

	cmd := &cobra.Command{
		Use:   "tui",
		Short: tuiShortDesc,
		Long:  tuiLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVar(&cmder.system, "system", "", "System prompt (default from config)")

	return cmd
}

func (c *tuiCommander) run(ctx context.Context, cmd *cobra.Command, _ []string) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}

	// The UI owns the terminal, so logs are discarded.
	app, err := bootstrap.New(cfg, io.Discard)
	if err != nil {
		return err
	}
	defer app.Close()

	system := cfg.SystemPrompt
	if cmd.Flags().Changed("system") {
		system = c.system
	}

	m := newModel(ctx, app.Responder, system)
	_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}
