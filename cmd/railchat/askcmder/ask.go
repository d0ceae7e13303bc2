package askcmder

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/muesli/termenv"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/papercomputeco/railchat/cmd/railchat/bootstrap"
	"github.com/papercomputeco/railchat/pkg/chat"
)

const askLongDesc string = `Ask a single question and print the answer.

The question goes through the same rails as the web UI. On a terminal
the finished answer is rendered as Markdown; when piped, the answer is
streamed as plain text.

Examples:
  railchat ask "What is a Merkle DAG?"
  railchat ask --system "Answer in one sentence." "Why is the sky blue?"
  railchat ask --raw "Write a haiku" > haiku.txt`

const askShortDesc string = "Ask one question from the command line"

type askCommander struct {
	flags  *bootstrap.Flags
	system string
	raw    bool
}

func NewAskCmd(flags *bootstrap.Flags) *cobra.Command {
	cmder := &askCommander{flags: flags}

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: askShortDesc,
		Long:  askLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVar(&cmder.system, "system", "", "System prompt (default from config)")
	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "Stream plain text even on a terminal")

	return cmd
}

func (c *askCommander) run(ctx context.Context, cmd *cobra.Command, args []string) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := bootstrap.New(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer app.Close()

	req := chat.Request{
		Message:      strings.Join(args, " "),
		SystemPrompt: cfg.SystemPrompt,
	}
	if cmd.Flags().Changed("system") {
		req.SystemPrompt = c.system
	}

	out := cmd.OutOrStdout()
	width, tty := terminalWidth(out)
	if c.raw || !tty {
		return streamPlain(out, app.Responder.Respond(ctx, req))
	}

	answer := app.Responder.Complete(ctx, req)
	rendered, err := renderMarkdown(answer, width)
	if err != nil {
		fmt.Fprintln(out, answer)
		return nil
	}
	fmt.Fprint(out, rendered)
	return nil
}

// streamPlain prints each new suffix as it arrives. A value that doesn't
// extend the previous one (an apology after a partial answer) starts on a
// new line.
func streamPlain(w io.Writer, seq iter.Seq[string]) error {
	var printed string
	for s := range seq {
		if strings.HasPrefix(s, printed) {
			if _, err := io.WriteString(w, s[len(printed):]); err != nil {
				return err
			}
		} else {
			if _, err := fmt.Fprintf(w, "\n%s", s); err != nil {
				return err
			}
		}
		printed = s
	}
	_, err := fmt.Fprintln(w)
	return err
}

func terminalWidth(w io.Writer) (int, bool) {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return 0, false
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		width = 80
	}
	return width, true
}

func renderMarkdown(content string, width int) (string, error) {
	style := "light"
	if termenv.HasDarkBackground() {
		style = "dark"
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(style),
		glamour.WithColorProfile(termenv.ColorProfile()),
		glamour.WithWordWrap(min(width, 120)),
	)
	if err != nil {
		return "", err
	}
	return r.Render(content)
}
