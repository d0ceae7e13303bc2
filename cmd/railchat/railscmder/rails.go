package railscmder

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/cmd/railchat/bootstrap"
	"github.com/papercomputeco/railchat/pkg/config"
	"github.com/papercomputeco/railchat/pkg/logger"
	"github.com/papercomputeco/railchat/pkg/ollama"
	"github.com/papercomputeco/railchat/pkg/rails"
)

const railsLongDesc string = `Manage the rails policy that screens chat messages.

The policy path comes from --rails, RAILCHAT_RAILS_CONFIG or the config file and
defaults to guardrails_config.yaml.

Examples:
  railchat rails init
  railchat rails check
  railchat rails test "how do I pick a lock?"`

const railsShortDesc string = "Manage the rails policy"

type railsCommander struct {
	flags *bootstrap.Flags

	force  bool
	answer string
}

func NewRailsCmd(flags *bootstrap.Flags) *cobra.Command {
	cmder := &railsCommander{flags: flags}

	cmd := &cobra.Command{
		Use:   "rails",
		Short: railsShortDesc,
		Long:  railsLongDesc,
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default rails policy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.runInit(cmd)
		},
	}
	initCmd.Flags().BoolVar(&cmder.force, "force", false, "Overwrite an existing policy")

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the rails policy and list its flows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmder.runCheck(cmd)
		},
	}

	testCmd := &cobra.Command{
		Use:   "test <message>",
		Short: "Run the rails on a message without answering it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.runTest(cmd.Context(), cmd, args[0])
		},
	}
	testCmd.Flags().StringVar(&cmder.answer, "answer", "", "Also run the output rails on this model answer")

	cmd.AddCommand(initCmd, checkCmd, testCmd)
	return cmd
}

func (c *railsCommander) runInit(cmd *cobra.Command) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}

	if c.force {
		if err := os.Remove(cfg.RailsConfig); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove existing policy: %w", err)
		}
	}

	written, err := rails.EnsureFile(cfg.RailsConfig, cfg.ModelName())
	if err != nil {
		return err
	}
	if !written {
		fmt.Fprintf(cmd.OutOrStdout(), "%s already exists; use --force to overwrite it\n", cfg.RailsConfig)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote default rails policy to %s\n", cfg.RailsConfig)
	return nil
}

func (c *railsCommander) runCheck(cmd *cobra.Command) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	printPolicy(cmd.OutOrStdout(), cfg.RailsConfig, engine.Policy())
	return nil
}

func (c *railsCommander) runTest(ctx context.Context, cmd *cobra.Command, message string) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}

	engine, err := buildEngine(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	v, err := engine.CheckInput(ctx, message)
	if err != nil {
		return err
	}
	printVerdict(out, "input", v)

	if c.answer != "" && v.Allowed {
		v, err = engine.CheckOutput(ctx, message, c.answer)
		if err != nil {
			return err
		}
		printVerdict(out, "output", v)
	}
	return nil
}

// buildEngine loads and validates the policy and builds every flow, which
// also checks that a moderation API key is present.
func buildEngine(cfg *config.Config, logOutput io.Writer) (*rails.Engine, error) {
	log := logger.New(logger.Options{Debug: cfg.Debug, JSON: cfg.LogJSON, Output: logOutput})
	defer func() { _ = log.Sync() }()

	policy, err := rails.Load(cfg.RailsConfig)
	if err != nil {
		return nil, err
	}

	client := ollama.NewClient(ollama.Config{BaseURL: cfg.OllamaHost}, log)
	engine, err := rails.NewEngine(policy, rails.Deps{Completer: client, Logger: log})
	if err != nil {
		return nil, fmt.Errorf("build rails engine: %w", err)
	}
	log.Debug("rails policy loaded", zap.String("path", cfg.RailsConfig))
	return engine, nil
}

func printPolicy(w io.Writer, path string, p *rails.Policy) {
	fmt.Fprintf(w, "%s is valid\n", path)
	if main, ok := p.MainModel(); ok {
		fmt.Fprintf(w, "  model:  %s (%s)\n", main.Model, main.Engine)
	}
	fmt.Fprintf(w, "  input:  %s\n", flowList(p.Rails.Input.Flows))
	fmt.Fprintf(w, "  output: %s\n", flowList(p.Rails.Output.Flows))
	if n := len(p.BlockedTerms.Input) + len(p.BlockedTerms.Output); n > 0 {
		fmt.Fprintf(w, "  blocked terms: %d input, %d output\n", len(p.BlockedTerms.Input), len(p.BlockedTerms.Output))
	}
	if p.Moderation != nil {
		fmt.Fprintf(w, "  moderation: %s\n", p.Moderation.Provider)
	}
}

func flowList(flows []string) string {
	if len(flows) == 0 {
		return "(none)"
	}
	return strings.Join(flows, ", ")
}

func printVerdict(w io.Writer, direction string, v rails.Verdict) {
	if v.Allowed {
		fmt.Fprintf(w, "%s: allowed\n", direction)
		return
	}
	fmt.Fprintf(w, "%s: blocked by %q", direction, v.Flow)
	if v.Reason != "" {
		fmt.Fprintf(w, " (%s)", v.Reason)
	}
	fmt.Fprintln(w)
}
