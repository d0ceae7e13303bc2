package mcpcmder

import (
	"context"
	"os"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/papercomputeco/railchat/cmd/railchat/bootstrap"
	"github.com/papercomputeco/railchat/pkg/chat"
	"github.com/papercomputeco/railchat/pkg/rails"
)

const mcpLongDesc string = `Serve railchat as an MCP server over stdio.

Tools:
  chat            answer a message through the rails and the configured model
  check_message   run the input rails on a message without answering it

Example client configuration:
  {"command": "railchat", "args": ["mcp"]}`

const mcpShortDesc string = "Serve chat tools over the Model Context Protocol"

type mcpCommander struct {
	flags *bootstrap.Flags
}

func NewMCPCmd(flags *bootstrap.Flags) *cobra.Command {
	cmder := &mcpCommander{flags: flags}

	return &cobra.Command{
		Use:   "mcp",
		Short: mcpShortDesc,
		Long:  mcpLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}
}

func (c *mcpCommander) run(ctx context.Context, cmd *cobra.Command, _ []string) error {
	cfg, err := c.flags.LoadConfig(cmd)
	if err != nil {
		return err
	}

	// stdout carries the protocol
	app, err := bootstrap.New(cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer app.Close()

	var checker inputChecker
	if app.Rails != nil {
		checker = app.Rails
	}

	server := newServer(app.Responder, checker, cfg.SystemPrompt, app.Logger)
	app.Logger.Info("serving MCP over stdio", zap.String("model", cfg.ModelName()))
	return server.Run(ctx, &mcp.StdioTransport{})
}

type inputChecker interface {
	CheckInput(ctx context.Context, userMsg string) (rails.Verdict, error)
}

// ChatInput is the argument of the chat tool.
type ChatInput struct {
	Message      string      `json:"message" jsonschema:"the user message to answer"`
	SystemPrompt string      `json:"system_prompt,omitempty" jsonschema:"system prompt; the configured default when empty"`
	History      []chat.Turn `json:"history,omitempty" jsonschema:"earlier exchanges, oldest first"`
}

type ChatOutput struct {
	Answer string `json:"answer" jsonschema:"the model answer, or a fixed refusal or apology"`
}

type CheckInput struct {
	Message string `json:"message" jsonschema:"the user message to screen"`
}

type CheckOutput struct {
	Allowed bool   `json:"allowed"`
	Flow    string `json:"flow,omitempty" jsonschema:"the rail that blocked the message"`
	Reason  string `json:"reason,omitempty"`
}

func newServer(responder *chat.Responder, checker inputChecker, systemPrompt string, logger *zap.Logger) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "railchat", Version: "v0.1.0"}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat",
		Description: "Answer a message with the configured local model. Messages rejected by the rails get a fixed refusal.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ChatInput) (*mcp.CallToolResult, ChatOutput, error) {
		req := chat.Request{Message: in.Message, History: in.History, SystemPrompt: in.SystemPrompt}
		if req.SystemPrompt == "" {
			req.SystemPrompt = systemPrompt
		}
		answer := responder.Complete(ctx, req)
		logger.Debug("mcp chat answered", zap.Int("length", len(answer)))
		return nil, ChatOutput{Answer: answer}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "check_message",
		Description: "Screen a message with the input rails without sending it to the model.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in CheckInput) (*mcp.CallToolResult, CheckOutput, error) {
		if checker == nil {
			return nil, CheckOutput{Allowed: true}, nil
		}
		v, err := checker.CheckInput(ctx, in.Message)
		if err != nil {
			return nil, CheckOutput{}, err
		}
		return nil, CheckOutput{Allowed: v.Allowed, Flow: v.Flow, Reason: v.Reason}, nil
	})

	return server
}
