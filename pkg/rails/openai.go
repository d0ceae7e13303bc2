package rails

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/sashabaranov/go-openai"
)

const defaultAPIKeyEnv = "OPENAI_API_KEY"

// OpenAIModerator calls the OpenAI moderation endpoint.
type OpenAIModerator struct {
	client *openai.Client
}

// NewOpenAIModerator builds a moderator from the policy's moderation section.
// The API key is read from the environment variable it names.
func NewOpenAIModerator(cfg Moderation) (*OpenAIModerator, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = defaultAPIKeyEnv
	}
	key := os.Getenv(keyEnv)
	if key == "" {
		return nil, fmt.Errorf("openai moderation: %s is not set", keyEnv)
	}

	config := openai.DefaultConfig(key)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAIModerator{client: openai.NewClientWithConfig(config)}, nil
}

func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (bool, []string, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{Input: text})
	if err != nil {
		return false, nil, fmt.Errorf("openai moderation: %w", err)
	}
	if len(resp.Results) == 0 {
		return false, nil, errors.New("openai moderation: empty result")
	}

	r := resp.Results[0]
	return r.Flagged, flaggedCategories(r.Categories), nil
}

func flaggedCategories(c openai.ResultCategories) []string {
	var out []string
	for _, cat := range []struct {
		name string
		set  bool
	}{
		{"hate", c.Hate},
		{"hate/threatening", c.HateThreatening},
		{"self-harm", c.SelfHarm},
		{"sexual", c.Sexual},
		{"sexual/minors", c.SexualMinors},
		{"violence", c.Violence},
		{"violence/graphic", c.ViolenceGraphic},
	} {
		if cat.set {
			out = append(out, cat.name)
		}
	}
	return out
}
