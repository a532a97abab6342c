// Package generation – openai.go implements Generator against any
// OpenAI-compatible chat completion endpoint.
package generation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Config holds the generation client configuration.
type Config struct {
	// APIKey authenticates against the provider. Resolved through the
	// secrets chain, never stored here in plaintext config.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the endpoint for OpenAI-compatible providers.
	BaseURL string `yaml:"base_url"`

	// Model is the chat model name.
	Model string `yaml:"model"`

	// MaxTokens caps the completion length.
	MaxTokens int `yaml:"max_tokens"`

	// Timeout bounds one generation call.
	Timeout time.Duration `yaml:"timeout"`

	// Persona configures the campaign identity.
	Persona Persona `yaml:"persona"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Model:     "gpt-4o-mini",
		MaxTokens: 1024,
		Timeout:   60 * time.Second,
	}
}

// OpenAIGenerator calls an OpenAI-compatible chat completion API.
type OpenAIGenerator struct {
	cfg    Config
	client openai.Client
	logger *slog.Logger
}

// NewOpenAI creates the generator. The API key is required.
func NewOpenAI(cfg Config, logger *slog.Logger) (*OpenAIGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("generation: API key is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIGenerator{
		cfg:    cfg,
		client: openai.NewClient(opts...),
		logger: logger.With("component", "generation"),
	}, nil
}

// Generate produces the reply for the consolidated burst.
func (g *OpenAIGenerator) Generate(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	user := req.Text
	if req.SenderName != "" {
		user = fmt.Sprintf("%s escreveu:\n%s", req.SenderName, req.Text)
	}

	params := openai.ChatCompletionNewParams{
		Model: g.cfg.Model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(g.systemPrompt()),
			openai.UserMessage(user),
		},
		MaxCompletionTokens: openai.Int(int64(g.cfg.MaxTokens)),
	}

	start := time.Now()
	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("generation: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("generation: no choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)

	g.logger.Debug("reply generated",
		"conversation", req.Conversation,
		"model", g.cfg.Model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)

	return reply, nil
}

// systemPrompt builds the campaign persona prompt.
func (g *OpenAIGenerator) systemPrompt() string {
	p := g.cfg.Persona
	var b strings.Builder
	name := p.AssistantName
	if name == "" {
		name = "a assistente digital da campanha"
	}
	fmt.Fprintf(&b, "Você é %s.", name)
	if p.Candidate != "" {
		fmt.Fprintf(&b, " Você responde mensagens de eleitores em nome de %s", p.Candidate)
		if p.City != "" {
			fmt.Fprintf(&b, ", em %s", p.City)
		}
		if p.BallotNumber != "" {
			fmt.Fprintf(&b, " (número %s)", p.BallotNumber)
		}
		b.WriteString(".")
	}
	b.WriteString(" Responda de forma curta, cordial e natural, como uma pessoa digitando no WhatsApp." +
		" Nunca invente compromissos ou promessas que não estão nas instruções.")
	if p.Extra != "" {
		b.WriteString("\n\n")
		b.WriteString(p.Extra)
	}
	return b.String()
}
