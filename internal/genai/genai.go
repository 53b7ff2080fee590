// Package genai answers citizens' free-form questions using the OpenAI API.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Defaults for answer generation.
const (
	DefaultModel               = string(openai.ChatModelGPT4oMini)
	DefaultTemperature         = 0.2
	DefaultMaxCompletionTokens = 300
	// FallbackAnswer is returned whenever no answer can be generated.
	FallbackAnswer = "Sorry, I am having trouble answering right now. Please try again later or visit the ward office. 🙏"
)

var (
	// ErrNoAPIKey is returned by NewClient when no API key is configured.
	ErrNoAPIKey = errors.New("OPENAI_API_KEY not set")
	// ErrNoChoicesReturned is returned when the API responds without choices.
	ErrNoChoicesReturned = errors.New("no choices returned")
)

const answerSystemPrompt = `You are a helpful assistant for the Nagar Sevak (city council member) office, replying on WhatsApp.
Answer ONLY based on the office information provided below.
Be polite, concise and helpful. Keep the reply under 60 words.
If the answer is not in the information, say "I don't have that specific information, please visit the ward office."
Reply in the same language as the question.

Office information:
%s`

// chatService is the part of the OpenAI client used here.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// completions adapts the SDK's chat completion service to chatService.
type completions struct {
	svc *openai.ChatCompletionService
}

func (c completions) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := c.svc.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the Client.
type Opts struct {
	APIKey              string
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// Option defines a configuration option for the Client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) {
		o.APIKey = key
	}
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) {
		o.Model = model
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) {
		o.Temperature = t
	}
}

// WithMaxCompletionTokens caps the reply length.
func WithMaxCompletionTokens(n int64) Option {
	return func(o *Opts) {
		o.MaxCompletionTokens = n
	}
}

// Client wraps the OpenAI chat completion service.
type Client struct {
	chat                chatService
	model               string
	temperature         float64
	maxCompletionTokens int64
}

// NewClient creates a Client. It fails with ErrNoAPIKey if no key is set.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:               DefaultModel,
		Temperature:         DefaultTemperature,
		MaxCompletionTokens: DefaultMaxCompletionTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("genai.NewClient: client created", "model", cfg.Model, "temperature", cfg.Temperature)
	return &Client{
		chat:                completions{svc: &cli.Chat.Completions},
		model:               cfg.Model,
		temperature:         cfg.Temperature,
		maxCompletionTokens: cfg.MaxCompletionTokens,
	}, nil
}

// Disabled returns a Client whose Answer always returns FallbackAnswer.
func Disabled() *Client {
	return &Client{}
}

// GeneratePrompt sends one system and one user message and returns the reply.
func (c *Client) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.chat == nil {
		return "", ErrNoAPIKey
	}
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		Temperature:         openai.Float(c.temperature),
		MaxCompletionTokens: openai.Int(c.maxCompletionTokens),
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// Answer answers question using background as the only source of facts.
// It never fails: errors yield FallbackAnswer.
func (c *Client) Answer(ctx context.Context, question, background string) string {
	out, err := c.GeneratePrompt(ctx, fmt.Sprintf(answerSystemPrompt, background), question)
	if err != nil {
		if !errors.Is(err, ErrNoAPIKey) {
			slog.Error("Client.Answer: generation failed", "error", err)
		}
		return FallbackAnswer
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return FallbackAnswer
	}
	return out
}
