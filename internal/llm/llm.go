package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/answergrader/internal/llm/prompts"
	"github.com/pavelanni/answergrader/internal/model"
)

const (
	DefaultModel       = "gpt-4o"
	DefaultTimeout     = 25 * time.Second
	DefaultTemperature = 0.3
	DefaultMaxTokens   = 1000
)

// ErrMissingCredentials is returned when no API key is configured.
var ErrMissingCredentials = errors.New("grading model credentials not configured")

// TransportKind classifies a failed model call.
type TransportKind string

const (
	KindTimeout  TransportKind = "timeout"
	KindUpstream TransportKind = "upstream"
	KindNetwork  TransportKind = "network"
)

// TransportError reports a model call that produced no usable completion.
type TransportError struct {
	Kind       TransportKind
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("grading model %s (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("grading model %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Config holds the grading model client settings.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	Temperature   float32
	MaxTokens     int
	PromptVariant prompts.PromptVariant
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api    *openai.Client
	cfg    Config
	hasKey bool
}

// New creates a new LLM client. An empty API key is accepted; every request
// then fails with ErrMissingCredentials.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.PromptVariant == "" {
		cfg.PromptVariant = prompts.PromptStandard
	}
	if !prompts.IsValidVariant(string(cfg.PromptVariant)) {
		slog.Warn("invalid prompt variant, using standard", "variant", cfg.PromptVariant)
		cfg.PromptVariant = prompts.PromptStandard
	}
	if err := prompts.Load(); err != nil {
		return nil, fmt.Errorf("load prompts: %w", err)
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:    openai.NewClientWithConfig(config),
		cfg:    cfg,
		hasKey: strings.TrimSpace(cfg.APIKey) != "",
	}, nil
}

// Configured reports whether the client has credentials.
func (c *Client) Configured() bool {
	return c.hasKey
}

// Model returns the model name requests are sent to.
func (c *Client) Model() string {
	return c.cfg.Model
}

// RequestEvaluation asks the model to grade one answer and returns its raw,
// unparsed text. The call is bounded by the configured timeout and never retried.
func (c *Client) RequestEvaluation(ctx context.Context, ec model.EvaluationContext) (string, error) {
	if !c.hasKey {
		return "", ErrMissingCredentials
	}

	system, user, err := prompts.Build(c.cfg.PromptVariant, prompts.Data{
		Subject:          ec.Subject,
		Board:            ec.Board,
		Qualification:    ec.Qualification,
		QuestionText:     ec.QuestionText,
		MaxMarks:         ec.MaxMarks,
		Answer:           ec.AnswerText,
		HasQuestionImage: ec.QuestionImage != "",
		HasAnswerImage:   ec.AnswerImage != "",
	})
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	chatMsgs := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
		{Role: openai.ChatMessageRoleUser, Content: user},
	}
	if parts := imageParts(ec); len(parts) > 0 {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:         openai.ChatMessageRoleUser,
			MultiContent: parts,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.api.CreateChatCompletion(callCtx, openai.ChatCompletionRequest{
		Model:    c.cfg.Model,
		Messages: chatMsgs,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", classify(callCtx, err)
	}

	if len(resp.Choices) == 0 {
		return "", &TransportError{Kind: KindUpstream, Err: errors.New("LLM returned no choices")}
	}
	raw := resp.Choices[0].Message.Content
	if strings.TrimSpace(raw) == "" {
		return "", &TransportError{Kind: KindUpstream, Err: errors.New("LLM returned empty content")}
	}

	slog.Debug("LLM response", "answer_id", ec.AnswerID, "elapsed", time.Since(start), "raw", raw)
	return raw, nil
}

// Ping checks that the endpoint accepts the configured credentials.
func (c *Client) Ping(ctx context.Context) error {
	if !c.hasKey {
		return ErrMissingCredentials
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if _, err := c.api.ListModels(ctx); err != nil {
		return classify(ctx, err)
	}
	return nil
}

func imageParts(ec model.EvaluationContext) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	add := func(label, url string) {
		if url == "" {
			return
		}
		parts = append(parts,
			openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: label},
			openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    url,
					Detail: openai.ImageURLDetailAuto,
				},
			},
		)
	}
	add("Question Image:", ec.QuestionImage)
	add("Student's Image Answer:", ec.AnswerImage)
	return parts
}

func classify(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError

	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &TransportError{Kind: KindTimeout, Err: err}
	case errors.As(err, &apiErr):
		return &TransportError{Kind: KindUpstream, StatusCode: apiErr.HTTPStatusCode, Err: err}
	case errors.As(err, &reqErr):
		return &TransportError{Kind: KindUpstream, StatusCode: reqErr.HTTPStatusCode, Err: err}
	case errors.As(err, &syntaxErr), errors.As(err, &typeErr):
		return &TransportError{Kind: KindUpstream, Err: fmt.Errorf("malformed response envelope: %w", err)}
	default:
		return &TransportError{Kind: KindNetwork, Err: err}
	}
}
