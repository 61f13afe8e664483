package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/mcpmux/internal/backoff"
	"github.com/haasonsaas/mcpmux/internal/llm/conversation"
)

// DefaultOpenAIModel is used when OpenAIConfig.Model is empty.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIConfig configures the OpenAI backend.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client

	// MaxAttempts bounds retries of transient failures. Default: 3
	MaxAttempts int
	Policy      backoff.Policy

	// Store holds transcripts behind continuation tokens. Default: in memory.
	Store  conversation.Store
	Logger *slog.Logger
}

// OpenAI answers through the chat completions API. Continuation tokens name
// transcripts kept in a conversation.Store.
type OpenAI struct {
	client  *openai.Client
	model   string
	retrier backoff.Retrier
	thread  *thread
	logger  *slog.Logger
}

// NewOpenAI creates the backend. An empty API key is allowed; Respond then
// returns ErrNoAPIKey.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", "openai")

	o := &OpenAI{
		model:  cfg.Model,
		thread: newThread(cfg.Store, logger),
		logger: logger,
	}
	if o.model == "" {
		o.model = DefaultOpenAIModel
	}
	o.retrier = newRetrier(cfg.MaxAttempts, cfg.Policy, openAIRetryable, logger)

	if cfg.APIKey != "" {
		clientCfg := openai.DefaultConfig(cfg.APIKey)
		if cfg.BaseURL != "" {
			clientCfg.BaseURL = cfg.BaseURL
		}
		if cfg.HTTPClient != nil {
			clientCfg.HTTPClient = cfg.HTTPClient
		}
		o.client = openai.NewClientWithConfig(clientCfg)
	}
	return o
}

// Name returns "openai".
func (o *OpenAI) Name() string { return "openai" }

// Respond sends the transcript behind req.Token followed by req.Segments.
func (o *OpenAI) Respond(ctx context.Context, req *Request) (*Response, error) {
	if o.client == nil {
		return nil, ErrNoAPIKey
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	history, err := o.thread.history(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("openai: load conversation: %w", err)
	}
	transcript := append(history, req.Segments...)

	messages := make([]openai.ChatCompletionMessage, 0, len(transcript))
	for _, seg := range transcript {
		messages = append(messages, openai.ChatCompletionMessage{Role: string(seg.Role), Content: seg.Text})
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     o.model,
		Messages:  messages,
		MaxTokens: maxTokens(req),
	}

	resp, err := backoff.Do(ctx, o.retrier, func(ctx context.Context, attempt int) (openai.ChatCompletionResponse, error) {
		return o.client.CreateChatCompletion(ctx, chatReq)
	})
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}

	choice := resp.Choices[0]
	text := strings.TrimSpace(choice.Message.Content)
	token, err := o.thread.save(ctx, transcript, text)
	if err != nil {
		return nil, fmt.Errorf("openai: save conversation: %w", err)
	}

	return &Response{
		Text:       text,
		Token:      token,
		Complete:   choice.FinishReason != openai.FinishReasonLength && choice.FinishReason != openai.FinishReasonContentFilter,
		StopReason: string(choice.FinishReason),
	}, nil
}

func openAIRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	return isTransientMessage(err.Error())
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func newRetrier(attempts int, policy backoff.Policy, retryable func(error) bool, logger *slog.Logger) backoff.Retrier {
	if attempts <= 0 {
		attempts = 3
	}
	if policy == (backoff.Policy{}) {
		policy = backoff.DefaultPolicy()
	}
	return backoff.Retrier{
		Policy:      policy,
		MaxAttempts: attempts,
		Retryable:   retryable,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			logger.Warn("model request failed, retrying", "attempt", attempt, "delay", delay, "error", err)
		},
	}
}
