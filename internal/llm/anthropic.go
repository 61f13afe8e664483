package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/mcpmux/internal/backoff"
	"github.com/haasonsaas/mcpmux/internal/llm/conversation"
)

// DefaultAnthropicModel is used when AnthropicConfig.Model is empty.
const DefaultAnthropicModel = "claude-sonnet-4-20250514"

// AnthropicConfig configures the Anthropic backend.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client

	MaxAttempts int
	Policy      backoff.Policy

	Store  conversation.Store
	Logger *slog.Logger
}

// Anthropic answers through the Messages API.
//
// The Messages API takes the system prompt separately and requires user and
// assistant turns to alternate, so leading system segments become the system
// prompt and later ones (tool observations) are sent as user turns.
type Anthropic struct {
	client  *anthropic.Client
	model   string
	retrier backoff.Retrier
	thread  *thread
	logger  *slog.Logger
}

// NewAnthropic creates the backend. An empty API key is allowed; Respond then
// returns ErrNoAPIKey.
func NewAnthropic(cfg AnthropicConfig) *Anthropic {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm", "provider", "anthropic")

	a := &Anthropic{
		model:  cfg.Model,
		thread: newThread(cfg.Store, logger),
		logger: logger,
	}
	if a.model == "" {
		a.model = DefaultAnthropicModel
	}
	a.retrier = newRetrier(cfg.MaxAttempts, cfg.Policy, anthropicRetryable, logger)

	if cfg.APIKey != "" {
		// Retries are ours so attempts are logged and bounded in one place.
		options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
		if cfg.BaseURL != "" {
			options = append(options, option.WithBaseURL(cfg.BaseURL))
		}
		if cfg.HTTPClient != nil {
			options = append(options, option.WithHTTPClient(cfg.HTTPClient))
		}
		client := anthropic.NewClient(options...)
		a.client = &client
	}
	return a
}

// Name returns "anthropic".
func (a *Anthropic) Name() string { return "anthropic" }

// Respond sends the transcript behind req.Token followed by req.Segments.
func (a *Anthropic) Respond(ctx context.Context, req *Request) (*Response, error) {
	if a.client == nil {
		return nil, ErrNoAPIKey
	}
	if err := validate(req); err != nil {
		return nil, err
	}

	history, err := a.thread.history(ctx, req.Token)
	if err != nil {
		return nil, fmt.Errorf("anthropic: load conversation: %w", err)
	}
	transcript := append(history, req.Segments...)

	system, turns := splitSystem(history, req.Segments)
	if len(turns) == 0 {
		return nil, ErrEmptyRequest
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  toAnthropicMessages(turns),
		MaxTokens: int64(maxTokens(req)),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}

	msg, err := backoff.Do(ctx, a.retrier, func(ctx context.Context, attempt int) (*anthropic.Message, error) {
		return a.client.Messages.New(ctx, params)
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	text := strings.TrimSpace(sb.String())

	token, err := a.thread.save(ctx, transcript, text)
	if err != nil {
		return nil, fmt.Errorf("anthropic: save conversation: %w", err)
	}

	stop := string(msg.StopReason)
	return &Response{
		Text:       text,
		Token:      token,
		Complete:   stop != "max_tokens" && stop != "refusal",
		StopReason: stop,
	}, nil
}

// splitSystem takes the leading system segments of the current request as
// the system prompt. Repeats of that prompt in the history are dropped and
// every other system segment becomes a user turn.
func splitSystem(history, current []Segment) (string, []Segment) {
	var prompts []string
	rest := current
	for len(rest) > 0 && rest[0].Role == RoleSystem {
		prompts = append(prompts, rest[0].Text)
		rest = rest[1:]
	}
	isPrompt := func(text string) bool {
		for _, p := range prompts {
			if p == text {
				return true
			}
		}
		return false
	}

	turns := make([]Segment, 0, len(history)+len(rest))
	for _, seg := range append(append([]Segment(nil), history...), rest...) {
		switch {
		case seg.Role == RoleSystem && isPrompt(seg.Text):
			continue
		case seg.Role == RoleSystem:
			turns = append(turns, Segment{Role: RoleUser, Text: seg.Text})
		default:
			turns = append(turns, seg)
		}
	}
	return strings.Join(prompts, "\n\n"), turns
}

// toAnthropicMessages merges consecutive same-role turns and makes sure the
// conversation opens with a user turn.
func toAnthropicMessages(turns []Segment) []anthropic.MessageParam {
	var (
		out     []anthropic.MessageParam
		role    Role
		pending []anthropic.ContentBlockParamUnion
	)
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if role == RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(pending...))
		} else {
			out = append(out, anthropic.NewUserMessage(pending...))
		}
		pending = nil
	}

	if len(turns) > 0 && turns[0].Role == RoleAssistant {
		role = RoleUser
		pending = append(pending, anthropic.NewTextBlock("(continued)"))
	}
	for _, seg := range turns {
		segRole := seg.Role
		if segRole != RoleAssistant {
			segRole = RoleUser
		}
		if segRole != role {
			flush()
			role = segRole
		}
		pending = append(pending, anthropic.NewTextBlock(seg.Text))
	}
	flush()
	return out
}

func anthropicRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.StatusCode)
	}
	return isTransientMessage(err.Error())
}
