// Package openai is a chat provider for OpenAI-compatible /chat/completions APIs.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/llm/streamio"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-3.5-turbo-0125"
	DefaultTimeout = 60 * time.Second

	defaultRequestsPerSecond = 2.0
	defaultBurst             = 4
	maxReasonLength          = 500

	chatOperation       = "openai.chat"
	chatStreamOperation = "openai.chat_stream"
)

var _ ports.ChatModel = (*Client)(nil)

type Config struct {
	APIKey       string
	BaseURL      string
	Model        string
	Organization string
	Project      string
	Timeout      time.Duration
	// RequestsPerSecond paces outgoing calls client-side.
	RequestsPerSecond float64
	Burst             int
}

type Client struct {
	apiKey       string
	organization string
	project      string
	baseURL      string
	model        string
	timeout      time.Duration
	httpClient   *http.Client
	streamClient *http.Client
	limiter      *rate.Limiter
	executor     *resilience.Executor
}

func New(cfg Config, exec *resilience.Executor) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	if exec == nil {
		exec = resilience.NewExecutor(resilience.DefaultConfig())
	}
	return &Client{
		apiKey:       strings.TrimSpace(cfg.APIKey),
		organization: strings.TrimSpace(cfg.Organization),
		project:      strings.TrimSpace(cfg.Project),
		baseURL:      baseURL,
		model:        model,
		timeout:      timeout,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: streamio.NewClient(timeout),
		limiter:      rate.NewLimiter(rate.Limit(rps), burst),
		executor:     exec,
	}
}

func (c *Client) DefaultModel() string { return c.model }

func (c *Client) resolveModel(model string) string {
	if m := strings.TrimSpace(model); m != "" {
		return m
	}
	return c.model
}

func (c *Client) Complete(ctx context.Context, req domain.ChatRequest) (string, error) {
	if c.apiKey == "" {
		return "", domain.WrapError(domain.ErrInvalidConfig, "openai chat", errors.New("missing OPENAI_API_KEY"))
	}
	payload := c.buildRequest(req, false)

	var response chatCompletionResponse
	err := c.executor.Execute(ctx, chatOperation, func(callCtx context.Context) error {
		if err := c.wait(callCtx); err != nil {
			return err
		}
		return c.postJSON(callCtx, payload, &response)
	}, classifyError)
	if err != nil {
		return "", wrapProviderError("openai chat", err)
	}
	if len(response.Choices) == 0 {
		return "", domain.WrapError(domain.ErrTemporary, "openai chat", errors.New("response has no choices"))
	}
	return strings.TrimSpace(response.Choices[0].Message.Content), nil
}

func (c *Client) Stream(ctx context.Context, req domain.ChatRequest) (ports.DeltaStream, error) {
	if c.apiKey == "" {
		return nil, domain.WrapError(domain.ErrInvalidConfig, "openai chat stream", errors.New("missing OPENAI_API_KEY"))
	}
	payload := c.buildRequest(req, true)

	var stream *sseStream
	err := c.executor.Execute(ctx, chatStreamOperation, func(callCtx context.Context) error {
		if err := c.wait(callCtx); err != nil {
			return err
		}
		resp, err := c.post(callCtx, c.streamClient, payload)
		if err != nil {
			return err
		}
		stream = newSSEStream(streamio.WithIdleTimeout(resp.Body, c.timeout))
		return nil
	}, classifyError)
	if err != nil {
		return nil, wrapProviderError("openai chat stream", err)
	}
	return stream, nil
}

// Status checks configuration and breaker state without a network call.
func (c *Client) Status(model string) domain.LLMStatus {
	model = c.resolveModel(model)
	if c.apiKey == "" {
		return domain.LLMStatus{OK: false, Model: model, Reason: "Missing OPENAI_API_KEY"}
	}
	if c.breakerOpen() {
		return domain.LLMStatus{OK: false, Model: model, Reason: "circuit_open: recent chat calls failed"}
	}
	return domain.LLMStatus{OK: true, Model: model}
}

func (c *Client) breakerOpen() bool {
	return c.executor.State(chatOperation) == resilience.StateOpen ||
		c.executor.State(chatStreamOperation) == resilience.StateOpen
}

// Ping runs a one-token completion. A rate-limited provider is reachable.
func (c *Client) Ping(ctx context.Context, model string) domain.LLMStatus {
	status := c.Status(model)
	if !status.OK {
		return status
	}
	_, err := c.Complete(ctx, domain.ChatRequest{
		Model:     status.Model,
		Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	if err == nil {
		return status
	}
	reason := truncate(err.Error(), maxReasonLength)
	if domain.IsKind(err, domain.ErrRateLimited) {
		return domain.LLMStatus{OK: true, Model: status.Model, Reason: "rate_limited: " + reason}
	}
	return domain.LLMStatus{OK: false, Model: status.Model, Reason: reason}
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
