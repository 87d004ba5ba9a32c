package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
	"github.com/kirillkom/docsearch/internal/infrastructure/llm/streamio"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

const (
	chatOperation       = "ollama.chat"
	chatStreamOperation = "ollama.chat_stream"
)

// Chat is a ports.ChatModel backed by /api/chat.
type Chat struct {
	client   *Client
	model    string
	executor *resilience.Executor
}

func NewChat(client *Client, model string, exec *resilience.Executor) *Chat {
	return &Chat{client: client, model: strings.TrimSpace(model), executor: executorOrDefault(exec)}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type chatChunk struct {
	Message chatMessage `json:"message"`
	Done    bool        `json:"done"`
	Error   string      `json:"error"`
}

func (c *Chat) DefaultModel() string { return c.model }

func (c *Chat) buildRequest(req domain.ChatRequest, stream bool) chatRequest {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	out := chatRequest{Model: model, Stream: stream, Messages: make([]chatMessage, 0, len(req.Messages))}
	for _, m := range req.Messages {
		out.Messages = append(out.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if req.MaxTokens > 0 {
		out.Options = map[string]any{"num_predict": req.MaxTokens}
	}
	return out
}

func (c *Chat) Complete(ctx context.Context, req domain.ChatRequest) (string, error) {
	payload := c.buildRequest(req, false)
	var response chatChunk
	err := c.executor.Execute(ctx, chatOperation, func(callCtx context.Context) error {
		return c.client.postJSON(callCtx, "/api/chat", payload, &response, "chat")
	}, classifyOllamaError)
	if err != nil {
		return "", wrapProviderError("ollama chat", err)
	}
	if response.Error != "" {
		return "", domain.WrapError(domain.ErrTemporary, "ollama chat", errors.New(response.Error))
	}
	return strings.TrimSpace(response.Message.Content), nil
}

func (c *Chat) Stream(ctx context.Context, req domain.ChatRequest) (ports.DeltaStream, error) {
	payload := c.buildRequest(req, true)
	var resp *http.Response
	err := c.executor.Execute(ctx, chatStreamOperation, func(callCtx context.Context) error {
		r, err := c.client.post(callCtx, c.client.streamingClient(), "/api/chat", payload, "chat stream")
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, classifyOllamaError)
	if err != nil {
		return nil, wrapProviderError("ollama chat stream", err)
	}
	body := streamio.WithIdleTimeout(resp.Body, c.client.timeout)
	return &ndjsonStream{body: body, reader: bufio.NewReader(body)}, nil
}

// Status reports configuration and breaker state; it does not contact the server.
func (c *Chat) Status(model string) domain.LLMStatus {
	if strings.TrimSpace(model) == "" {
		model = c.model
	}
	switch {
	case c.client.baseURL == "":
		return domain.LLMStatus{OK: false, Model: model, Reason: "ollama url not configured"}
	case model == "":
		return domain.LLMStatus{OK: false, Model: model, Reason: "chat model not configured"}
	case c.breakerOpen():
		return domain.LLMStatus{OK: false, Model: model, Reason: "circuit_open: recent chat calls failed"}
	}
	return domain.LLMStatus{OK: true, Model: model, Reason: "configured"}
}

func (c *Chat) breakerOpen() bool {
	return c.executor.State(chatOperation) == resilience.StateOpen ||
		c.executor.State(chatStreamOperation) == resilience.StateOpen
}

// Ping asks for a single token.
func (c *Chat) Ping(ctx context.Context, model string) domain.LLMStatus {
	status := c.Status(model)
	if !status.OK {
		return status
	}
	_, err := c.Complete(ctx, domain.ChatRequest{
		Model:     status.Model,
		Messages:  []domain.ChatMessage{{Role: domain.RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	switch {
	case err == nil:
		return domain.LLMStatus{OK: true, Model: status.Model, Reason: "ok"}
	case domain.IsKind(err, domain.ErrRateLimited):
		return domain.LLMStatus{OK: true, Model: status.Model, Reason: "rate_limited: " + err.Error()}
	default:
		return domain.LLMStatus{OK: false, Model: status.Model, Reason: err.Error()}
	}
}

// ndjsonStream decodes one chat chunk per line.
type ndjsonStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func (s *ndjsonStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, err := s.reader.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			var chunk chatChunk
			if jsonErr := json.Unmarshal(line, &chunk); jsonErr != nil {
				return "", domain.WrapError(domain.ErrTemporary, "ollama chat stream", fmt.Errorf("decode chunk: %w", jsonErr))
			}
			if chunk.Error != "" {
				return "", domain.WrapError(domain.ErrTemporary, "ollama chat stream", errors.New(chunk.Error))
			}
			if chunk.Done {
				s.done = true
			}
			if chunk.Message.Content != "" {
				return chunk.Message.Content, nil
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.done = true
				return "", io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", domain.WrapError(domain.ErrTemporary, "ollama chat stream", err)
		}
	}
}

func (s *ndjsonStream) Close() error {
	return s.body.Close()
}
