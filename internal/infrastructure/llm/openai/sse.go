package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// sseStream reads "data:" events until "[DONE]".
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	return &sseStream{body: body, reader: bufio.NewReader(body)}
}

func (s *sseStream) Next(ctx context.Context) (string, error) {
	for {
		if s.done {
			return "", io.EOF
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		line, readErr := s.reader.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				s.done = true
				return "", io.EOF
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", domain.WrapError(domain.ErrTemporary, "openai chat stream", fmt.Errorf("decode event: %w", err))
			}
			if chunk.Error != nil {
				return "", classifyStreamError(chunk.Error.Message)
			}
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
				return chunk.Choices[0].Delta.Content, nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.done = true
				return "", io.EOF
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", domain.WrapError(domain.ErrTemporary, "openai chat stream", readErr)
		}
	}
}

func (s *sseStream) Close() error {
	return s.body.Close()
}

func classifyStreamError(message string) error {
	err := errors.New(message)
	low := strings.ToLower(message)
	if strings.Contains(low, "rate limit") || strings.Contains(low, "rate_limit") {
		return domain.WrapError(domain.ErrRateLimited, "openai chat stream", err)
	}
	return domain.WrapError(domain.ErrTemporary, "openai chat stream", err)
}
