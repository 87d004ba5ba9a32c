// Package ollama talks to a local Ollama server for embeddings and chat.
package ollama

import (
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docsearch/internal/infrastructure/llm/streamio"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

const defaultTimeout = 120 * time.Second

type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	streamHTTP *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
		httpClient: &http.Client{Timeout: timeout},
		streamHTTP: streamio.NewClient(timeout),
	}
}

// streamingClient has no overall deadline; timeout bounds the wait for
// headers and, through streamio, every silence between chunks.
func (c *Client) streamingClient() *http.Client {
	return c.streamHTTP
}

func executorOrDefault(exec *resilience.Executor) *resilience.Executor {
	if exec != nil {
		return exec
	}
	return resilience.NewExecutor(resilience.DefaultConfig())
}
