package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/infrastructure/resilience"
)

func TestCompleteSendsMessages(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":" answer [1] "},"done":true}`))
	}))
	defer server.Close()

	chat := NewChat(New(server.URL, time.Second), "llama3", singleAttempt())
	text, err := chat.Complete(context.Background(), domain.ChatRequest{
		Messages:  []domain.ChatMessage{{Role: domain.RoleSystem, Content: "sys"}, {Role: domain.RoleUser, Content: "q"}},
		MaxTokens: 64,
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if text != "answer [1]" {
		t.Fatalf("unexpected text %q", text)
	}
	if captured.Model != "llama3" || captured.Stream || len(captured.Messages) != 2 {
		t.Fatalf("unexpected request: %+v", captured)
	}
	if captured.Options["num_predict"] != float64(64) {
		t.Fatalf("expected num_predict 64, got %v", captured.Options)
	}
}

func TestStreamDecodesNDJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lines := []string{
			`{"message":{"content":"see ["},"done":false}`,
			`{"message":{"content":"1]"},"done":false}`,
			`{"message":{"content":""},"done":true}`,
		}
		_, _ = io.WriteString(w, strings.Join(lines, "\n")+"\n")
	}))
	defer server.Close()

	chat := NewChat(New(server.URL, time.Second), "llama3", singleAttempt())
	stream, err := chat.Stream(context.Background(), domain.ChatRequest{Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "q"}}})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	var got []string
	for {
		delta, err := stream.Next(context.Background())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, delta)
	}
	if strings.Join(got, "|") != "see [|1]" {
		t.Fatalf("unexpected deltas %q", got)
	}
}

func TestStreamErrorLineIsTemporary(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"content":"partial"}}`+"\n"+`{"error":"runner crashed"}`+"\n")
	}))
	defer server.Close()

	stream, err := NewChat(New(server.URL, time.Second), "m", singleAttempt()).Stream(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()
	if delta, _ := stream.Next(context.Background()); delta != "partial" {
		t.Fatalf("unexpected first delta %q", delta)
	}
	if _, err := stream.Next(context.Background()); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
}

func TestStreamStalledServerIsTemporary(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"message":{"content":"partial"}}`+"\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	stream, err := NewChat(New(server.URL, 100*time.Millisecond), "m", singleAttempt()).Stream(context.Background(), domain.ChatRequest{})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()
	if delta, _ := stream.Next(context.Background()); delta != "partial" {
		t.Fatalf("unexpected first delta %q", delta)
	}
	if _, err := stream.Next(context.Background()); !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary after idle timeout, got %v", err)
	}
}

func TestPingTreatsRateLimitAsReachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer server.Close()

	status := NewChat(New(server.URL, time.Second), "m", singleAttempt()).Ping(context.Background(), "")
	if !status.OK || !strings.HasPrefix(status.Reason, "rate_limited: ") {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestStatusWithoutModel(t *testing.T) {
	status := NewChat(New("http://localhost:11434", time.Second), "", singleAttempt()).Status("")
	if status.OK {
		t.Fatalf("expected not ok without a model, got %+v", status)
	}
}

func TestStatusReportsOpenCircuitWithoutNetwork(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        1,
		BreakerEnabled:          true,
		BreakerMinRequests:      1,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	})
	chat := NewChat(New(server.URL, time.Second), "m", exec)
	if status := chat.Status(""); !status.OK {
		t.Fatalf("expected ready status before failures, got %+v", status)
	}
	if _, err := chat.Complete(context.Background(), domain.ChatRequest{}); err == nil {
		t.Fatalf("expected failure from overloaded server")
	}

	before := calls
	status := chat.Status("")
	if status.OK || !strings.HasPrefix(status.Reason, "circuit_open") {
		t.Fatalf("expected circuit_open status, got %+v", status)
	}
	if calls != before {
		t.Fatalf("Status() must not contact the server")
	}
}
