package streamio

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWithIdleTimeoutPassesDataThrough(t *testing.T) {
	body := WithIdleTimeout(io.NopCloser(strings.NewReader("hello")), time.Second)
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil || string(data) != "hello" {
		t.Fatalf("ReadAll() = %q, %v", data, err)
	}
}

func TestWithIdleTimeoutFailsSilentBody(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	body := WithIdleTimeout(r, 50*time.Millisecond)
	defer body.Close()

	done := make(chan error, 1)
	go func() {
		_, err := body.Read(make([]byte, 8))
		done <- err
	}()
	select {
	case err := <-done:
		if !errors.Is(err, ErrIdle) {
			t.Fatalf("expected ErrIdle, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("read did not give up on a silent body")
	}
}

func TestNewClientTimesOutWaitingForHeaders(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	_, err := NewClient(50 * time.Millisecond).Get(server.URL)
	var netErr interface{ Timeout() bool }
	if !errors.As(err, &netErr) || !netErr.Timeout() {
		t.Fatalf("expected header timeout, got %v", err)
	}
}
