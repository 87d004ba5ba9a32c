// Package streamio guards streamed provider response bodies.
package streamio

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// ErrIdle is returned once a body stayed silent for longer than its idle timeout.
var ErrIdle = errors.New("stream idle timeout")

// NewClient returns a client without an overall deadline, for long streams,
// that still gives up when the server sends no response headers within
// headerTimeout.
func NewClient(headerTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = headerTimeout
	return &http.Client{Transport: transport}
}

type idleBody struct {
	body  io.ReadCloser
	idle  time.Duration
	timer *time.Timer
	fired atomic.Bool
}

// WithIdleTimeout closes body when no bytes arrive for idle. The clock
// starts immediately and restarts on every read that returns data.
func WithIdleTimeout(body io.ReadCloser, idle time.Duration) io.ReadCloser {
	if idle <= 0 {
		return body
	}
	b := &idleBody{body: body, idle: idle}
	b.timer = time.AfterFunc(idle, b.expire)
	return b
}

func (b *idleBody) expire() {
	b.fired.Store(true)
	_ = b.body.Close()
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if b.fired.Load() {
		return n, ErrIdle
	}
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	return b.body.Close()
}
