package httpadapter

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	err     error
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming is not supported by response writer")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

// start sends the stream headers and an initial comment so proxies open the
// connection before the first token.
func (s *sseWriter) start() {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.write(": stream start\n\n")
}

func (s *sseWriter) event(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.err = err
		return
	}
	s.write(fmt.Sprintf("event: %s\ndata: %s\n\n", name, data))
}

func (s *sseWriter) done() {
	s.write("event: done\ndata: [DONE]\n\n")
}

// write is a no-op once a write has failed; the client is gone.
func (s *sseWriter) write(frame string) {
	if s.err != nil {
		return
	}
	if _, err := io.WriteString(s.w, frame); err != nil {
		s.err = err
		return
	}
	s.flusher.Flush()
}
