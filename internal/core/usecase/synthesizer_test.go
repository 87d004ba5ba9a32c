package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

type countingObserver struct {
	retrieved int
	fallbacks []string
	deltas    int
}

func (o *countingObserver) ObserveRetrieval(n int)        { o.retrieved += n }
func (o *countingObserver) ObserveFallback(reason string) { o.fallbacks = append(o.fallbacks, reason) }
func (o *countingObserver) ObserveStreamDelta()           { o.deltas++ }

func newTestSynthesizer(retriever ports.Retriever, chat ports.ChatModel, opts ...SynthesizerOption) *Synthesizer {
	opts = append(opts, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	return NewSynthesizer(retriever, chat, SynthesizerConfig{StreamMaxTokens: DefaultFastMaxTokens}, opts...)
}

func collect(t *testing.T, events <-chan domain.StreamEvent) []domain.StreamEvent {
	t.Helper()
	var out []domain.StreamEvent
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events", len(out))
		}
	}
}

func TestAnswerReturnsModelText(t *testing.T) {
	retriever := &fakeRetriever{results: results("alpha text", "beta text")}
	chat := &fakeChat{model: "llama3", completion: "Alpha is first [1].", failAfter: -1}
	s := newTestSynthesizer(retriever, chat)

	answer, err := s.Answer(context.Background(), ports.AnswerRequest{Text: "What is alpha?", Persona: "steps"})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if answer.Text != "Alpha is first [1]." {
		t.Fatalf("unexpected text %q", answer.Text)
	}
	if !answer.LLM.OK || answer.LLM.Model != "llama3" {
		t.Fatalf("unexpected llm status %+v", answer.LLM)
	}
	if len(answer.Citations) != 2 || len(answer.Results) != 2 {
		t.Fatalf("expected 2 citations and results, got %d/%d", len(answer.Citations), len(answer.Results))
	}
	if retriever.gotK != DefaultK {
		t.Fatalf("expected default k %d, got %d", DefaultK, retriever.gotK)
	}
	req := chat.requests[0]
	if req.MaxTokens != DefaultMaxTokens {
		t.Fatalf("expected max tokens %d, got %d", DefaultMaxTokens, req.MaxTokens)
	}
	if !strings.Contains(req.Messages[0].Content, "step-by-step") {
		t.Fatalf("expected step-by-step persona prompt, got %q", req.Messages[0].Content)
	}
	if !strings.Contains(req.Messages[len(req.Messages)-1].Content, "[1] alpha text\n\n[2] beta text") {
		t.Fatalf("context missing from prompt: %q", req.Messages[len(req.Messages)-1].Content)
	}
}

func TestAnswerFallsBackToContext(t *testing.T) {
	retriever := &fakeRetriever{results: results("one", "two", "three")}
	chat := &fakeChat{
		model:       "gpt-3.5-turbo-0125",
		completeErr: domain.WrapError(domain.ErrRateLimited, "chat", errors.New("try again in 20s")),
		failAfter:   -1,
	}
	obs := &countingObserver{}
	s := newTestSynthesizer(retriever, chat, WithSynthesisObserver(obs))

	answer, err := s.Answer(context.Background(), ports.AnswerRequest{Text: "q", K: 3})
	if err != nil {
		t.Fatalf("Answer() error = %v", err)
	}
	if !strings.HasPrefix(answer.Text, FallbackMarker) {
		t.Fatalf("expected fallback marker, got %q", answer.Text)
	}
	if !strings.HasSuffix(answer.Text, "[1] one\n\n[2] two\n\n[3] three") {
		t.Fatalf("fallback must carry the context, got %q", answer.Text)
	}
	if answer.LLM.OK || !strings.HasPrefix(answer.LLM.Reason, FallbackRateLimited+": ") {
		t.Fatalf("unexpected llm status %+v", answer.LLM)
	}
	if len(answer.Citations) != 3 {
		t.Fatalf("expected 3 citations, got %d", len(answer.Citations))
	}
	if len(obs.fallbacks) != 1 || obs.fallbacks[0] != FallbackRateLimited || obs.retrieved != 3 {
		t.Fatalf("unexpected observations %+v", obs)
	}
}

func TestAnswerHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	chat := &fakeChat{completeErr: context.Canceled, failAfter: -1}
	s := newTestSynthesizer(&fakeRetriever{results: results("a")}, chat)

	_, err := s.Answer(ctx, ports.AnswerRequest{Text: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAnswerRejectsBlankQuestion(t *testing.T) {
	s := newTestSynthesizer(&fakeRetriever{}, &fakeChat{failAfter: -1})
	_, err := s.Answer(context.Background(), ports.AnswerRequest{Text: " "})
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAnswerPropagatesRetrievalError(t *testing.T) {
	retriever := &fakeRetriever{err: domain.WrapError(domain.ErrIndexInconsistent, "query", errors.New("dim"))}
	s := newTestSynthesizer(retriever, &fakeChat{failAfter: -1})

	_, err := s.Answer(context.Background(), ports.AnswerRequest{Text: "q"})
	if !domain.IsKind(err, domain.ErrIndexInconsistent) {
		t.Fatalf("expected ErrIndexInconsistent, got %v", err)
	}
}

func TestStreamEmitsDeltasMetaDone(t *testing.T) {
	chat := &fakeChat{model: "llama3", deltas: []string{"Alpha [", "1] beta", " end"}, failAfter: -1}
	obs := &countingObserver{}
	s := newTestSynthesizer(&fakeRetriever{results: results("alpha")}, chat, WithSynthesisObserver(obs))

	events, err := s.Stream(context.Background(), ports.AnswerRequest{Text: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got := collect(t, events)

	if len(got) != 5 {
		t.Fatalf("expected 3 deltas, meta and done, got %+v", got)
	}
	wantDeltas := []string{"Alpha ", "[1] beta", " end"}
	for i, want := range wantDeltas {
		if got[i].Type != domain.EventDelta || got[i].Delta != want {
			t.Fatalf("event %d = %+v, want delta %q", i, got[i], want)
		}
	}
	meta := got[3]
	if meta.Type != domain.EventMeta || !meta.Meta.LLMOK || len(meta.Meta.Citations) != 1 {
		t.Fatalf("unexpected meta %+v", meta.Meta)
	}
	if got[4].Type != domain.EventDone {
		t.Fatalf("expected done last, got %+v", got[4])
	}
	if chat.requests[0].MaxTokens != DefaultFastMaxTokens {
		t.Fatalf("expected stream max tokens %d, got %d", DefaultFastMaxTokens, chat.requests[0].MaxTokens)
	}
	if !chat.wasClosed() {
		t.Fatalf("provider stream was not closed")
	}
	if obs.deltas != 3 {
		t.Fatalf("expected 3 observed deltas, got %d", obs.deltas)
	}
}

func TestStreamFailureMidwayFlushesThenFallsBack(t *testing.T) {
	chat := &fakeChat{
		model:     "llama3",
		deltas:    []string{"partial [", "2]"},
		failAfter: 1,
		streamErr: domain.WrapError(domain.ErrTemporary, "chat stream", io.ErrUnexpectedEOF),
	}
	s := newTestSynthesizer(&fakeRetriever{results: results("alpha", "beta")}, chat)

	events, err := s.Stream(context.Background(), ports.AnswerRequest{Text: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got := collect(t, events)

	if len(got) != 5 {
		t.Fatalf("expected 3 deltas, meta and done, got %+v", got)
	}
	if got[0].Delta != "partial " || got[1].Delta != "[" {
		t.Fatalf("expected partial text then the withheld bracket, got %q %q", got[0].Delta, got[1].Delta)
	}
	if !strings.HasPrefix(got[2].Delta, FallbackMarker) || !strings.Contains(got[2].Delta, "[2] beta") {
		t.Fatalf("unexpected fallback delta %q", got[2].Delta)
	}
	meta := got[3].Meta
	if meta == nil || meta.LLMOK || !strings.HasPrefix(meta.LLMReason, FallbackTemporary+": ") {
		t.Fatalf("unexpected meta %+v", meta)
	}
	if got[4].Type != domain.EventDone {
		t.Fatalf("expected done, got %+v", got[4])
	}
}

func TestStreamOpenFailureFallsBack(t *testing.T) {
	chat := &fakeChat{
		model:     "gpt-3.5-turbo-0125",
		openErr:   domain.WrapError(domain.ErrInvalidConfig, "chat stream", errors.New("missing key")),
		failAfter: -1,
	}
	s := newTestSynthesizer(&fakeRetriever{results: results("alpha")}, chat)

	events, err := s.Stream(context.Background(), ports.AnswerRequest{Text: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	got := collect(t, events)

	if len(got) != 3 || got[0].Type != domain.EventDelta || got[1].Type != domain.EventMeta || got[2].Type != domain.EventDone {
		t.Fatalf("expected fallback delta, meta, done; got %+v", got)
	}
	if got[1].Meta.LLMOK || !strings.HasPrefix(got[1].Meta.LLMReason, FallbackConfig) {
		t.Fatalf("unexpected meta %+v", got[1].Meta)
	}
}

func TestStreamCancelClosesWithoutMeta(t *testing.T) {
	chat := &fakeChat{model: "llama3", deltas: []string{"hello"}, block: true, failAfter: -1}
	s := newTestSynthesizer(&fakeRetriever{results: results("alpha")}, chat)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := s.Stream(ctx, ports.AnswerRequest{Text: "q"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	first := <-events
	if first.Delta != "hello" {
		t.Fatalf("unexpected first event %+v", first)
	}
	cancel()

	for _, ev := range collect(t, events) {
		if ev.Type != domain.EventDelta {
			t.Fatalf("no %s event expected after cancel", ev.Type)
		}
	}
	if !chat.wasClosed() {
		t.Fatalf("provider stream was not closed after cancel")
	}
}

func TestProbeLLMModes(t *testing.T) {
	s := newTestSynthesizer(&fakeRetriever{}, &fakeChat{failAfter: -1})

	if got := s.ProbeLLM(context.Background(), "deep", "m"); got.Reason != "deep" {
		t.Fatalf("expected deep probe, got %+v", got)
	}
	if got := s.ProbeLLM(context.Background(), "", "m"); got.Reason != "quick" {
		t.Fatalf("expected quick probe, got %+v", got)
	}
}
