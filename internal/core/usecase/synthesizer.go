package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

const (
	DefaultMaxTokens     = 512
	DefaultFastMaxTokens = 256
)

// SynthesisObserver receives per-request counters, typically for metrics.
type SynthesisObserver interface {
	ObserveRetrieval(chunks int)
	ObserveFallback(reason string)
	ObserveStreamDelta()
}

type noopObserver struct{}

func (noopObserver) ObserveRetrieval(int)   {}
func (noopObserver) ObserveFallback(string) {}
func (noopObserver) ObserveStreamDelta()    {}

type SynthesizerConfig struct {
	DefaultK        int
	PerChunkChars   int
	MaxContextChars int
	Persona         string
	MaxTokens       int
	// StreamMaxTokens overrides MaxTokens for streams; fast mode lowers it.
	StreamMaxTokens int
}

type Synthesizer struct {
	retriever ports.Retriever
	chat      ports.ChatModel
	fallback  *FallbackPolicy
	cfg       SynthesizerConfig
	logger    *slog.Logger
	observer  SynthesisObserver
}

type SynthesizerOption func(*Synthesizer)

func WithFallbackPolicy(p *FallbackPolicy) SynthesizerOption {
	return func(s *Synthesizer) {
		if p != nil {
			s.fallback = p
		}
	}
}

func WithSynthesisObserver(o SynthesisObserver) SynthesizerOption {
	return func(s *Synthesizer) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithLogger(logger *slog.Logger) SynthesizerOption {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewSynthesizer(retriever ports.Retriever, chat ports.ChatModel, cfg SynthesizerConfig, opts ...SynthesizerOption) *Synthesizer {
	if cfg.DefaultK <= 0 {
		cfg.DefaultK = DefaultK
	}
	if cfg.PerChunkChars <= 0 {
		cfg.PerChunkChars = DefaultContextCharsPerChunk
	}
	if cfg.MaxContextChars <= 0 {
		cfg.MaxContextChars = DefaultContextMaxChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.StreamMaxTokens <= 0 {
		cfg.StreamMaxTokens = cfg.MaxTokens
	}
	s := &Synthesizer{
		retriever: retriever,
		chat:      chat,
		fallback:  DefaultFallbackPolicy(),
		cfg:       cfg,
		logger:    slog.Default(),
		observer:  noopObserver{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type preparedRequest struct {
	results   []domain.RetrievalResult
	assembled AssembledContext
	chat      domain.ChatRequest
}

func (s *Synthesizer) prepare(ctx context.Context, req ports.AnswerRequest, maxTokens int) (*preparedRequest, error) {
	question := strings.TrimSpace(req.Text)
	if question == "" {
		return nil, domain.WrapError(domain.ErrInvalidInput, "answer", errors.New("question is empty"))
	}
	k := req.K
	if k <= 0 {
		k = s.cfg.DefaultK
	}
	results, err := s.retriever.Retrieve(ctx, question, k)
	if err != nil {
		return nil, fmt.Errorf("retrieve context: %w", err)
	}
	s.observer.ObserveRetrieval(len(results))

	assembled := AssembleContext(results, s.cfg.PerChunkChars, s.cfg.MaxContextChars)
	persona := ResolvePersona(req.Persona, s.cfg.Persona)
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.chat.DefaultModel()
	}
	return &preparedRequest{
		results:   results,
		assembled: assembled,
		chat: domain.ChatRequest{
			Model:     model,
			Messages:  BuildMessages(persona, req.RecentTurns, assembled.Text, question),
			MaxTokens: maxTokens,
		},
	}, nil
}

// Answer retrieves context and asks the model for a cited answer. Provider
// failures degrade to the context-only fallback instead of an error.
func (s *Synthesizer) Answer(ctx context.Context, req ports.AnswerRequest) (*domain.Answer, error) {
	prep, err := s.prepare(ctx, req, s.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	answer := &domain.Answer{
		Citations: prep.assembled.Citations,
		Results:   prep.results,
		LLM:       domain.LLMStatus{OK: true, Model: prep.chat.Model},
	}

	text, err := s.chat.Complete(ctx, prep.chat)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		fb := s.degrade(err, prep)
		answer.Text = fb.Text
		answer.LLM = domain.LLMStatus{OK: false, Model: prep.chat.Model, Reason: fb.Reason + ": " + err.Error()}
		return answer, nil
	}
	answer.Text = text
	return answer, nil
}

// Stream runs retrieval synchronously and then streams the answer. The
// channel carries deltas, one meta event and a done event, and is closed
// afterwards. If ctx is cancelled the channel closes without meta or done.
func (s *Synthesizer) Stream(ctx context.Context, req ports.AnswerRequest) (<-chan domain.StreamEvent, error) {
	prep, err := s.prepare(ctx, req, s.cfg.StreamMaxTokens)
	if err != nil {
		return nil, err
	}
	events := make(chan domain.StreamEvent)
	go s.produce(ctx, prep, events)
	return events, nil
}

func (s *Synthesizer) produce(ctx context.Context, prep *preparedRequest, events chan<- domain.StreamEvent) {
	defer close(events)

	emit := func(ev domain.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	emitDelta := func(text string) bool {
		if text == "" {
			return true
		}
		s.observer.ObserveStreamDelta()
		return emit(domain.StreamEvent{Type: domain.EventDelta, Delta: text})
	}

	status := domain.LLMStatus{OK: true, Model: prep.chat.Model}
	fail := func(err error, splitter *CitationSplitter) bool {
		if splitter != nil && !emitDelta(splitter.Flush()) {
			return false
		}
		fb := s.degrade(err, prep)
		status = domain.LLMStatus{OK: false, Model: prep.chat.Model, Reason: fb.Reason + ": " + err.Error()}
		return emitDelta(fb.Text)
	}

	stream, err := s.chat.Stream(ctx, prep.chat)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !fail(err, nil) {
			return
		}
	} else {
		defer stream.Close()
		splitter := &CitationSplitter{}
		for {
			delta, err := stream.Next(ctx)
			if errors.Is(err, io.EOF) {
				if !emitDelta(splitter.Flush()) {
					return
				}
				break
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !fail(err, splitter) {
					return
				}
				break
			}
			if !emitDelta(splitter.Push(delta)) {
				return
			}
		}
	}

	meta := &domain.StreamMeta{
		Citations: prep.assembled.Citations,
		LLMOK:     status.OK,
		LLMModel:  status.Model,
		LLMReason: status.Reason,
	}
	if !emit(domain.StreamEvent{Type: domain.EventMeta, Meta: meta}) {
		return
	}
	emit(domain.StreamEvent{Type: domain.EventDone})
}

func (s *Synthesizer) degrade(err error, prep *preparedRequest) Fallback {
	fb := s.fallback.Resolve(err, prep.assembled.Text)
	s.observer.ObserveFallback(fb.Reason)
	s.logger.Warn("llm_fallback",
		"reason", fb.Reason,
		"model", prep.chat.Model,
		"citations", len(prep.assembled.Citations),
		"error", err,
	)
	return fb
}

// ProbeLLM reports provider readiness: "deep" makes a one-token call,
// anything else checks configuration only.
func (s *Synthesizer) ProbeLLM(ctx context.Context, mode, model string) domain.LLMStatus {
	if strings.EqualFold(strings.TrimSpace(mode), "deep") {
		return s.chat.Ping(ctx, model)
	}
	return s.chat.Status(model)
}
