package httpadapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
	"github.com/kirillkom/docsearch/internal/core/ports"
)

type queryRequest struct {
	Text   string `json:"text"`
	K      int    `json:"k"`
	UserID string `json:"user_id"`
}

func (rt *Router) query(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	results, err := rt.retriever.Retrieve(r.Context(), req.Text, req.K)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if results == nil {
		results = []domain.RetrievalResult{}
	}
	rt.recordQuery(r.Context(), req.UserID, "", false)
	rt.observe("query", len(results), started)
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type answerRequest struct {
	Text      string `json:"text"`
	K         int    `json:"k"`
	Persona   string `json:"persona"`
	Model     string `json:"model"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	MaxTokens int    `json:"max_tokens"`
}

func (rt *Router) answer(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	answer, err := rt.answers.Answer(r.Context(), ports.AnswerRequest{
		Text:        req.Text,
		K:           req.K,
		Persona:     req.Persona,
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		RecentTurns: rt.recentTurns(r.Context(), req.SessionID),
	})
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	rt.rememberTurn(r.Context(), req.SessionID, req.Text, answer.Text)
	rt.recordQuery(r.Context(), req.UserID, req.SessionID, true)
	rt.observe("answer", len(answer.Results), started)
	writeJSON(w, http.StatusOK, answer)
}

func (rt *Router) answerStream(w http.ResponseWriter, r *http.Request) {
	started := time.Now()
	var (
		text                              string
		k                                 *int
		persona, model, sessionID, userID *string
		fast                              *bool
	)
	for _, bind := range []struct {
		name     string
		required bool
		dest     any
	}{
		{"text", true, &text},
		{"k", false, &k},
		{"persona", false, &persona},
		{"model", false, &model},
		{"session_id", false, &sessionID},
		{"user_id", false, &userID},
		{"fast", false, &fast},
	} {
		if err := bindQuery(r, bind.name, bind.required, bind.dest); err != nil {
			rt.writeDomainError(w, r, err)
			return
		}
	}

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	session := stringOrEmpty(sessionID)
	req := ports.AnswerRequest{
		Text:        text,
		K:           intOrZero(k),
		Persona:     stringOrEmpty(persona),
		Model:       stringOrEmpty(model),
		RecentTurns: rt.recentTurns(r.Context(), session),
	}
	if fast != nil && *fast {
		req.MaxTokens = rt.cfg.FastMaxOutputTokens
	}

	events, err := rt.answers.Stream(r.Context(), req)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}

	sse.start()
	var (
		answer    strings.Builder
		citations int
		completed bool
	)
	for ev := range events {
		switch ev.Type {
		case domain.EventDelta:
			answer.WriteString(ev.Delta)
			sse.event("delta", map[string]string{"text": ev.Delta})
		case domain.EventMeta:
			if ev.Meta != nil {
				citations = len(ev.Meta.Citations)
			}
			sse.event("meta", ev.Meta)
		case domain.EventDone:
			completed = true
			sse.done()
		}
	}
	if sse.err != nil {
		rt.logger.Warn("stream_write_failed",
			"request_id", requestIDFromContext(r.Context()),
			"error", sse.err,
		)
	}
	if completed {
		rt.rememberTurn(r.Context(), session, text, answer.String())
		rt.recordQuery(r.Context(), stringOrEmpty(userID), session, true)
	}
	rt.observe("answer_stream", citations, started)
}

func (rt *Router) llmHealth(w http.ResponseWriter, r *http.Request) {
	var mode, model *string
	if err := bindQuery(r, "mode", false, &mode); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	if err := bindQuery(r, "model", false, &model); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}

	body := map[string]domain.LLMStatus{
		"quick": rt.answers.ProbeLLM(r.Context(), "quick", stringOrEmpty(model)),
	}
	if strings.EqualFold(stringOrEmpty(mode), "deep") {
		body["deep"] = rt.answers.ProbeLLM(r.Context(), "deep", stringOrEmpty(model))
	}
	writeJSON(w, http.StatusOK, body)
}

// recentTurns tolerates a failing session store; the answer proceeds
// without history.
func (rt *Router) recentTurns(ctx context.Context, sessionID string) []domain.ConversationTurn {
	if rt.sessions == nil || strings.TrimSpace(sessionID) == "" {
		return nil
	}
	turns, err := rt.sessions.RecentTurns(ctx, sessionID, rt.cfg.SessionPairs)
	if err != nil {
		rt.logger.Warn("session_read_failed", "session_id", sessionID, "error", err)
		return nil
	}
	return turns
}

func (rt *Router) rememberTurn(ctx context.Context, sessionID, question, answer string) {
	if rt.sessions == nil || strings.TrimSpace(sessionID) == "" {
		return
	}
	if err := rt.sessions.AppendTurn(context.WithoutCancel(ctx), sessionID, question, answer); err != nil {
		rt.logger.Warn("session_write_failed", "session_id", sessionID, "error", err)
	}
}

func stringOrEmpty(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
