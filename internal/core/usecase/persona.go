package usecase

import (
	"strings"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const (
	PersonaConcise    = "concise"
	PersonaBullets    = "bullets"
	PersonaStepByStep = "step-by-step"
	PersonaFormal     = "formal"

	maxHistoryTurns = 10
)

var personaAliases = map[string]string{
	"concise":       PersonaConcise,
	"bullets":       PersonaBullets,
	"bullet":        PersonaBullets,
	"bullet-point":  PersonaBullets,
	"bullet-points": PersonaBullets,
	"step-by-step":  PersonaStepByStep,
	"steps":         PersonaStepByStep,
	"formal":        PersonaFormal,
}

var personaPrompts = map[string]string{
	PersonaConcise: "You are a helpful assistant for a document search system. Use ONLY the provided context below (extracted from the user's uploaded documents). " +
		"Do NOT say you cannot access or analyze uploaded files; treat the provided context as the accessible content. " +
		"If the user asks generally about their document, summarize it using the context. " +
		"Answer succinctly in 2-5 sentences or short bullets. " +
		"Cite sources inline with [n] matching the numbered context entries. " +
		"If information is incomplete, give the best answer you can using the most relevant context and note uncertainties. " +
		"Do not invent facts beyond the context.",
	PersonaBullets: "You are a helpful, professional assistant for a document search system. Use ONLY the provided context below (extracted from the user's uploaded documents). " +
		"Never say that you cannot access or analyze uploaded files; treat the provided context as the relevant excerpts. " +
		"Answer briefly using 3-6 bullet points. Each bullet should be a short sentence. " +
		"Cite sources inline with [n] matching the numbered context entries. " +
		"If the question is broad, provide a concise summary using the context. " +
		"If context is incomplete, say what's missing and ask a targeted follow-up. Do not invent facts beyond the context.",
	PersonaStepByStep: "You are a friendly tutor for a document search system. Use ONLY the provided context below (excerpts from uploaded documents). " +
		"Never say you cannot read or access files; you can use the provided context. " +
		"Explain step-by-step in clear, numbered steps (3-7 steps). Keep each step concise. " +
		"Cite sources inline with [n] where relevant. Indicate uncertainty if context is thin, and suggest a follow-up if needed.",
	PersonaFormal: "You are a formal, professional assistant for a document search system. Use ONLY the provided context below (from uploaded documents). " +
		"Never claim inability to access files; rely on the provided context. " +
		"Respond in 2-5 compact sentences. Maintain a neutral tone. " +
		"Include inline citations with [n]. Acknowledge uncertainty if needed.",
}

// ResolvePersona maps a persona name or alias to its canonical name.
// Unknown or empty names fall back to fallback, then to concise.
func ResolvePersona(name, fallback string) string {
	if p, ok := personaAliases[strings.ToLower(strings.TrimSpace(name))]; ok {
		return p
	}
	if p, ok := personaAliases[strings.ToLower(strings.TrimSpace(fallback))]; ok {
		return p
	}
	return PersonaConcise
}

// BuildMessages lays out the system prompt, the recent history and the
// question with its numbered context.
func BuildMessages(persona string, history []domain.ConversationTurn, contextText, question string) []domain.ChatMessage {
	messages := []domain.ChatMessage{{Role: domain.RoleSystem, Content: personaPrompts[ResolvePersona(persona, "")]}}

	kept := make([]domain.ChatMessage, 0, maxHistoryTurns)
	for _, turn := range history {
		text := strings.TrimSpace(turn.Text)
		if text == "" || (turn.Role != domain.RoleUser && turn.Role != domain.RoleAssistant) {
			continue
		}
		kept = append(kept, domain.ChatMessage{Role: turn.Role, Content: text})
	}
	if len(kept) > maxHistoryTurns {
		kept = kept[len(kept)-maxHistoryTurns:]
	}
	messages = append(messages, kept...)

	messages = append(messages, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: "Context:\n" + contextText + "\n\nQuestion: " + question + "\nAnswer (with citations):",
	})
	return messages
}
