package usecase

import (
	"fmt"
	"strings"
	"testing"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

func TestResolvePersonaAliases(t *testing.T) {
	tests := []struct {
		name, fallback, want string
	}{
		{"Bullet-Points", "", PersonaBullets},
		{"steps", "", PersonaStepByStep},
		{" formal ", "", PersonaFormal},
		{"pirate", "bullets", PersonaBullets},
		{"", "", PersonaConcise},
		{"pirate", "unknown", PersonaConcise},
	}
	for _, tt := range tests {
		if got := ResolvePersona(tt.name, tt.fallback); got != tt.want {
			t.Fatalf("ResolvePersona(%q, %q) = %q, want %q", tt.name, tt.fallback, got, tt.want)
		}
	}
}

func TestBuildMessagesLayout(t *testing.T) {
	msgs := BuildMessages("bullets", nil, "[1] alpha", "What is alpha?")

	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(msgs))
	}
	if msgs[0].Role != domain.RoleSystem || !strings.Contains(msgs[0].Content, "bullet points") {
		t.Fatalf("unexpected system message %+v", msgs[0])
	}
	want := "Context:\n[1] alpha\n\nQuestion: What is alpha?\nAnswer (with citations):"
	if msgs[1].Role != domain.RoleUser || msgs[1].Content != want {
		t.Fatalf("unexpected user message %q", msgs[1].Content)
	}
}

func TestBuildMessagesKeepsLastTenTurns(t *testing.T) {
	var history []domain.ConversationTurn
	for i := 0; i < 14; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		history = append(history, domain.ConversationTurn{Role: role, Text: fmt.Sprintf("turn %d", i)})
	}
	history = append(history,
		domain.ConversationTurn{Role: domain.RoleUser, Text: "  "},
		domain.ConversationTurn{Role: domain.RoleSystem, Text: "ignored"},
	)

	msgs := BuildMessages("", history, "", "q")

	if len(msgs) != 12 {
		t.Fatalf("expected 12 messages, got %d", len(msgs))
	}
	if msgs[1].Content != "turn 4" || msgs[10].Content != "turn 13" {
		t.Fatalf("unexpected history window: first=%q last=%q", msgs[1].Content, msgs[10].Content)
	}
}
