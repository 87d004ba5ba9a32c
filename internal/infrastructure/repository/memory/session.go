package memory

import (
	"context"
	"sync"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

const DefaultMaxPairs = 5

type pair struct {
	question string
	answer   string
}

// SessionStore keeps the last maxPairs question/answer pairs per session
// in process memory.
type SessionStore struct {
	mu       sync.Mutex
	maxPairs int
	sessions map[string][]pair
}

func NewSessionStore(maxPairs int) *SessionStore {
	if maxPairs <= 0 {
		maxPairs = DefaultMaxPairs
	}
	return &SessionStore{maxPairs: maxPairs, sessions: map[string][]pair{}}
}

func (s *SessionStore) AppendTurn(_ context.Context, sessionID, question, answer string) error {
	if sessionID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := append(s.sessions[sessionID], pair{question: question, answer: answer})
	if len(pairs) > s.maxPairs {
		pairs = append([]pair(nil), pairs[len(pairs)-s.maxPairs:]...)
	}
	s.sessions[sessionID] = pairs
	return nil
}

func (s *SessionStore) RecentTurns(_ context.Context, sessionID string, limitPairs int) ([]domain.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs := s.sessions[sessionID]
	if limitPairs > 0 && len(pairs) > limitPairs {
		pairs = pairs[len(pairs)-limitPairs:]
	}
	out := make([]domain.ConversationTurn, 0, 2*len(pairs))
	for _, p := range pairs {
		out = append(out,
			domain.ConversationTurn{Role: domain.RoleUser, Text: p.question},
			domain.ConversationTurn{Role: domain.RoleAssistant, Text: p.answer},
		)
	}
	return out, nil
}
