package memory

import (
	"context"
	"sync"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

type usage struct {
	profile  domain.UsageProfile
	sessions map[string]struct{}
}

// UsageStore counts per-user activity in process memory. Counters reset on
// restart.
type UsageStore struct {
	mu    sync.Mutex
	now   func() time.Time
	users map[string]*usage
}

func NewUsageStore() *UsageStore {
	return &UsageStore{now: time.Now, users: map[string]*usage{}}
}

func (s *UsageStore) RecordQuery(_ context.Context, userID, sessionID string, llmUsed bool) error {
	if userID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.touch(userID)
	u.profile.Queries++
	if llmUsed {
		u.profile.LLMQueries++
	}
	if sessionID != "" {
		if _, seen := u.sessions[sessionID]; !seen {
			u.sessions[sessionID] = struct{}{}
			u.profile.Sessions++
		}
	}
	return nil
}

func (s *UsageStore) RecordUpload(_ context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch(userID).profile.Uploads++
	return nil
}

// Profile returns zero counters for an unknown user without creating one.
func (s *UsageStore) Profile(_ context.Context, userID string) (domain.UsageProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return domain.UsageProfile{UserID: userID}, nil
	}
	out := u.profile
	first, last := *u.profile.FirstSeen, *u.profile.LastSeen
	out.FirstSeen, out.LastSeen = &first, &last
	return out, nil
}

// touch must be called with mu held.
func (s *UsageStore) touch(userID string) *usage {
	now := s.now().UTC()
	u, ok := s.users[userID]
	if !ok {
		first := now
		u = &usage{
			profile:  domain.UsageProfile{UserID: userID, FirstSeen: &first},
			sessions: map[string]struct{}{},
		}
		s.users[userID] = u
	}
	last := now
	u.profile.LastSeen = &last
	return u
}
