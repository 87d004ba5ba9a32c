package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// SessionRepository stores one row per question/answer pair.
type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) AppendTurn(ctx context.Context, sessionID, question, answer string) error {
	if strings.TrimSpace(sessionID) == "" {
		return domain.WrapError(domain.ErrInvalidInput, "append turn", errors.New("session id is required"))
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_turns (session_id, question, answer, created_at)
VALUES ($1, $2, $3, $4)
`, sessionID, question, answer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	return nil
}

// RecentTurns returns up to limitPairs pairs, oldest first, flattened into
// alternating user and assistant turns.
func (r *SessionRepository) RecentTurns(ctx context.Context, sessionID string, limitPairs int) ([]domain.ConversationTurn, error) {
	if limitPairs <= 0 || strings.TrimSpace(sessionID) == "" {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT question, answer
FROM session_turns
WHERE session_id = $1
ORDER BY id DESC
LIMIT $2
`, sessionID, limitPairs)
	if err != nil {
		return nil, fmt.Errorf("list recent turns: %w", err)
	}
	defer rows.Close()

	type pair struct{ question, answer string }
	pairs := make([]pair, 0, limitPairs)
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.question, &p.answer); err != nil {
			return nil, fmt.Errorf("scan recent turn: %w", err)
		}
		pairs = append(pairs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent turns: %w", err)
	}

	// Returned in descending order from SQL; reverse to keep chronological order.
	out := make([]domain.ConversationTurn, 0, 2*len(pairs))
	for i := len(pairs) - 1; i >= 0; i-- {
		out = append(out,
			domain.ConversationTurn{Role: domain.RoleUser, Text: pairs[i].question},
			domain.ConversationTurn{Role: domain.RoleAssistant, Text: pairs[i].answer},
		)
	}
	return out, nil
}
