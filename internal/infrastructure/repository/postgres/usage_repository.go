package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kirillkom/docsearch/internal/core/domain"
)

// UsageRepository keeps one counter row per user plus the set of session
// ids already attributed to that user.
type UsageRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db, now: time.Now}
}

const upsertUsage = `
INSERT INTO usage_profiles (user_id, first_seen, last_seen, queries, llm_queries, uploads, sessions)
VALUES ($1, $2, $2, $3, $4, $5, 0)
ON CONFLICT (user_id) DO UPDATE SET
	last_seen = EXCLUDED.last_seen,
	queries = usage_profiles.queries + EXCLUDED.queries,
	llm_queries = usage_profiles.llm_queries + EXCLUDED.llm_queries,
	uploads = usage_profiles.uploads + EXCLUDED.uploads
`

func (r *UsageRepository) RecordQuery(ctx context.Context, userID, sessionID string, llmUsed bool) error {
	if userID == "" {
		return nil
	}
	llm := 0
	if llmUsed {
		llm = 1
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin usage tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, upsertUsage, userID, r.now().UTC(), 1, llm, 0); err != nil {
		return fmt.Errorf("record query: %w", err)
	}
	if sessionID != "" {
		res, err := tx.ExecContext(ctx, `
INSERT INTO usage_sessions (user_id, session_id) VALUES ($1, $2)
ON CONFLICT DO NOTHING
`, userID, sessionID)
		if err != nil {
			return fmt.Errorf("record session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			if _, err := tx.ExecContext(ctx, `UPDATE usage_profiles SET sessions = sessions + 1 WHERE user_id = $1`, userID); err != nil {
				return fmt.Errorf("count session: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit usage tx: %w", err)
	}
	return nil
}

func (r *UsageRepository) RecordUpload(ctx context.Context, userID string) error {
	if userID == "" {
		return nil
	}
	if _, err := r.db.ExecContext(ctx, upsertUsage, userID, r.now().UTC(), 0, 0, 1); err != nil {
		return fmt.Errorf("record upload: %w", err)
	}
	return nil
}

func (r *UsageRepository) Profile(ctx context.Context, userID string) (domain.UsageProfile, error) {
	out := domain.UsageProfile{UserID: userID}
	var first, last time.Time
	err := r.db.QueryRowContext(ctx, `
SELECT first_seen, last_seen, queries, llm_queries, uploads, sessions
FROM usage_profiles
WHERE user_id = $1
`, userID).Scan(&first, &last, &out.Queries, &out.LLMQueries, &out.Uploads, &out.Sessions)
	if errors.Is(err, sql.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return domain.UsageProfile{}, fmt.Errorf("load usage profile: %w", err)
	}
	first, last = first.UTC(), last.UTC()
	out.FirstSeen, out.LastSeen = &first, &last
	return out, nil
}
