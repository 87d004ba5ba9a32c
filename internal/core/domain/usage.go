package domain

import "time"

// UsageProfile is the activity summary of one caller. Timestamps are nil
// until the first recorded event.
type UsageProfile struct {
	UserID     string     `json:"user_id"`
	FirstSeen  *time.Time `json:"first_seen,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
	Queries    int        `json:"queries"`
	LLMQueries int        `json:"llm_queries"`
	Uploads    int        `json:"uploads"`
	Sessions   int        `json:"sessions"`
}
