package httpadapter

import (
	"context"
	"net"
	"net/http"
	"strings"
)

// profile returns the caller's usage counters. Without user_id the client
// address stands in as the identity.
func (rt *Router) profile(w http.ResponseWriter, r *http.Request) {
	var userID *string
	if err := bindQuery(r, "user_id", false, &userID); err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	id := strings.TrimSpace(stringOrEmpty(userID))
	if id == "" {
		id = clientHost(r)
	}
	if rt.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage tracking is disabled")
		return
	}
	p, err := rt.usage.Profile(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// recordQuery and recordUpload never fail the request; counters are best
// effort.
func (rt *Router) recordQuery(ctx context.Context, userID, sessionID string, llmUsed bool) {
	userID = strings.TrimSpace(userID)
	if rt.usage == nil || userID == "" {
		return
	}
	if err := rt.usage.RecordQuery(context.WithoutCancel(ctx), userID, strings.TrimSpace(sessionID), llmUsed); err != nil {
		rt.logger.Warn("usage_record_failed", "user_id", userID, "kind", "query", "error", err)
	}
}

func (rt *Router) recordUpload(ctx context.Context, userID string) {
	userID = strings.TrimSpace(userID)
	if rt.usage == nil || userID == "" {
		return
	}
	if err := rt.usage.RecordUpload(context.WithoutCancel(ctx), userID); err != nil {
		rt.logger.Warn("usage_record_failed", "user_id", userID, "kind", "upload", "error", err)
	}
}

func clientHost(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
