package domain

import (
	"context"
	"time"
)

// AuditEntry records one tool dispatch. Arguments and payloads are not
// kept since they may carry secrets.
type AuditEntry struct {
	SessionID string        `json:"session_id"`
	ToolName  string        `json:"tool_name"`
	Server    string        `json:"server"`
	Status    ToolStatus    `json:"status"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// AuditRecorder persists dispatch records.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry) error
}

type sessionKey struct{}

// WithSessionID tags ctx with the session a dispatch belongs to.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey{}, id)
}

// SessionID returns the session tagged on ctx, if any.
func SessionID(ctx context.Context) string {
	id, _ := ctx.Value(sessionKey{}).(string)
	return id
}
