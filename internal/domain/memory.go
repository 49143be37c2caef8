package domain

import (
	"context"
	"time"
)

// SessionStore records connection lifecycles. It never holds message text.
type SessionStore interface {
	OpenSession(ctx context.Context, rec SessionRecord) error
	CloseSession(ctx context.Context, rec SessionRecord) error
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	Close() error
}

// SessionRecord summarizes one WebSocket connection.
type SessionRecord struct {
	ID          string     `json:"id"`
	RemoteAddr  string     `json:"remote_addr"`
	OpenedAt    time.Time  `json:"opened_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Requests    int        `json:"requests"`
	Chunks      int        `json:"chunks"`
	Rejected    int        `json:"rejected"`
	CloseReason string     `json:"close_reason,omitempty"`
}
