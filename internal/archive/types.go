package archive

import (
	"context"
	"time"
)

// Entry is one archived transcript line.
type Entry struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	CustomerID  string    `json:"customer_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists transcript entries. Content is redacted before it is stored.
type Store interface {
	SaveEntry(ctx context.Context, entry Entry) error
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)
	Close() error
}
