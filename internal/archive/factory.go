package archive

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/shopassist/internal/policy"
)

// NewStore creates a postgres-backed store when configured, otherwise in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewInMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}

// prepare fills defaults and redacts the content.
func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	redacted, changed := policy.RedactPII(e.Content)
	e.Content = redacted
	e.PIIRedacted = e.PIIRedacted || changed
	return e
}
