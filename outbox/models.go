package outbox

import (
	"context"
	"time"
)

// Message is one claimed outbox row.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Repository claims pending messages under a lease and settles them.
type Repository interface {
	ClaimPending(ctx context.Context, limit int, claimToken string, claimedUntil time.Time) ([]Message, error)
	MarkProcessed(ctx context.Context, id, claimToken string, at time.Time) error
	MarkFailed(ctx context.Context, id, claimToken, reason string, at time.Time) error
	MarkDead(ctx context.Context, id, claimToken, reason string, at time.Time) error
}

// Publisher delivers a message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key string, payload []byte) error
}
