package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PGRepository implements Repository on the outbox table.
type PGRepository struct {
	db DB
}

func NewRepository(db DB) *PGRepository {
	return &PGRepository{db: db}
}

// ClaimPending leases up to limit pending rows to claimToken. Rows locked by a
// concurrent claimer are skipped; expired leases are reclaimed.
func (r *PGRepository) ClaimPending(ctx context.Context, limit int, claimToken string, claimedUntil time.Time) ([]Message, error) {
	const claimSQL = `
UPDATE outbox
SET claim_token = $1, claimed_until = $2
WHERE id IN (
    SELECT id FROM outbox
    WHERE status = 'pending' AND (claimed_until IS NULL OR claimed_until < now())
    ORDER BY created_at
    FOR UPDATE SKIP LOCKED
    LIMIT $3
)
RETURNING id::text, topic, message_key, payload::text, attempts, created_at`

	rows, err := r.db.Query(ctx, claimSQL, claimToken, claimedUntil, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox: iterate: %w", err)
	}
	return msgs, nil
}

func (r *PGRepository) MarkProcessed(ctx context.Context, id, claimToken string, at time.Time) error {
	return r.settle(ctx, "mark processed", `
UPDATE outbox
SET status = 'processed', processed_at = $3, last_attempt_at = $3, claim_token = NULL, claimed_until = NULL
WHERE id = $1 AND claim_token = $2`, id, claimToken, at)
}

func (r *PGRepository) MarkFailed(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	return r.settle(ctx, "mark failed", `
UPDATE outbox
SET attempts = attempts + 1, last_error = $4, last_attempt_at = $3, claim_token = NULL, claimed_until = NULL
WHERE id = $1 AND claim_token = $2`, id, claimToken, at, reason)
}

func (r *PGRepository) MarkDead(ctx context.Context, id, claimToken, reason string, at time.Time) error {
	return r.settle(ctx, "mark dead", `
UPDATE outbox
SET status = 'dead', attempts = attempts + 1, last_error = $4, last_attempt_at = $3, claim_token = NULL, claimed_until = NULL
WHERE id = $1 AND claim_token = $2`, id, claimToken, at, reason)
}

func (r *PGRepository) settle(ctx context.Context, op, sql string, args ...any) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("outbox: %s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox: %s: claim on %v lost", op, args[0])
	}
	return nil
}
