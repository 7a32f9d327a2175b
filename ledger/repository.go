package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

const (
	// activeDisputeIndex enforces one unresolved dispute per transaction.
	activeDisputeIndex = "disputes_one_active_per_transaction"
	trackingConstraint = "escrow_transactions_tracking_number_key"
)

// DB abstracts pgxpool.Pool for testability.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PGStore is the PostgreSQL Store. Each Update runs in one database
// transaction holding a row lock on the escrow transaction; ledger events and
// their outbox rows are written in that same transaction.
type PGStore struct {
	db DB
}

func NewPGStore(db DB) *PGStore {
	return &PGStore{db: db}
}

type scanner interface {
	Scan(dest ...any) error
}

const transactionColumns = `id, product_ref, buyer_id, seller_id, amount, escrow_fee, refunded_amount, status,
       tracking_number, created_at, captured_at, delivered_at, completed_at, updated_at, version`

const disputeColumns = `id, transaction_id, buyer_id, seller_id, opened_by, buyer_claim, seller_response, status,
       resolution_outcome, refund_amount, resolution_description, created_at, updated_at, resolved_at`

func scanTransaction(row scanner) (Transaction, error) {
	var (
		t      Transaction
		status string
	)
	if err := row.Scan(&t.ID, &t.ProductRef, &t.BuyerID, &t.SellerID, &t.Amount, &t.EscrowFee, &t.RefundedAmount,
		&status, &t.TrackingNumber, &t.CreatedAt, &t.CapturedAt, &t.DeliveredAt, &t.CompletedAt, &t.UpdatedAt, &t.Version); err != nil {
		return Transaction{}, err
	}
	t.Status = Status(status)
	return t, nil
}

func scanDispute(row scanner) (Dispute, error) {
	var (
		d           Dispute
		status      string
		outcome     *string
		refund      decimal.NullDecimal
		description *string
	)
	if err := row.Scan(&d.ID, &d.TransactionID, &d.BuyerID, &d.SellerID, &d.OpenedBy, &d.BuyerClaim, &d.SellerResponse,
		&status, &outcome, &refund, &description, &d.CreatedAt, &d.UpdatedAt, &d.ResolvedAt); err != nil {
		return Dispute{}, err
	}
	d.Status = DisputeStatus(status)
	if outcome != nil {
		res := &Resolution{Outcome: OutcomeKind(*outcome), RefundAmount: decimal.Zero}
		if refund.Valid {
			res.RefundAmount = refund.Decimal
		}
		if description != nil {
			res.Description = *description
		}
		d.Resolution = res
	}
	return d, nil
}

func (s *PGStore) CreateTransaction(ctx context.Context, t Transaction, events []Event) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO escrow_transactions (id, product_ref, buyer_id, seller_id, amount, escrow_fee, refunded_amount, status,
                                 created_at, updated_at, version)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9, $10)`
	if _, err := tx.Exec(ctx, insertSQL, t.ID, t.ProductRef, t.BuyerID, t.SellerID, t.Amount, t.EscrowFee,
		t.RefundedAmount, string(t.Status), t.CreatedAt, t.Version); err != nil {
		return fmt.Errorf("ledger: insert transaction: %w", err)
	}
	if err := appendEvents(ctx, tx, events); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit tx: %w", err)
	}
	return nil
}

func (s *PGStore) Update(ctx context.Context, transactionID string, fn func(*Aggregate) error) (Aggregate, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return Aggregate{}, fmt.Errorf("ledger: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := loadAggregateForUpdate(ctx, tx, transactionID)
	if err != nil {
		return Aggregate{}, err
	}

	work := current.clone()
	if err := fn(&work); err != nil {
		return Aggregate{}, err
	}
	work.Transaction.Version = current.Transaction.Version + 1

	if err := updateTransaction(ctx, tx, work.Transaction, current.Transaction.Version); err != nil {
		return Aggregate{}, err
	}
	for _, d := range work.ChangedDisputes() {
		if err := upsertDispute(ctx, tx, d); err != nil {
			return Aggregate{}, err
		}
	}
	if err := appendEvents(ctx, tx, work.events); err != nil {
		return Aggregate{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Aggregate{}, fmt.Errorf("ledger: commit tx: %w", err)
	}
	return work, nil
}

func loadAggregateForUpdate(ctx context.Context, tx pgx.Tx, id string) (Aggregate, error) {
	row := tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1 FOR UPDATE`, id)
	t, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Aggregate{}, transactionNotFound(id)
		}
		return Aggregate{}, fmt.Errorf("ledger: lock transaction: %w", err)
	}

	rows, err := tx.Query(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE transaction_id = $1 ORDER BY created_at, id`, id)
	if err != nil {
		return Aggregate{}, fmt.Errorf("ledger: load disputes: %w", err)
	}
	defer rows.Close()

	agg := Aggregate{Transaction: t}
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return Aggregate{}, fmt.Errorf("ledger: scan dispute: %w", err)
		}
		agg.Disputes = append(agg.Disputes, d)
	}
	if err := rows.Err(); err != nil {
		return Aggregate{}, fmt.Errorf("ledger: iterate disputes: %w", err)
	}
	return agg, nil
}

func updateTransaction(ctx context.Context, tx pgx.Tx, t Transaction, expectedVersion int64) error {
	const updateSQL = `
UPDATE escrow_transactions
SET escrow_fee = $2,
    refunded_amount = $3,
    status = $4,
    tracking_number = $5,
    captured_at = $6,
    delivered_at = $7,
    completed_at = $8,
    updated_at = $9,
    version = $10
WHERE id = $1 AND version = $11`
	tag, err := tx.Exec(ctx, updateSQL, t.ID, t.EscrowFee, t.RefundedAmount, string(t.Status), t.TrackingNumber,
		t.CapturedAt, t.DeliveredAt, t.CompletedAt, t.UpdatedAt, t.Version, expectedVersion)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == trackingConstraint {
			return fmt.Errorf("%w: %s", errTrackingTaken, *t.TrackingNumber)
		}
		return fmt.Errorf("ledger: update transaction: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return fmt.Errorf("ledger: update transaction %s: version %d no longer current", t.ID, expectedVersion)
	}
	return nil
}

func upsertDispute(ctx context.Context, tx pgx.Tx, d Dispute) error {
	var (
		outcome     *string
		refund      decimal.NullDecimal
		description *string
	)
	if d.Resolution != nil {
		o := string(d.Resolution.Outcome)
		outcome = &o
		refund = decimal.NewNullDecimal(d.Resolution.RefundAmount)
		description = &d.Resolution.Description
	}

	const upsertSQL = `
INSERT INTO disputes (id, transaction_id, buyer_id, seller_id, opened_by, buyer_claim, seller_response, status,
                      resolution_outcome, refund_amount, resolution_description, created_at, updated_at, resolved_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (id) DO UPDATE
SET seller_response = EXCLUDED.seller_response,
    status = EXCLUDED.status,
    resolution_outcome = EXCLUDED.resolution_outcome,
    refund_amount = EXCLUDED.refund_amount,
    resolution_description = EXCLUDED.resolution_description,
    updated_at = EXCLUDED.updated_at,
    resolved_at = EXCLUDED.resolved_at`
	_, err := tx.Exec(ctx, upsertSQL, d.ID, d.TransactionID, d.BuyerID, d.SellerID, d.OpenedBy, d.BuyerClaim,
		d.SellerResponse, string(d.Status), outcome, refund, description, d.CreatedAt, d.UpdatedAt, d.ResolvedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeDisputeIndex {
			return fmt.Errorf("%w: transaction %s", ErrDisputeAlreadyExists, d.TransactionID)
		}
		return fmt.Errorf("ledger: upsert dispute: %w", err)
	}
	return nil
}

// appendEvents writes the timeline rows and their outbox envelopes.
func appendEvents(ctx context.Context, tx pgx.Tx, events []Event) error {
	for _, e := range events {
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("ledger: marshal event payload: %w", err)
		}
		var disputeID *string
		if e.DisputeID != "" {
			disputeID = &e.DisputeID
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO ledger_events (id, transaction_id, dispute_id, type, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)`, e.ID, e.TransactionID, disputeID, string(e.Type), string(payload), e.OccurredAt); err != nil {
			return fmt.Errorf("ledger: insert event: %w", err)
		}

		envelope, err := json.Marshal(map[string]any{
			"event_id":       e.ID,
			"type":           string(e.Type),
			"transaction_id": e.TransactionID,
			"dispute_id":     e.DisputeID,
			"occurred_at":    e.OccurredAt.UTC().Format(time.RFC3339Nano),
			"payload":        e.Payload,
		})
		if err != nil {
			return fmt.Errorf("ledger: marshal outbox envelope: %w", err)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO outbox (topic, message_key, payload)
VALUES ($1, $2, $3::jsonb)`, string(e.Type), e.TransactionID, string(envelope)); err != nil {
			return fmt.Errorf("ledger: enqueue outbox: %w", err)
		}
	}
	return nil
}

func (s *PGStore) TransactionIDForDispute(ctx context.Context, disputeID string) (string, error) {
	var txID string
	if err := s.db.QueryRow(ctx, `SELECT transaction_id FROM disputes WHERE id = $1`, disputeID).Scan(&txID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", disputeNotFound(disputeID)
		}
		return "", fmt.Errorf("ledger: resolve dispute owner: %w", err)
	}
	return txID, nil
}

func (s *PGStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	t, err := scanTransaction(s.db.QueryRow(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Transaction{}, transactionNotFound(id)
		}
		return Transaction{}, fmt.Errorf("ledger: get transaction: %w", err)
	}
	return t, nil
}

func (s *PGStore) GetDispute(ctx context.Context, id string) (Dispute, error) {
	d, err := scanDispute(s.db.QueryRow(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, disputeNotFound(id)
		}
		return Dispute{}, fmt.Errorf("ledger: get dispute: %w", err)
	}
	return d, nil
}

func (s *PGStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	var w where
	w.add("buyer_id", filter.BuyerID)
	w.add("seller_id", filter.SellerID)
	w.add("status", string(filter.Status))

	rows, err := s.db.Query(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions`+w.sql()+` ORDER BY created_at DESC, id DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list transactions: %w", err)
	}
	defer rows.Close()

	var items []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan transaction: %w", err)
		}
		items = append(items, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate transactions: %w", err)
	}
	return items, nil
}

func (s *PGStore) ListDisputes(ctx context.Context, filter DisputeFilter) ([]Dispute, error) {
	var w where
	w.add("buyer_id", filter.BuyerID)
	w.add("seller_id", filter.SellerID)
	w.add("transaction_id", filter.TransactionID)
	w.add("status", string(filter.Status))

	rows, err := s.db.Query(ctx, `SELECT `+disputeColumns+` FROM disputes`+w.sql()+` ORDER BY created_at DESC, id DESC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list disputes: %w", err)
	}
	defer rows.Close()

	var items []Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan dispute: %w", err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate disputes: %w", err)
	}
	return items, nil
}

type where struct {
	clauses []string
	args    []any
}

func (w *where) add(column, value string) {
	if value == "" {
		return
	}
	w.args = append(w.args, value)
	w.clauses = append(w.clauses, fmt.Sprintf("%s = $%d", column, len(w.args)))
}

func (w *where) sql() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}
