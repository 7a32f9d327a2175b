package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// FeePolicy prices the escrow fee charged when funds are captured.
type FeePolicy interface {
	Fee(amount decimal.Decimal) (decimal.Decimal, error)
}

// Service applies escrow commands against a Store.
type Service struct {
	store       Store
	fees        FeePolicy
	logger      *slog.Logger
	idGenerator func() string
	tracking    func() string
	now         func() time.Time
}

type CreateTransactionParams struct {
	BuyerID    string
	SellerID   string
	ProductRef string
	Amount     decimal.Decimal
}

type OpenDisputeParams struct {
	TransactionID  string
	OpenedBy       string
	BuyerClaim     string
	SellerResponse string
}

func NewService(store Store, fees FeePolicy, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		store:       store,
		fees:        fees,
		logger:      logger.With("module", "ledger"),
		idGenerator: func() string { return uuid.NewString() },
		tracking:    defaultTrackingNumber,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithTrackingGenerator(gen func() string) *Service {
	s.tracking = gen
	return s
}

// maxTrackingAttempts bounds redraws of a colliding tracking number.
const maxTrackingAttempts = 5

func defaultTrackingNumber() string {
	return fmt.Sprintf("TF%08d", rand.IntN(100_000_000))
}

func (s *Service) CreateTransaction(ctx context.Context, params CreateTransactionParams) (Transaction, error) {
	if strings.TrimSpace(params.BuyerID) == "" {
		return Transaction{}, invalid("buyer_id", "required")
	}
	if strings.TrimSpace(params.SellerID) == "" {
		return Transaction{}, invalid("seller_id", "required")
	}
	if params.BuyerID == params.SellerID {
		return Transaction{}, invalid("seller_id", "buyer and seller must differ")
	}
	if !params.Amount.IsPositive() {
		return Transaction{}, invalid("amount", "must be greater than zero")
	}
	if !params.Amount.Equal(params.Amount.Round(2)) {
		return Transaction{}, invalid("amount", "must not have more than two decimal places")
	}

	now := s.now()
	t := Transaction{
		ID:             s.idGenerator(),
		ProductRef:     params.ProductRef,
		BuyerID:        params.BuyerID,
		SellerID:       params.SellerID,
		Amount:         params.Amount,
		EscrowFee:      decimal.Zero,
		RefundedAmount: decimal.Zero,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
	agg := Aggregate{Transaction: t}
	agg.record(EventTransactionCreated, "", now, map[string]any{
		"buyer_id":    t.BuyerID,
		"seller_id":   t.SellerID,
		"product_ref": t.ProductRef,
		"amount":      t.Amount.StringFixed(2),
	})
	s.stamp(&agg)

	if err := s.store.CreateTransaction(ctx, t, agg.events); err != nil {
		s.logFailure("create_transaction", t.ID, err)
		return Transaction{}, fmt.Errorf("ledger: create transaction: %w", err)
	}
	s.logger.Info("transaction created", "operation", "create_transaction", "outcome", "ok",
		"transaction_id", t.ID, "amount", t.Amount.StringFixed(2))
	return t, nil
}

func (s *Service) CaptureFunds(ctx context.Context, transactionID string) (Transaction, error) {
	return s.transition(ctx, "capture_funds", transactionID, func(a *Aggregate, now time.Time) error {
		if a.Transaction.Status != StatusPending {
			return transactionTransitionError(a.Transaction, ActionCapture)
		}
		fee, err := s.fees.Fee(a.Transaction.Amount)
		if err != nil {
			return fmt.Errorf("%w: escrow fee: %v", ErrValidation, err)
		}
		return a.capture(fee, now)
	})
}

func (s *Service) MarkShipped(ctx context.Context, transactionID string) (Transaction, error) {
	return s.transition(ctx, "mark_shipped", transactionID, func(a *Aggregate, now time.Time) error {
		return a.ship(s.tracking(), now)
	})
}

func (s *Service) ConfirmReceipt(ctx context.Context, transactionID string) (Transaction, error) {
	return s.transition(ctx, "confirm_receipt", transactionID, func(a *Aggregate, now time.Time) error {
		return a.confirm(now)
	})
}

func (s *Service) OpenDispute(ctx context.Context, params OpenDisputeParams) (Dispute, error) {
	claim := strings.TrimSpace(params.BuyerClaim)
	if claim == "" {
		return Dispute{}, invalid("buyer_claim", "must not be blank")
	}
	d := Dispute{
		ID:             s.idGenerator(),
		OpenedBy:       params.OpenedBy,
		BuyerClaim:     claim,
		SellerResponse: strings.TrimSpace(params.SellerResponse),
	}
	agg, err := s.update(ctx, "open_dispute", params.TransactionID, func(a *Aggregate, now time.Time) error {
		return a.openDispute(d, now)
	})
	if err != nil {
		return Dispute{}, err
	}
	opened, _ := agg.Dispute(d.ID)
	return *opened, nil
}

func (s *Service) RespondToDispute(ctx context.Context, disputeID, response string) (Dispute, error) {
	agg, err := s.disputeCommand(ctx, "respond_to_dispute", disputeID, func(a *Aggregate, now time.Time) error {
		_, err := a.respond(disputeID, strings.TrimSpace(response), now)
		return err
	})
	if err != nil {
		return Dispute{}, err
	}
	d, _ := agg.Dispute(disputeID)
	return *d, nil
}

func (s *Service) StartInvestigation(ctx context.Context, disputeID string) (Dispute, error) {
	agg, err := s.disputeCommand(ctx, "start_investigation", disputeID, func(a *Aggregate, now time.Time) error {
		_, err := a.investigate(disputeID, now)
		return err
	})
	if err != nil {
		return Dispute{}, err
	}
	d, _ := agg.Dispute(disputeID)
	return *d, nil
}

func (s *Service) ResolveDispute(ctx context.Context, disputeID string, outcome Outcome) (ResolutionResult, error) {
	agg, err := s.disputeCommand(ctx, "resolve_dispute", disputeID, func(a *Aggregate, now time.Time) error {
		_, err := a.resolve(disputeID, outcome, now)
		return err
	})
	if err != nil {
		return ResolutionResult{}, err
	}
	d, _ := agg.Dispute(disputeID)
	return ResolutionResult{Dispute: *d, Transaction: agg.Transaction}, nil
}

// disputeCommand locks the owning transaction so dispute and transaction
// change together.
func (s *Service) disputeCommand(ctx context.Context, operation, disputeID string, fn func(*Aggregate, time.Time) error) (Aggregate, error) {
	txID, err := s.store.TransactionIDForDispute(ctx, disputeID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Aggregate{}, err
		}
		s.logFailure(operation, disputeID, err)
		return Aggregate{}, fmt.Errorf("ledger: %s: %w", strings.ReplaceAll(operation, "_", " "), err)
	}
	return s.update(ctx, operation, txID, fn)
}

func (s *Service) transition(ctx context.Context, operation, transactionID string, fn func(*Aggregate, time.Time) error) (Transaction, error) {
	agg, err := s.update(ctx, operation, transactionID, fn)
	if err != nil {
		return Transaction{}, err
	}
	return agg.Transaction, nil
}

func (s *Service) update(ctx context.Context, operation, transactionID string, fn func(*Aggregate, time.Time) error) (Aggregate, error) {
	var (
		agg Aggregate
		err error
	)
	for attempt := 1; ; attempt++ {
		agg, err = s.store.Update(ctx, transactionID, func(a *Aggregate) error {
			if err := fn(a, s.now()); err != nil {
				return err
			}
			s.stamp(a)
			return nil
		})
		if !errors.Is(err, errTrackingTaken) || attempt == maxTrackingAttempts {
			break
		}
		s.logger.Warn("tracking number collision", "operation", operation, "outcome", "retry",
			"transaction_id", transactionID, "attempt", attempt)
	}
	if err != nil {
		if isDomainError(err) {
			s.logger.Info("command rejected", "operation", operation, "outcome", "rejected",
				"transaction_id", transactionID, "error", err.Error())
			return Aggregate{}, err
		}
		s.logFailure(operation, transactionID, err)
		return Aggregate{}, fmt.Errorf("ledger: %s: %w", strings.ReplaceAll(operation, "_", " "), err)
	}
	s.logger.Info("transition committed", "operation", operation, "outcome", "ok",
		"transaction_id", transactionID, "status", string(agg.Transaction.Status), "version", agg.Transaction.Version)
	return agg, nil
}

func (s *Service) stamp(a *Aggregate) {
	for i := range a.events {
		if a.events[i].ID == "" {
			a.events[i].ID = s.idGenerator()
		}
	}
}

func (s *Service) logFailure(operation, id string, err error) {
	s.logger.Error("store failure", "operation", operation, "outcome", "error", "id", id, "error", err.Error())
}

func isDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrDisputeAlreadyExists) ||
		errors.Is(err, ErrTransactionLocked) ||
		errors.Is(err, ErrValidation)
}
