package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"escrowflow/ledger"
	"escrowflow/outbox"
)

// Registry is the shared pool of transaction and dispute ids actors race over.
type Registry struct {
	mu           sync.Mutex
	transactions []string
	disputes     []string
}

func (r *Registry) addTransaction(id string) {
	r.mu.Lock()
	r.transactions = append(r.transactions, id)
	r.mu.Unlock()
}

func (r *Registry) addDispute(id string) {
	r.mu.Lock()
	r.disputes = append(r.disputes, id)
	r.mu.Unlock()
}

func pick(rng *rand.Rand, mu *sync.Mutex, ids *[]string) (string, bool) {
	mu.Lock()
	defer mu.Unlock()
	if len(*ids) == 0 {
		return "", false
	}
	// bias towards recent ids so races concentrate on live transactions
	n := len(*ids)
	window := min(n, 16)
	return (*ids)[n-1-rng.IntN(window)], true
}

func (r *Registry) Transaction(rng *rand.Rand) (string, bool) {
	return pick(rng, &r.mu, &r.transactions)
}

func (r *Registry) Dispute(rng *rand.Rand) (string, bool) {
	return pick(rng, &r.mu, &r.disputes)
}

// Stats counts outcomes across all actors.
type Stats struct {
	Committed     atomic.Int64
	Rejected      atomic.Int64
	StoreFailures atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("committed=%d rejected=%d store_failures=%d",
		s.Committed.Load(), s.Rejected.Load(), s.StoreFailures.Load())
}

// observe classifies a command result. Domain rejections are expected under
// contention and store failures are expected under chaos; a validation error
// means an actor issued a malformed command and fails the run.
func (s *Stats) observe(op string, err error) error {
	switch {
	case err == nil:
		s.Committed.Add(1)
	case errors.Is(err, ledger.ErrValidation):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrDisputeAlreadyExists),
		errors.Is(err, ledger.ErrTransactionLocked),
		errors.Is(err, ledger.ErrNotFound):
		s.Rejected.Add(1)
	default:
		s.StoreFailures.Add(1)
	}
	return nil
}

func loop(ctx context.Context, stop <-chan struct{}, rng *rand.Rand, minSleep, jitter int, step func() error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if err := step(); err != nil {
			return err
		}
		time.Sleep(time.Duration(minSleep+rng.IntN(jitter)) * time.Millisecond)
	}
}

// Buyer creates and funds transactions between the seeded parties.
func Buyer(ctx context.Context, svc *ledger.Service, reg *Registry, stats *Stats, rng *rand.Rand, buyerID, sellerID string, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 20, 30, func() error {
		amount := decimal.New(int64(100+rng.IntN(50000)), -2)
		tx, err := svc.CreateTransaction(ctx, ledger.CreateTransactionParams{
			BuyerID:    buyerID,
			SellerID:   sellerID,
			ProductRef: "stress",
			Amount:     amount,
		})
		if err := stats.observe("create", err); err != nil || tx.ID == "" {
			return err
		}
		reg.addTransaction(tx.ID)
		_, err = svc.CaptureFunds(ctx, tx.ID)
		return stats.observe("capture", err)
	})
}

// Shipper races MarkShipped over recent transactions.
func Shipper(ctx context.Context, svc *ledger.Service, reg *Registry, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 5, 20, func() error {
		id, ok := reg.Transaction(rng)
		if !ok {
			return nil
		}
		_, err := svc.MarkShipped(ctx, id)
		return stats.observe("ship", err)
	})
}

// Confirmer races ConfirmReceipt against shippers and disputers.
func Confirmer(ctx context.Context, svc *ledger.Service, reg *Registry, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 10, 30, func() error {
		id, ok := reg.Transaction(rng)
		if !ok {
			return nil
		}
		_, err := svc.ConfirmReceipt(ctx, id)
		return stats.observe("confirm", err)
	})
}

// Disputer opens disputes on recent transactions.
func Disputer(ctx context.Context, svc *ledger.Service, reg *Registry, stats *Stats, rng *rand.Rand, buyerID string, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 10, 40, func() error {
		id, ok := reg.Transaction(rng)
		if !ok {
			return nil
		}
		d, err := svc.OpenDispute(ctx, ledger.OpenDisputeParams{
			TransactionID: id,
			OpenedBy:      buyerID,
			BuyerClaim:    "item not as described",
		})
		if err := stats.observe("open_dispute", err); err != nil {
			return err
		}
		if d.ID != "" {
			reg.addDispute(d.ID)
		}
		return nil
	})
}

// Arbiter responds to, investigates and resolves disputes with a random outcome.
func Arbiter(ctx context.Context, svc *ledger.Service, reg *Registry, stats *Stats, rng *rand.Rand, stop <-chan struct{}) error {
	return loop(ctx, stop, rng, 10, 30, func() error {
		id, ok := reg.Dispute(rng)
		if !ok {
			return nil
		}
		switch rng.IntN(3) {
		case 0:
			_, err := svc.RespondToDispute(ctx, id, "shipped as listed")
			return stats.observe("respond", err)
		case 1:
			_, err := svc.StartInvestigation(ctx, id)
			return stats.observe("investigate", err)
		}

		d, err := svc.GetDispute(ctx, id)
		if err != nil {
			return stats.observe("get_dispute", err)
		}
		tx, err := svc.GetTransaction(ctx, d.TransactionID)
		if err != nil {
			return stats.observe("get_transaction", err)
		}
		var outcome ledger.Outcome
		switch rng.IntN(3) {
		case 0:
			outcome = ledger.FullRefundToBuyer()
		case 1:
			outcome = ledger.ReleaseToSeller()
		default:
			half := tx.Amount.Div(decimal.NewFromInt(2)).Round(2)
			if !half.IsPositive() {
				half = decimal.New(1, -2)
			}
			outcome = ledger.PartialRefund(half)
		}
		_, err = svc.ResolveDispute(ctx, id, outcome)
		return stats.observe("resolve", err)
	})
}

// flakyPublisher drops a share of publishes to exercise retry and dead-lettering.
type flakyPublisher struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func (p *flakyPublisher) Publish(ctx context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	fail := p.rng.IntN(10) == 0
	p.mu.Unlock()
	if fail {
		return fmt.Errorf("broker unavailable for %s", topic)
	}
	return nil
}

// Relay drains the outbox through a publisher that fails one call in ten.
func Relay(ctx context.Context, repo outbox.Repository, rng *rand.Rand, stop <-chan struct{}) error {
	relay := outbox.NewRelay(nil, repo, &flakyPublisher{rng: rng}, outbox.RelayOptions{
		BatchSize:   25,
		ClaimTTL:    5 * time.Second,
		MaxAttempts: 3,
	})
	return loop(ctx, stop, rng, 50, 100, func() error {
		// claim errors surface when chaos kills the backend; the next pass retries
		_, _ = relay.ProcessOnce(ctx)
		return nil
	})
}
