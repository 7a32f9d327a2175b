package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

func (s *Service) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	t, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return Transaction{}, s.wrapQuery("get transaction", err)
	}
	return t, nil
}

func (s *Service) GetDispute(ctx context.Context, id string) (Dispute, error) {
	d, err := s.store.GetDispute(ctx, id)
	if err != nil {
		return Dispute{}, s.wrapQuery("get dispute", err)
	}
	return d, nil
}

// ListTransactions returns matching transactions, newest first.
func (s *Service) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown transaction status %q", filter.Status))
	}
	items, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, s.wrapQuery("list transactions", err)
	}
	return items, nil
}

// ListDisputes returns matching disputes, newest first.
func (s *Service) ListDisputes(ctx context.Context, filter DisputeFilter) ([]Dispute, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", fmt.Sprintf("unknown dispute status %q", filter.Status))
	}
	items, err := s.store.ListDisputes(ctx, filter)
	if err != nil {
		return nil, s.wrapQuery("list disputes", err)
	}
	return items, nil
}

// Summary computes the dashboard counters for the transactions matching
// filter and the disputes raised against them.
func (s *Service) Summary(ctx context.Context, filter TransactionFilter) (Summary, error) {
	txs, err := s.ListTransactions(ctx, filter)
	if err != nil {
		return Summary{}, err
	}
	disputes, err := s.ListDisputes(ctx, DisputeFilter{BuyerID: filter.BuyerID, SellerID: filter.SellerID})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(txs, disputes), nil
}

// Summarize folds transactions and disputes into dashboard counters. Only
// disputes raised against one of txs are counted, so every counter describes
// the same filtered set of transactions.
func Summarize(txs []Transaction, disputes []Dispute) Summary {
	sum := Summary{FeeRevenue: decimal.Zero, FundsHeld: decimal.Zero}
	visible := make(map[string]struct{}, len(txs))
	for _, t := range txs {
		visible[t.ID] = struct{}{}
		sum.TotalTransactions++
		if t.Status == StatusCompleted {
			sum.Completed++
		}
		sum.FeeRevenue = sum.FeeRevenue.Add(t.EscrowFee)
		if t.Status.Holding() {
			sum.FundsHeld = sum.FundsHeld.Add(t.Amount)
		}
	}
	for _, d := range disputes {
		if _, ok := visible[d.TransactionID]; ok && d.Status.Active() {
			sum.ActiveDisputes++
		}
	}
	return sum
}

func (s *Service) wrapQuery(operation string, err error) error {
	if errors.Is(err, ErrNotFound) {
		return err
	}
	s.logger.Error("store failure", "operation", operation, "outcome", "error", "error", err.Error())
	return fmt.Errorf("ledger: %s: %w", operation, err)
}
