package ledger

import "context"

// Store persists transactions and disputes. Update must run fn against the
// current aggregate while holding exclusive access to the transaction and
// commit the aggregate, its changed disputes and its recorded events as one
// unit. If fn returns an error nothing is written.
type Store interface {
	CreateTransaction(ctx context.Context, t Transaction, events []Event) error
	Update(ctx context.Context, transactionID string, fn func(*Aggregate) error) (Aggregate, error)
	TransactionIDForDispute(ctx context.Context, disputeID string) (string, error)

	GetTransaction(ctx context.Context, id string) (Transaction, error)
	GetDispute(ctx context.Context, id string) (Dispute, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error)
	ListDisputes(ctx context.Context, filter DisputeFilter) ([]Dispute, error)
}
