package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-process Store. Updates to one transaction are
// serialised by a per-transaction lock; readers see only committed copies.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]Transaction
	disputes     map[string]Dispute
	byTx         map[string][]string
	tracking     map[string]string
	events       []Event

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]Transaction),
		disputes:     make(map[string]Dispute),
		byTx:         make(map[string][]string),
		tracking:     make(map[string]string),
		locks:        make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *MemoryStore) CreateTransaction(ctx context.Context, t Transaction, events []Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.transactions[t.ID]; exists {
		return fmt.Errorf("ledger: transaction %s already exists", t.ID)
	}
	s.transactions[t.ID] = cloneTransaction(t)
	s.events = append(s.events, events...)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, transactionID string, fn func(*Aggregate) error) (Aggregate, error) {
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	l := s.lockFor(transactionID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	current, err := s.loadLocked(transactionID)
	s.mu.RUnlock()
	if err != nil {
		return Aggregate{}, err
	}

	work := current.clone()
	if err := fn(&work); err != nil {
		return Aggregate{}, err
	}
	if err := ctx.Err(); err != nil {
		return Aggregate{}, err
	}
	work.Transaction.Version = current.Transaction.Version + 1

	s.mu.Lock()
	if n := work.Transaction.TrackingNumber; n != nil && current.Transaction.TrackingNumber == nil {
		if owner, taken := s.tracking[*n]; taken && owner != transactionID {
			s.mu.Unlock()
			return Aggregate{}, fmt.Errorf("%w: %s", errTrackingTaken, *n)
		}
		s.tracking[*n] = transactionID
	}
	s.transactions[transactionID] = cloneTransaction(work.Transaction)
	for _, d := range work.ChangedDisputes() {
		if _, known := s.disputes[d.ID]; !known {
			s.byTx[transactionID] = append(s.byTx[transactionID], d.ID)
		}
		s.disputes[d.ID] = cloneDispute(d)
	}
	s.events = append(s.events, work.events...)
	s.mu.Unlock()

	return work, nil
}

func (s *MemoryStore) loadLocked(id string) (Aggregate, error) {
	t, ok := s.transactions[id]
	if !ok {
		return Aggregate{}, transactionNotFound(id)
	}
	agg := Aggregate{Transaction: t}
	for _, did := range s.byTx[id] {
		agg.Disputes = append(agg.Disputes, s.disputes[did])
	}
	return agg.clone(), nil
}

func (s *MemoryStore) TransactionIDForDispute(ctx context.Context, disputeID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[disputeID]
	if !ok {
		return "", disputeNotFound(disputeID)
	}
	return d.TransactionID, nil
}

func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transactions[id]
	if !ok {
		return Transaction{}, transactionNotFound(id)
	}
	return cloneTransaction(t), nil
}

func (s *MemoryStore) GetDispute(ctx context.Context, id string) (Dispute, error) {
	if err := ctx.Err(); err != nil {
		return Dispute{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[id]
	if !ok {
		return Dispute{}, disputeNotFound(id)
	}
	return cloneDispute(d), nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Transaction, 0, len(s.transactions))
	for _, t := range s.transactions {
		if filter.match(t) {
			out = append(out, cloneTransaction(t))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) ListDisputes(ctx context.Context, filter DisputeFilter) ([]Dispute, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Dispute, 0, len(s.disputes))
	for _, d := range s.disputes {
		if filter.match(d) {
			out = append(out, cloneDispute(d))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Events returns every committed event in commit order.
func (s *MemoryStore) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}
