package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an escrow transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusInEscrow  Status = "in_escrow"
	StatusDelivered Status = "delivered"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
)

// Valid reports whether s is one of the known transaction states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInEscrow, StatusDelivered, StatusCompleted, StatusRefunded:
		return true
	default:
		return false
	}
}

// Holding reports whether the buyer's funds are currently held in escrow.
func (s Status) Holding() bool {
	return s == StatusInEscrow || s == StatusDelivered
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusRefunded
}

// DisputeStatus is the lifecycle state of a dispute.
type DisputeStatus string

const (
	DisputeOpen          DisputeStatus = "open"
	DisputeInvestigating DisputeStatus = "investigating"
	DisputeResolved      DisputeStatus = "resolved"
)

// Valid reports whether s is one of the known dispute states.
func (s DisputeStatus) Valid() bool {
	switch s {
	case DisputeOpen, DisputeInvestigating, DisputeResolved:
		return true
	default:
		return false
	}
}

// Active reports whether the dispute still locks its transaction.
func (s DisputeStatus) Active() bool {
	return s == DisputeOpen || s == DisputeInvestigating
}

// OutcomeKind names the admin's final disposition of a dispute.
type OutcomeKind string

const (
	OutcomeFullRefund    OutcomeKind = "full_refund"
	OutcomeRelease       OutcomeKind = "release_to_seller"
	OutcomePartialRefund OutcomeKind = "partial_refund"
)

// Valid reports whether k is a known outcome.
func (k OutcomeKind) Valid() bool {
	switch k {
	case OutcomeFullRefund, OutcomeRelease, OutcomePartialRefund:
		return true
	default:
		return false
	}
}

// Outcome is the resolution requested by an admin. Amount is only meaningful
// for partial refunds.
type Outcome struct {
	Kind        OutcomeKind
	Amount      decimal.Decimal
	Description string
}

// FullRefundToBuyer returns every held unit of currency to the buyer.
func FullRefundToBuyer() Outcome {
	return Outcome{Kind: OutcomeFullRefund}
}

// ReleaseToSeller releases the held funds to the seller.
func ReleaseToSeller() Outcome {
	return Outcome{Kind: OutcomeRelease}
}

// PartialRefund returns amount to the buyer and releases the rest.
func PartialRefund(amount decimal.Decimal) Outcome {
	return Outcome{Kind: OutcomePartialRefund, Amount: amount}
}

// Transaction is a single escrow purchase.
type Transaction struct {
	ID             string
	ProductRef     string
	BuyerID        string
	SellerID       string
	Amount         decimal.Decimal
	EscrowFee      decimal.Decimal
	RefundedAmount decimal.Decimal
	Status         Status
	TrackingNumber *string
	CreatedAt      time.Time
	CapturedAt     *time.Time
	DeliveredAt    *time.Time
	CompletedAt    *time.Time
	UpdatedAt      time.Time
	Version        int64
}

// Resolution records how a dispute was settled.
type Resolution struct {
	Outcome      OutcomeKind
	RefundAmount decimal.Decimal
	Description  string
}

// Dispute is a claim raised against exactly one transaction.
type Dispute struct {
	ID             string
	TransactionID  string
	BuyerID        string
	SellerID       string
	OpenedBy       string
	BuyerClaim     string
	SellerResponse string
	Status         DisputeStatus
	Resolution     *Resolution
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ResolvedAt     *time.Time
}

// ResolutionResult is the joint outcome of resolving a dispute.
type ResolutionResult struct {
	Dispute     Dispute
	Transaction Transaction
}

// EventType identifies a committed ledger event. It doubles as the outbox topic.
type EventType string

const (
	EventTransactionCreated   EventType = "transaction.created"
	EventFundsCaptured        EventType = "transaction.funds_captured"
	EventTransactionShipped   EventType = "transaction.shipped"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionRefunded  EventType = "transaction.refunded"
	EventDisputeOpened        EventType = "dispute.opened"
	EventDisputeResponded     EventType = "dispute.seller_responded"
	EventDisputeInvestigating EventType = "dispute.investigating"
	EventDisputeResolved      EventType = "dispute.resolved"
)

// Event is an immutable record appended alongside every committed transition.
type Event struct {
	ID            string
	TransactionID string
	DisputeID     string
	Type          EventType
	Payload       map[string]any
	OccurredAt    time.Time
}

// TransactionFilter narrows transaction listings. Empty fields match everything.
type TransactionFilter struct {
	BuyerID  string
	SellerID string
	Status   Status
}

func (f TransactionFilter) match(t Transaction) bool {
	if f.BuyerID != "" && t.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && t.SellerID != f.SellerID {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	return true
}

// DisputeFilter narrows dispute listings. Empty fields match everything.
type DisputeFilter struct {
	BuyerID       string
	SellerID      string
	TransactionID string
	Status        DisputeStatus
}

func (f DisputeFilter) match(d Dispute) bool {
	if f.BuyerID != "" && d.BuyerID != f.BuyerID {
		return false
	}
	if f.SellerID != "" && d.SellerID != f.SellerID {
		return false
	}
	if f.TransactionID != "" && d.TransactionID != f.TransactionID {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	return true
}

// Summary aggregates the dashboard counters.
type Summary struct {
	TotalTransactions int
	Completed         int
	ActiveDisputes    int
	FeeRevenue        decimal.Decimal
	FundsHeld         decimal.Decimal
}
