package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// nextStatus is the transaction transition table. Dispute opening, responses
// and investigation leave the transaction status untouched and are not listed.
func nextStatus(from Status, action Action, outcome OutcomeKind) (Status, bool) {
	switch action {
	case ActionCapture:
		if from == StatusPending {
			return StatusInEscrow, true
		}
	case ActionShip:
		if from == StatusInEscrow {
			return StatusDelivered, true
		}
	case ActionConfirm:
		if from == StatusDelivered {
			return StatusCompleted, true
		}
	case ActionResolve:
		if !from.Holding() {
			return from, false
		}
		switch outcome {
		case OutcomeFullRefund:
			return StatusRefunded, true
		case OutcomeRelease, OutcomePartialRefund:
			return StatusCompleted, true
		}
	}
	return from, false
}

// Aggregate is the unit of atomic change: one transaction together with every
// dispute ever raised against it. Stores hand a copy to the mutation callback
// and persist it only if the callback succeeds.
type Aggregate struct {
	Transaction Transaction
	Disputes    []Dispute

	changed map[string]struct{}
	events  []Event
}

// ActiveDispute returns the unresolved dispute, if any.
func (a *Aggregate) ActiveDispute() (*Dispute, bool) {
	for i := range a.Disputes {
		if a.Disputes[i].Status.Active() {
			return &a.Disputes[i], true
		}
	}
	return nil, false
}

// Dispute returns the dispute with the given id.
func (a *Aggregate) Dispute(id string) (*Dispute, bool) {
	for i := range a.Disputes {
		if a.Disputes[i].ID == id {
			return &a.Disputes[i], true
		}
	}
	return nil, false
}

// Events returns the events recorded since the aggregate was loaded.
func (a *Aggregate) Events() []Event {
	return a.events
}

// ChangedDisputes returns the disputes created or modified since load.
func (a *Aggregate) ChangedDisputes() []Dispute {
	out := make([]Dispute, 0, len(a.changed))
	for _, d := range a.Disputes {
		if _, ok := a.changed[d.ID]; ok {
			out = append(out, d)
		}
	}
	return out
}

func (a *Aggregate) touch(disputeID string) {
	if a.changed == nil {
		a.changed = make(map[string]struct{})
	}
	a.changed[disputeID] = struct{}{}
}

func (a *Aggregate) record(typ EventType, disputeID string, at time.Time, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["transaction_id"] = a.Transaction.ID
	payload["status"] = string(a.Transaction.Status)
	if disputeID != "" {
		payload["dispute_id"] = disputeID
	}
	a.events = append(a.events, Event{
		TransactionID: a.Transaction.ID,
		DisputeID:     disputeID,
		Type:          typ,
		Payload:       payload,
		OccurredAt:    at,
	})
}

func (a *Aggregate) ensureUnlocked() error {
	if d, ok := a.ActiveDispute(); ok {
		return fmt.Errorf("%w: transaction %s has %s dispute %s", ErrTransactionLocked, a.Transaction.ID, d.Status, d.ID)
	}
	return nil
}

func (a *Aggregate) capture(fee decimal.Decimal, now time.Time) error {
	next, ok := nextStatus(a.Transaction.Status, ActionCapture, "")
	if !ok {
		return transactionTransitionError(a.Transaction, ActionCapture)
	}
	if fee.IsNegative() {
		return invalid("escrow_fee", "must not be negative")
	}
	t := &a.Transaction
	t.Status = next
	t.EscrowFee = fee
	t.CapturedAt = &now
	t.UpdatedAt = now
	a.record(EventFundsCaptured, "", now, map[string]any{
		"amount":     t.Amount.StringFixed(2),
		"escrow_fee": fee.StringFixed(2),
	})
	return nil
}

func (a *Aggregate) ship(tracking string, now time.Time) error {
	next, ok := nextStatus(a.Transaction.Status, ActionShip, "")
	if !ok {
		return transactionTransitionError(a.Transaction, ActionShip)
	}
	if err := a.ensureUnlocked(); err != nil {
		return err
	}
	if a.Transaction.TrackingNumber != nil {
		return transactionTransitionError(a.Transaction, ActionShip)
	}
	if strings.TrimSpace(tracking) == "" {
		return invalid("tracking_number", "must not be blank")
	}
	t := &a.Transaction
	t.Status = next
	t.TrackingNumber = &tracking
	t.DeliveredAt = &now
	t.UpdatedAt = now
	a.record(EventTransactionShipped, "", now, map[string]any{"tracking_number": tracking})
	return nil
}

func (a *Aggregate) confirm(now time.Time) error {
	next, ok := nextStatus(a.Transaction.Status, ActionConfirm, "")
	if !ok {
		return transactionTransitionError(a.Transaction, ActionConfirm)
	}
	if err := a.ensureUnlocked(); err != nil {
		return err
	}
	t := &a.Transaction
	t.Status = next
	t.CompletedAt = &now
	t.UpdatedAt = now
	a.record(EventTransactionCompleted, "", now, map[string]any{
		"released_amount": t.Amount.StringFixed(2),
	})
	return nil
}

func (a *Aggregate) openDispute(d Dispute, now time.Time) error {
	if !a.Transaction.Status.Holding() {
		return transactionTransitionError(a.Transaction, ActionOpenDispute)
	}
	if existing, ok := a.ActiveDispute(); ok {
		return fmt.Errorf("%w: transaction %s already has dispute %s", ErrDisputeAlreadyExists, a.Transaction.ID, existing.ID)
	}
	d.TransactionID = a.Transaction.ID
	d.BuyerID = a.Transaction.BuyerID
	d.SellerID = a.Transaction.SellerID
	d.Status = DisputeOpen
	d.Resolution = nil
	d.ResolvedAt = nil
	d.CreatedAt = now
	d.UpdatedAt = now
	a.Disputes = append(a.Disputes, d)
	a.touch(d.ID)
	a.Transaction.UpdatedAt = now
	a.record(EventDisputeOpened, d.ID, now, map[string]any{
		"opened_by":   d.OpenedBy,
		"buyer_claim": d.BuyerClaim,
	})
	return nil
}

func (a *Aggregate) respond(disputeID, response string, now time.Time) (Dispute, error) {
	d, ok := a.Dispute(disputeID)
	if !ok {
		return Dispute{}, disputeNotFound(disputeID)
	}
	if !d.Status.Active() {
		return Dispute{}, disputeTransitionError(*d, ActionRespond)
	}
	if strings.TrimSpace(response) == "" {
		return Dispute{}, invalid("seller_response", "must not be blank")
	}
	d.SellerResponse = response
	d.UpdatedAt = now
	a.touch(d.ID)
	a.record(EventDisputeResponded, d.ID, now, nil)
	return *d, nil
}

func (a *Aggregate) investigate(disputeID string, now time.Time) (Dispute, error) {
	d, ok := a.Dispute(disputeID)
	if !ok {
		return Dispute{}, disputeNotFound(disputeID)
	}
	if d.Status != DisputeOpen {
		return Dispute{}, disputeTransitionError(*d, ActionInvestigate)
	}
	d.Status = DisputeInvestigating
	d.UpdatedAt = now
	a.touch(d.ID)
	a.record(EventDisputeInvestigating, d.ID, now, nil)
	return *d, nil
}

func (a *Aggregate) resolve(disputeID string, outcome Outcome, now time.Time) (ResolutionResult, error) {
	d, ok := a.Dispute(disputeID)
	if !ok {
		return ResolutionResult{}, disputeNotFound(disputeID)
	}
	if d.Status != DisputeInvestigating {
		return ResolutionResult{}, disputeTransitionError(*d, ActionResolve)
	}
	if !outcome.Kind.Valid() {
		return ResolutionResult{}, invalid("outcome", fmt.Sprintf("unknown outcome %q", outcome.Kind))
	}
	next, ok := nextStatus(a.Transaction.Status, ActionResolve, outcome.Kind)
	if !ok {
		return ResolutionResult{}, transactionTransitionError(a.Transaction, ActionResolve)
	}

	t := &a.Transaction
	refund := decimal.Zero
	switch outcome.Kind {
	case OutcomeFullRefund:
		refund = t.Amount
	case OutcomeRelease:
	case OutcomePartialRefund:
		if err := validatePartialRefund(outcome.Amount, t.Amount); err != nil {
			return ResolutionResult{}, err
		}
		refund = outcome.Amount
	}

	description := strings.TrimSpace(outcome.Description)
	if description == "" {
		description = describeOutcome(outcome.Kind, refund)
	}

	d.Status = DisputeResolved
	d.Resolution = &Resolution{Outcome: outcome.Kind, RefundAmount: refund, Description: description}
	d.ResolvedAt = &now
	d.UpdatedAt = now
	a.touch(d.ID)

	t.Status = next
	t.RefundedAmount = refund
	t.CompletedAt = &now
	t.UpdatedAt = now

	a.record(EventDisputeResolved, d.ID, now, map[string]any{
		"outcome":       string(outcome.Kind),
		"refund_amount": refund.StringFixed(2),
		"description":   description,
	})
	if next == StatusRefunded {
		a.record(EventTransactionRefunded, d.ID, now, map[string]any{"refunded_amount": refund.StringFixed(2)})
	} else {
		a.record(EventTransactionCompleted, d.ID, now, map[string]any{
			"released_amount": t.Amount.Sub(refund).StringFixed(2),
			"refunded_amount": refund.StringFixed(2),
		})
	}
	return ResolutionResult{Dispute: *d, Transaction: *t}, nil
}

func validatePartialRefund(amount, total decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid("refund_amount", "must be greater than zero")
	}
	if !amount.LessThan(total) {
		return invalid("refund_amount", fmt.Sprintf("must be less than the transaction amount %s", total.StringFixed(2)))
	}
	if !amount.Equal(amount.Round(2)) {
		return invalid("refund_amount", "must not have more than two decimal places")
	}
	return nil
}

func describeOutcome(kind OutcomeKind, refund decimal.Decimal) string {
	switch kind {
	case OutcomeFullRefund:
		return "Full refund issued to buyer"
	case OutcomeRelease:
		return "Funds released to seller"
	case OutcomePartialRefund:
		return fmt.Sprintf("Partial refund of $%s issued to buyer", refund.StringFixed(2))
	default:
		return string(kind)
	}
}

// clone deep-copies the aggregate so a failed callback never leaks into
// committed state.
func (a Aggregate) clone() Aggregate {
	out := Aggregate{Transaction: cloneTransaction(a.Transaction)}
	if len(a.Disputes) > 0 {
		out.Disputes = make([]Dispute, len(a.Disputes))
		for i, d := range a.Disputes {
			out.Disputes[i] = cloneDispute(d)
		}
	}
	return out
}

func cloneTransaction(t Transaction) Transaction {
	t.TrackingNumber = clonePtr(t.TrackingNumber)
	t.CapturedAt = clonePtr(t.CapturedAt)
	t.DeliveredAt = clonePtr(t.DeliveredAt)
	t.CompletedAt = clonePtr(t.CompletedAt)
	return t
}

func cloneDispute(d Dispute) Dispute {
	d.Resolution = clonePtr(d.Resolution)
	d.ResolvedAt = clonePtr(d.ResolvedAt)
	return d
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
