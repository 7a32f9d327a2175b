package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown transaction or dispute identifiers.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidTransition is returned when an operation is not legal from the current state.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrDisputeAlreadyExists is returned when a transaction already has an unresolved dispute.
	ErrDisputeAlreadyExists = errors.New("ledger: dispute already exists")
	// ErrTransactionLocked is returned for buyer/seller transitions while a dispute is unresolved.
	ErrTransactionLocked = errors.New("ledger: transaction locked by dispute")
	// ErrValidation is returned for malformed amounts, outcomes or identifiers.
	ErrValidation = errors.New("ledger: validation failed")

	// errTrackingTaken is returned by stores when a generated tracking number
	// is already assigned; the service draws a new one and retries.
	errTrackingTaken = errors.New("ledger: tracking number already assigned")
)

// Action names a command applied to a transaction or dispute.
type Action string

const (
	ActionCapture     Action = "capture funds"
	ActionShip        Action = "mark shipped"
	ActionConfirm     Action = "confirm receipt"
	ActionOpenDispute Action = "open dispute"
	ActionRespond     Action = "respond to dispute"
	ActionInvestigate Action = "start investigation"
	ActionResolve     Action = "resolve dispute"
)

// TransitionError describes an operation attempted from a state that does not allow it.
type TransitionError struct {
	Entity string
	ID     string
	State  string
	Action Action
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: cannot %s: %s %s is %s", e.Action, e.Entity, e.ID, e.State)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ledger: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

func transactionTransitionError(t Transaction, action Action) error {
	return &TransitionError{Entity: "transaction", ID: t.ID, State: string(t.Status), Action: action}
}

func disputeTransitionError(d Dispute, action Action) error {
	return &TransitionError{Entity: "dispute", ID: d.ID, State: string(d.Status), Action: action}
}

func transactionNotFound(id string) error {
	return fmt.Errorf("%w: transaction %s", ErrNotFound, id)
}

func disputeNotFound(id string) error {
	return fmt.Errorf("%w: dispute %s", ErrNotFound, id)
}
