package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable wraps backend failures so callers can fail closed.
var ErrStoreUnavailable = errors.New("idempotency: store unavailable")

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Record is what is remembered about a request key.
type Record struct {
	RequestHash  string `json:"request_hash"`
	Status       Status `json:"status"`
	ResponseCode int    `json:"response_code,omitempty"`
	ContentType  string `json:"content_type,omitempty"`
	ResponseBody []byte `json:"response_body,omitempty"`
}

// Store reserves keys and remembers completed responses.
type Store interface {
	// Reserve stores a pending record for key unless one exists. When the key
	// is taken the existing record is returned with reserved=false.
	Reserve(ctx context.Context, key, requestHash string, ttl time.Duration) (existing Record, reserved bool, err error)
	Complete(ctx context.Context, key string, rec Record, ttl time.Duration) error
	// Release forgets a pending key so the request can be retried.
	Release(ctx context.Context, key string) error
}
