package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RelayOptions tunes the relay loop. Zero values fall back to defaults.
type RelayOptions struct {
	Interval    time.Duration
	BatchSize   int
	ClaimTTL    time.Duration
	MaxAttempts int
}

// Relay moves committed ledger events from the outbox table to a Publisher.
type Relay struct {
	logger    *slog.Logger
	repo      Repository
	publisher Publisher
	opts      RelayOptions
	now       func() time.Time
}

// BatchResult counts what one relay pass did.
type BatchResult struct {
	Claimed      int
	Published    int
	Failed       int
	DeadLettered int
}

func NewRelay(logger *slog.Logger, repo Repository, publisher Publisher, opts RelayOptions) *Relay {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.ClaimTTL <= 0 {
		opts.ClaimTTL = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &Relay{
		logger:    logger,
		repo:      repo,
		publisher: publisher,
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run executes the periodic relay loop until context cancellation.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := r.ProcessOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.ErrorContext(ctx, "outbox iteration failed",
				"module", "outbox.relay",
				"operation", "process_once",
				"outcome", "failure",
				"error", err,
			)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ProcessOnce claims one batch and publishes it.
func (r *Relay) ProcessOnce(ctx context.Context) (BatchResult, error) {
	claimToken := uuid.NewString()
	msgs, err := r.repo.ClaimPending(ctx, r.opts.BatchSize, claimToken, r.now().Add(r.opts.ClaimTTL))
	if err != nil {
		return BatchResult{}, err
	}

	res := BatchResult{Claimed: len(msgs)}
	for _, m := range msgs {
		now := r.now()
		if m.Attempts >= r.opts.MaxAttempts {
			res.DeadLettered++
			r.settle(ctx, m, r.repo.MarkDead(ctx, m.ID, claimToken, "retry threshold reached before publish", now))
			continue
		}

		if err := r.publisher.Publish(ctx, m.Topic, m.Key, m.Payload); err != nil {
			res.Failed++
			if m.Attempts+1 >= r.opts.MaxAttempts {
				res.DeadLettered++
				r.logger.ErrorContext(ctx, "outbox message dead-lettered",
					"module", "outbox.relay",
					"operation", "publish_event",
					"outcome", "failure",
					"outbox_id", m.ID,
					"topic", m.Topic,
					"attempts", m.Attempts+1,
					"error", err,
				)
				r.settle(ctx, m, r.repo.MarkDead(ctx, m.ID, claimToken, err.Error(), now))
				continue
			}
			r.logger.WarnContext(ctx, "outbox publish failed; retry scheduled",
				"module", "outbox.relay",
				"operation", "publish_event",
				"outcome", "failure",
				"outbox_id", m.ID,
				"topic", m.Topic,
				"attempts", m.Attempts+1,
				"error", err,
			)
			r.settle(ctx, m, r.repo.MarkFailed(ctx, m.ID, claimToken, err.Error(), now))
			continue
		}
		res.Published++
		r.settle(ctx, m, r.repo.MarkProcessed(ctx, m.ID, claimToken, now))
	}

	if res.Claimed > 0 {
		r.logger.InfoContext(ctx, "outbox batch processed",
			"module", "outbox.relay",
			"operation", "process_once",
			"outcome", "success",
			"batch_size", res.Claimed,
			"published_count", res.Published,
			"failed_count", res.Failed,
			"dead_lettered_count", res.DeadLettered,
		)
	}
	return res, nil
}

func (r *Relay) settle(ctx context.Context, m Message, err error) {
	if err != nil {
		r.logger.WarnContext(ctx, "outbox settle failed",
			"module", "outbox.relay",
			"operation", "settle",
			"outcome", "failure",
			"outbox_id", m.ID,
			"error", err,
		)
	}
}
