package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/davidahmann/sponsorgate/internal/ledger"
)

const (
	StatusPending = "pending"
	StatusSent    = "sent"
)

// Publisher delivers one outbox event to the message bus.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Store is the part of ledger.Store the worker needs.
type Store interface {
	ListOutboxDue(now string, limit int) ([]ledger.OutboxRecord, error)
	PutOutbox(rec ledger.OutboxRecord) error
}

// ProcessDue publishes due pending records and marks them sent. Failed
// publishes are rescheduled with exponential backoff.
func ProcessDue(ctx context.Context, store Store, pub Publisher, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if pub == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = 50
	}

	stamp := now.UTC().Format(time.RFC3339)
	due, err := store.ListOutboxDue(stamp, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != StatusPending {
			continue
		}

		if len(rec.PayloadJSON) == 0 {
			// Nothing to deliver; close it out so it is not retried forever.
			msg := "empty payload"
			rec.LastError = &msg
			markSent(&rec, stamp)
			if err := store.PutOutbox(rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := pub.Publish(ctx, rec.Topic, rec.Key, rec.PayloadJSON); err != nil {
			rec.NextAttemptAt = now.UTC().Add(nextAttempt(rec.AttemptCount)).Format(time.RFC3339)
			rec.AttemptCount++
			msg := err.Error()
			rec.LastError = &msg
			rec.UpdatedAt = stamp
			if err := store.PutOutbox(rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		markSent(&rec, stamp)
		if err := store.PutOutbox(rec); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func markSent(rec *ledger.OutboxRecord, stamp string) {
	rec.Status = StatusSent
	sentAt := stamp
	rec.SentAt = &sentAt
	rec.UpdatedAt = stamp
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 16 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

// RunWorker polls for due records until ctx is cancelled.
func RunWorker(ctx context.Context, store Store, pub Publisher, pollInterval time.Duration, logger *slog.Logger) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ProcessDue(ctx, store, pub, now, 25); err != nil && ctx.Err() == nil {
				logger.Error("outbox pass failed",
					"event", "outbox_failed",
					"module", "outbox",
					"error", err.Error(),
				)
			}
		}
	}
}
