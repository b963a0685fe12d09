package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Repository persists audit records. Append assigns the sequence number and
// chain hash atomically per subject; nothing updates or deletes.
type Repository interface {
	Append(ctx context.Context, rec Record) (Record, error)
	List(ctx context.Context, filters Filters) (Result, error)
}

// Enqueuer hands a record to the background queue for deferred appending.
type Enqueuer interface {
	EnqueueAudit(ctx context.Context, rec Record) error
}

// Emitter routes records to the repository, either synchronously (the
// decision blocks on durability) or through the queue. Allow decisions on
// ordinary resources take the queued path; denials and decisions on
// resources classified access_logging_required always block.
type Emitter struct {
	repo   Repository
	queue  Enqueuer
	logger *slog.Logger
	clock  func() time.Time
}

// NewEmitter constructs an Emitter. queue may be nil, which forces every
// record onto the synchronous path.
func NewEmitter(repo Repository, queue Enqueuer, logger *slog.Logger, clock func() time.Time) *Emitter {
	if clock == nil {
		clock = time.Now
	}
	return &Emitter{repo: repo, queue: queue, logger: logger, clock: clock}
}

// Emit appends the record. With durable set the call returns only after the
// repository confirms the write. Otherwise the record is queued; if queueing
// fails it falls back to a direct append so the trail stays complete.
func (e *Emitter) Emit(ctx context.Context, rec Record, durable bool) error {
	if e == nil || e.repo == nil {
		return errors.New("audit: emitter not configured")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.At.IsZero() {
		rec.At = e.clock()
	}
	if rec.Kind == "" {
		return errors.New("audit: record kind required")
	}

	if durable || e.queue == nil {
		if _, err := e.repo.Append(ctx, rec); err != nil {
			return fmt.Errorf("audit: append: %w", err)
		}
		return nil
	}

	if err := e.queue.EnqueueAudit(ctx, rec); err != nil {
		if e.logger != nil {
			e.logger.Warn("audit enqueue failed, appending inline", slog.Any("error", err))
		}
		if _, err := e.repo.Append(ctx, rec); err != nil {
			return fmt.Errorf("audit: fallback append: %w", err)
		}
	}
	return nil
}

// List exposes the trail for the audit query endpoint.
func (e *Emitter) List(ctx context.Context, filters Filters) (Result, error) {
	if e == nil || e.repo == nil {
		return Result{}, errors.New("audit: emitter not configured")
	}
	if filters.PageSize <= 0 {
		filters.PageSize = 20
	}
	if filters.PageSize > 100 {
		filters.PageSize = 100
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	return e.repo.List(ctx, filters)
}
