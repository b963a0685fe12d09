package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/sentra-authz/sentra/internal/audit"
	jobmetrics "github.com/sentra-authz/sentra/internal/jobs"
)

const (
	// QueueAudit is the queue carrying deferred audit appends.
	QueueAudit = "audit"
	// TaskTypeAuditAppend is the task type for best-effort audit records.
	TaskTypeAuditAppend = "audit:append"
)

// NewAuditAppendTask wraps a record for queue transport. The record already
// carries its id and timestamp; sequence and hash are assigned at append.
func NewAuditAppendTask(rec audit.Record) (*asynq.Task, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("jobs: marshal audit record: %w", err)
	}
	return asynq.NewTask(TaskTypeAuditAppend, data, asynq.Queue(QueueAudit), asynq.MaxRetry(10)), nil
}

// AuditAppendHandler drains queued records into the durable repository.
func AuditAppendHandler(repo audit.Repository, logger *slog.Logger, metrics *jobmetrics.Metrics) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		tracker := metrics.Track("audit_append")
		var rec audit.Record
		if err := json.Unmarshal(t.Payload(), &rec); err != nil {
			// A malformed payload never becomes valid on retry.
			logger.Error("audit append payload malformed", slog.Any("error", err))
			_ = tracker.End(err)
			return asynq.SkipRetry
		}
		if _, err := repo.Append(ctx, rec); err != nil {
			logger.Warn("audit append failed, will retry",
				slog.Int64("subject_id", rec.SubjectID),
				slog.Any("error", err))
			return tracker.End(err)
		}
		return tracker.End(nil)
	}
}
