package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sentra-authz/sentra/internal/audit"
	jobmetrics "github.com/sentra-authz/sentra/internal/jobs"
	"github.com/sentra-authz/sentra/internal/observability"
)

// Worker wraps the Asynq server processing deferred audit appends.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *slog.Logger
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	AuditRepo   audit.Repository
	Metrics     *jobmetrics.Metrics
	Concurrency int
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.AuditRepo == nil {
		return nil, errors.New("jobs: audit repository required")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueAudit: 1,
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeAuditAppend, AuditAppendHandler(cfg.AuditRepo, cfg.Logger, cfg.Metrics))
	return &Worker{server: srv, mux: mux, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("jobs: worker not configured")
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	select {
	case <-ctx.Done():
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Client submits audit records to the queue. It implements audit.Enqueuer.
type Client struct {
	client *asynq.Client
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) (*Client, error) {
	client := asynq.NewClient(redisOpts)
	return &Client{client: client}, nil
}

// EnqueueAudit hands a record to the queue for deferred appending.
func (c *Client) EnqueueAudit(ctx context.Context, rec audit.Record) error {
	task, err := NewAuditAppendTask(rec)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	return err
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

// QueueDepthReporter periodically publishes queue depth to metrics. It runs
// until the context is cancelled.
func QueueDepthReporter(ctx context.Context, inspector *asynq.Inspector, metrics *observability.Metrics, interval time.Duration) {
	if inspector == nil || metrics == nil {
		return
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := inspector.GetQueueInfo(QueueAudit)
			if err != nil || info == nil {
				continue
			}
			metrics.SetAuditQueueDepth(info.Pending + info.Active + info.Retry)
		}
	}
}
