package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/reconcile"
	"github.com/pkg/errors"
)

type Consumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error
}

type Runner interface {
	Tick(ctx context.Context) (*models.UploadJob, error)
	ReconcileLine(ctx context.Context, line messages.LineReconcile) (reconcile.Result, error)
}

type Requeuer interface {
	Retry(ctx context.Context, key string, job messages.Job) (bool, error)
}

// Dispatcher routes queue jobs to the import runner. A failed job is
// republished with its attempt counter advanced until it runs out of retries.
type Dispatcher struct {
	consumer Consumer
	runner   Runner
	queue    Requeuer
	backoff  *Backoff
	metrics  *metrics.Metrics
	log      *slog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(consumer Consumer, runner Runner, queue Requeuer, backoff *Backoff, m *metrics.Metrics) *Dispatcher {
	if backoff == nil {
		backoff = NewBackoff(DefaultBackoffConfig(), nil)
	}
	return &Dispatcher{
		consumer: consumer,
		runner:   runner,
		queue:    queue,
		backoff:  backoff,
		metrics:  m,
		log:      logger.WithComponent("dispatcher"),
		sleep:    sleepCtx,
	}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	return d.consumer.Consume(ctx, d.Handle)
}

// Handle processes one queue message. It returns an error only when the
// message must not be committed.
func (d *Dispatcher) Handle(ctx context.Context, key, value []byte) error {
	var job messages.Job
	if err := json.Unmarshal(value, &job); err != nil {
		d.log.Warn("drop undecodable job", "error", err.Error())
		d.record("unknown", "dropped")
		return nil
	}

	err := d.route(ctx, job)
	if err == nil {
		d.record(job.Kind, "ok")
		return nil
	}
	if permanent(err) {
		d.log.Warn("drop invalid job", "kind", job.Kind, "job_id", job.ID, "error", err.Error())
		d.record(job.Kind, "dropped")
		return nil
	}

	d.log.Warn("job failed", "kind", job.Kind, "job_id", job.ID, "attempt", job.Attempt, "error", err.Error())
	if err := d.sleep(ctx, d.backoff.Delay(job.Attempt+1)); err != nil {
		return err
	}
	retried, rerr := d.queue.Retry(ctx, string(key), job)
	if rerr != nil {
		return errors.Wrap(rerr, "requeue job")
	}
	if !retried {
		d.log.Error("job out of retries", "kind", job.Kind, "job_id", job.ID, "max_retries", job.MaxRetries, "error", err.Error())
		d.record(job.Kind, "exhausted")
		return nil
	}
	d.record(job.Kind, "retried")
	return nil
}

var errUnknownKind = errors.New("unknown job kind")

func (d *Dispatcher) route(ctx context.Context, job messages.Job) error {
	switch job.Kind {
	case messages.KindUploadTick:
		_, err := d.runner.Tick(ctx)
		return err
	case messages.KindLineReconcile:
		var line messages.LineReconcile
		if err := json.Unmarshal(job.Payload, &line); err != nil {
			return errors.Wrap(models.ErrInvalidInput, err.Error())
		}
		_, err := d.runner.ReconcileLine(ctx, line)
		return err
	default:
		return errors.Wrap(errUnknownKind, job.Kind)
	}
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrInvalidInput) ||
		errors.Is(err, models.ErrUnknownState) ||
		errors.Is(err, errUnknownKind)
}

func (d *Dispatcher) record(kind, status string) {
	if d.metrics != nil {
		d.metrics.DispatchedTotal.WithLabelValues(kind, status).Inc()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
