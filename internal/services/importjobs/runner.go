package importjobs

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/integrations/filestore"
	"github.com/BearBump/TrackLedger/internal/logger"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/ingest"
	"github.com/BearBump/TrackLedger/internal/services/reconcile"
	"github.com/BearBump/TrackLedger/internal/storage/pgledger"
	"github.com/BearBump/TrackLedger/internal/trackno"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type Repository interface {
	ClaimNextPendingJob(ctx context.Context, lease time.Duration) (*models.UploadJob, error)
	ExtendJobLease(ctx context.Context, id uuid.UUID, lease time.Duration) error
	FinishJob(ctx context.Context, id uuid.UUID, totals []models.DateTotal) error
	FailJob(ctx context.Context, id uuid.UUID, message string) error
	GetUploadJob(ctx context.Context, id uuid.UUID) (*models.UploadJob, error)
	ResetJob(ctx context.Context, id uuid.UUID) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, batch models.Batch) (reconcile.Result, error)
	ReconcileStream(ctx context.Context, batchID, sellerID string, src reconcile.Source) (reconcile.Result, error)
}

type Queue interface {
	Enqueue(ctx context.Context, kind, key string, payload any) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Runner struct {
	repo    Repository
	files   filestore.Store
	engine  Reconciler
	queue   Queue
	rl      RateLimiter
	metrics *metrics.Metrics
	log     *slog.Logger

	tickInterval   time.Duration
	fetchTimeout   time.Duration
	recordTimeout  time.Duration
	lease          time.Duration
	chunkRecords   int
	spoolDir       string
	linesPerMinute int64
	now            func() time.Time

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastTickUnixNano    atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalFinished       atomic.Int64
	totalFailed         atomic.Int64
	totalLines          atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, files filestore.Store, engine Reconciler, queue Queue, rl RateLimiter, m *metrics.Metrics) *Runner {
	return &Runner{
		repo: repo, files: files, engine: engine, queue: queue, rl: rl, metrics: m,
		log:               logger.WithComponent("import-runner"),
		tickInterval:      30 * time.Second,
		fetchTimeout:      2 * time.Minute,
		recordTimeout:     10 * time.Second,
		lease:             pgledger.DefaultJobLease,
		chunkRecords:      5000,
		linesPerMinute:    60,
		now:               time.Now,
		triggerCh:         make(chan struct{}, 1),
		startedAtUnixNano: time.Now().UTC().UnixNano(),
	}
}

func (r *Runner) WithSettings(tickInterval, fetchTimeout time.Duration, linesPerMinute int64) *Runner {
	if tickInterval > 0 {
		r.tickInterval = tickInterval
	}
	if fetchTimeout > 0 {
		r.fetchTimeout = fetchTimeout
	}
	if linesPerMinute > 0 {
		r.linesPerMinute = linesPerMinute
	}
	return r
}

// WithJobs sets the lease held on a running job, how many parsed rows are
// handed to the engine at once and where downloads are spooled ("" is the OS
// temp dir).
func (r *Runner) WithJobs(lease time.Duration, chunkRecords int, spoolDir string) *Runner {
	if lease > 0 {
		r.lease = lease
	}
	if chunkRecords > 0 {
		r.chunkRecords = chunkRecords
	}
	r.spoolDir = spoolDir
	return r
}

// Trigger asks for an immediate tick (best-effort, non-blocking).
func (r *Runner) Trigger() {
	r.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case r.triggerCh <- struct{}{}:
	default:
	}
}

// Tick claims the oldest pending upload and processes it. It returns nil, nil
// when another job is running or nothing is pending. A job that fails to
// process is returned in the error state with a nil error; the error result is
// reserved for failures to claim or record a job.
func (r *Runner) Tick(ctx context.Context) (*models.UploadJob, error) {
	r.lastTickUnixNano.Store(time.Now().UTC().UnixNano())

	job, err := r.repo.ClaimNextPendingJob(ctx, r.lease)
	if err != nil {
		r.setLastError(err)
		return nil, errors.Wrap(err, "claim upload job")
	}
	if job == nil {
		r.log.Debug("no upload job to start")
		return nil, nil
	}
	r.totalClaimed.Add(1)
	r.log.Info("upload job started", "job_id", job.ID, "file_id", job.FileID, "target_state", job.TargetState)

	stopLease := r.holdLease(ctx, job.ID)
	totals, procErr := r.process(ctx, job)
	stopLease()

	// The outcome is written even when ctx was cancelled mid-job.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.recordTimeout)
	defer cancel()

	if procErr == nil {
		if err := r.repo.FinishJob(recCtx, job.ID, totals); err != nil {
			procErr = errors.Wrap(err, "finish job")
		}
	}

	if procErr != nil {
		r.totalFailed.Add(1)
		r.setLastError(procErr)
		r.recordJob(models.JobError)
		r.log.Error("upload job failed", "job_id", job.ID, "error", procErr.Error())

		msg := procErr.Error()
		job.State = models.JobError
		job.Error = &msg
		if err := r.repo.FailJob(recCtx, job.ID, msg); err != nil {
			r.enqueueTick(recCtx)
			return job, errors.Wrap(err, "record job failure")
		}
		r.enqueueTick(recCtx)
		return job, nil
	}

	r.totalFinished.Add(1)
	r.recordJob(models.JobFinished)
	job.State = models.JobFinished
	job.Totals = totals
	if err := r.files.Delete(recCtx, job.FileID); err != nil {
		r.log.Warn("delete consumed upload", "job_id", job.ID, "file_id", job.FileID, "error", err.Error())
	}
	r.log.Info("upload job finished", "job_id", job.ID, "dates", len(totals))
	r.enqueueTick(recCtx)
	return job, nil
}

// holdLease keeps extending the job lease until the returned func is called.
func (r *Runner) holdLease(ctx context.Context, id uuid.UUID) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(r.lease / 3)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := r.repo.ExtendJobLease(ctx, id, r.lease); err != nil && ctx.Err() == nil {
					r.log.Warn("extend job lease", "job_id", id, "error", err.Error())
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) process(ctx context.Context, job *models.UploadJob) ([]models.DateTotal, error) {
	if !models.IsKnownState(job.TargetState) {
		return nil, errors.Wrapf(models.ErrUnknownState, "target state %q", job.TargetState)
	}

	spool, err := r.fetch(ctx, job)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	var sum ingest.Summary
	res, err := r.engine.ReconcileStream(ctx, job.ID.String(), job.SellerID, func(emit func([]models.BatchRecord) error) error {
		chunk := make([]models.BatchRecord, 0, r.chunkRecords)
		var emitErr error
		flush := func() error {
			if len(chunk) == 0 {
				return nil
			}
			emitErr = emit(chunk)
			chunk = chunk[:0]
			return emitErr
		}

		var err error
		sum, err = ingest.ParseCSV(spool, ingest.Options{TargetState: job.TargetState, Now: r.now().UTC()},
			func(rec models.BatchRecord) error {
				chunk = append(chunk, rec)
				if len(chunk) < r.chunkRecords {
					return nil
				}
				return flush()
			})
		if emitErr != nil {
			return emitErr
		}
		if err != nil {
			return errors.Wrap(err, "parse upload")
		}
		return flush()
	})
	if err != nil {
		return nil, err
	}
	r.log.Debug("upload reconciled", "job_id", job.ID, "rows", sum.Rows, "unparsed", sum.Dropped, "dropped", res.Dropped)
	return res.Totals, nil
}

// fetch copies the upload into a local spool file, so the batch transaction
// reads from disk and never waits on the file store.
func (r *Runner) fetch(ctx context.Context, job *models.UploadJob) (*os.File, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	body, err := r.files.Get(fetchCtx, job.FileID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch upload")
	}
	defer body.Close()

	f, err := os.CreateTemp(r.spoolDir, "upload-*.csv")
	if err != nil {
		return nil, errors.Wrap(err, "create spool file")
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(f.Name())
	}
	if _, err := io.Copy(f, body); err != nil {
		discard()
		return nil, errors.Wrap(err, "fetch upload")
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		discard()
		return nil, errors.Wrap(err, "rewind spool file")
	}
	return f, nil
}

func (r *Runner) enqueueTick(ctx context.Context) {
	if r.queue == nil {
		r.Trigger()
		return
	}
	if err := r.queue.Enqueue(ctx, messages.KindUploadTick, "", nil); err != nil {
		r.log.Warn("enqueue next tick", "error", err.Error())
		r.Trigger()
	}
}

// ReconcileLine reconciles one spreadsheet row as its own batch.
func (r *Runner) ReconcileLine(ctx context.Context, line messages.LineReconcile) (reconcile.Result, error) {
	line, err := r.validateLine(line)
	if err != nil {
		return reconcile.Result{}, err
	}
	r.totalLines.Add(1)
	return r.engine.Reconcile(ctx, models.Batch{
		ID:       uuid.NewString(),
		SellerID: line.SellerID,
		Records: []models.BatchRecord{{
			TrackingNumber: line.TrackingNumber,
			At:             line.At,
			State:          line.State,
			SellerNote:     line.SellerNote,
		}},
	})
}

// EnqueueLine schedules ReconcileLine through the job queue. Each seller may
// enqueue a limited number of lines per minute.
func (r *Runner) EnqueueLine(ctx context.Context, line messages.LineReconcile) error {
	line, err := r.validateLine(line)
	if err != nil {
		return err
	}
	if r.rl != nil && r.linesPerMinute > 0 {
		allowed, n, err := r.rl.Allow(ctx, "rl:line:"+line.SellerID, r.linesPerMinute, time.Minute)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.Wrapf(models.ErrRateLimited, "seller %q: %d lines this minute", line.SellerID, n)
		}
	}
	if r.queue == nil {
		return errors.New("job queue is not configured")
	}
	return r.queue.Enqueue(ctx, messages.KindLineReconcile, line.SellerID, line)
}

// ReconcilePasted reconciles a pasted list of tracking numbers that all moved
// to state at the same moment.
func (r *Runner) ReconcilePasted(ctx context.Context, sellerID, text, state string, at time.Time) (reconcile.Result, error) {
	if !models.IsKnownState(state) {
		return reconcile.Result{}, errors.Wrapf(models.ErrUnknownState, "state %q", state)
	}
	if at.IsZero() {
		at = r.now().UTC()
	}
	records := ingest.ParsePasted(text, state, at)
	if len(records) == 0 {
		return reconcile.Result{}, models.ErrEmptyBatch
	}
	return r.engine.Reconcile(ctx, models.Batch{ID: uuid.NewString(), SellerID: sellerID, Records: records})
}

func (r *Runner) validateLine(line messages.LineReconcile) (messages.LineReconcile, error) {
	if trackno.Normalize(line.TrackingNumber) == "" {
		return line, errors.Wrap(models.ErrInvalidInput, "tracking_number is required")
	}
	if !models.IsKnownState(line.State) {
		return line, errors.Wrapf(models.ErrUnknownState, "state %q", line.State)
	}
	if line.At.IsZero() {
		line.At = r.now().UTC()
	}
	return line, nil
}

// RetryJob puts an errored job back in the queue and wakes the runner.
func (r *Runner) RetryJob(ctx context.Context, id uuid.UUID) error {
	if err := r.repo.ResetJob(ctx, id); err != nil {
		return err
	}
	r.log.Info("upload job reset for retry", "job_id", id)
	r.enqueueTick(ctx)
	return nil
}

func (r *Runner) GetJob(ctx context.Context, id uuid.UUID) (*models.UploadJob, error) {
	return r.repo.GetUploadJob(ctx, id)
}

func (r *Runner) Run(ctx context.Context) error {
	t := time.NewTicker(r.tickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			r.runOnce(ctx)
		case <-r.triggerCh:
			r.runOnce(ctx)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) {
	if _, err := r.Tick(ctx); err != nil {
		r.log.Error("runner tick", "error", err.Error())
	}
}

type Stats struct {
	StartedAt     time.Time  `json:"startedAt"`
	LastTickAt    *time.Time `json:"lastTickAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed  int64      `json:"totalClaimed"`
	TotalFinished int64      `json:"totalFinished"`
	TotalFailed   int64      `json:"totalFailed"`
	TotalLines    int64      `json:"totalLines"`
	LastError     string     `json:"lastError,omitempty"`
}

func (r *Runner) Stats() Stats {
	st := Stats{
		StartedAt:     time.Unix(0, r.startedAtUnixNano).UTC(),
		TotalClaimed:  r.totalClaimed.Load(),
		TotalFinished: r.totalFinished.Load(),
		TotalFailed:   r.totalFailed.Load(),
		TotalLines:    r.totalLines.Load(),
	}
	if n := r.lastTickUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTickAt = &t
	}
	if n := r.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	r.lastErrorMu.Lock()
	st.LastError = r.lastError
	r.lastErrorMu.Unlock()
	return st
}

func (r *Runner) setLastError(err error) {
	r.lastErrorMu.Lock()
	r.lastError = err.Error()
	r.lastErrorMu.Unlock()
}

func (r *Runner) recordJob(state models.JobState) {
	if r.metrics != nil {
		r.metrics.JobsTotal.WithLabelValues(string(state)).Inc()
	}
}
