package pgledger

import (
	"context"
	"time"

	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
)

// uploadJobsLockKey guards the "nothing running → claim one" step.
const uploadJobsLockKey int64 = 0x75706c6f6164

const jobColumns = `id, file_id, file_name, totals, job_state, target_state, seller_id, error, created_at, updated_at`

func (s *Storage) CreateUploadJob(ctx context.Context, in models.UploadJobInput) (*models.UploadJob, error) {
	now := time.Now().UTC()
	job := &models.UploadJob{
		ID:          uuid.New(),
		FileID:      in.FileID,
		FileName:    in.FileName,
		Totals:      []models.DateTotal{},
		State:       models.JobPending,
		TargetState: in.TargetState,
		SellerID:    in.SellerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.Exec(ctx, `
INSERT INTO upload_jobs (id, file_id, file_name, totals, job_state, target_state, seller_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
`, pgUUID(job.ID), job.FileID, job.FileName, job.Totals, string(job.State), job.TargetState, job.SellerID, now)
	if err != nil {
		return nil, errors.Wrap(err, "insert upload job")
	}
	return job, nil
}

func (s *Storage) GetUploadJob(ctx context.Context, id uuid.UUID) (*models.UploadJob, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM upload_jobs WHERE id = $1`, pgUUID(id))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select upload job")
	}
	return job, nil
}

// DefaultJobLease is how long a claimed job may stay running without its
// lease being extended.
const DefaultJobLease = 10 * time.Minute

// ClaimNextPendingJob marks the oldest pending job running and returns it.
// It returns nil when another job is already running or nothing is pending.
// The check and the claim happen under one advisory transaction lock, so two
// runner processes cannot both start a job.
//
// A running job whose lease has expired belonged to a runner that died or lost
// the database mid-job. It is put back to pending first and can be claimed
// again by the same call.
func (s *Storage) ClaimNextPendingJob(ctx context.Context, lease time.Duration) (*models.UploadJob, error) {
	if lease <= 0 {
		lease = DefaultJobLease
	}
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, uploadJobsLockKey); err != nil {
		return nil, errors.Wrap(err, "lock upload jobs")
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
UPDATE upload_jobs SET job_state = $2, lease_until = NULL, updated_at = $3
WHERE job_state = $1 AND (lease_until IS NULL OR lease_until < $3)
`, string(models.JobRunning), string(models.JobPending), now); err != nil {
		return nil, errors.Wrap(err, "requeue expired jobs")
	}

	var running bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM upload_jobs WHERE job_state = $1)`,
		string(models.JobRunning)).Scan(&running); err != nil {
		return nil, errors.Wrap(err, "check running job")
	}
	if running {
		return nil, tx.Commit(ctx)
	}

	row := tx.QueryRow(ctx, `
SELECT `+jobColumns+`
FROM upload_jobs
WHERE job_state = $1
ORDER BY created_at ASC, id ASC
LIMIT 1
FOR UPDATE SKIP LOCKED
`, string(models.JobPending))
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.Commit(ctx); err != nil {
			return nil, errors.Wrap(err, "commit tx")
		}
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select pending job")
	}

	if _, err := tx.Exec(ctx, `
UPDATE upload_jobs SET job_state = $2, error = NULL, lease_until = $4, updated_at = $3 WHERE id = $1
`, pgUUID(job.ID), string(models.JobRunning), now, now.Add(lease)); err != nil {
		return nil, errors.Wrap(err, "mark job running")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	job.State = models.JobRunning
	job.Error = nil
	job.UpdatedAt = now
	return job, nil
}

// ExtendJobLease moves the lease of a running job to now+lease.
func (s *Storage) ExtendJobLease(ctx context.Context, id uuid.UUID, lease time.Duration) error {
	if lease <= 0 {
		lease = DefaultJobLease
	}
	tag, err := s.db.Exec(ctx, `
UPDATE upload_jobs SET lease_until = $3 WHERE id = $1 AND job_state = $2
`, pgUUID(id), string(models.JobRunning), time.Now().UTC().Add(lease))
	if err != nil {
		return errors.Wrap(err, "extend job lease")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (s *Storage) FinishJob(ctx context.Context, id uuid.UUID, totals []models.DateTotal) error {
	if totals == nil {
		totals = []models.DateTotal{}
	}
	tag, err := s.db.Exec(ctx, `
UPDATE upload_jobs SET job_state = $2, totals = $3, error = NULL, lease_until = NULL, updated_at = now()
WHERE id = $1 AND job_state = $4
`, pgUUID(id), string(models.JobFinished), totals, string(models.JobRunning))
	if err != nil {
		return errors.Wrap(err, "mark job finished")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func (s *Storage) FailJob(ctx context.Context, id uuid.UUID, message string) error {
	tag, err := s.db.Exec(ctx, `
UPDATE upload_jobs SET job_state = $2, error = $3, lease_until = NULL, updated_at = now()
WHERE id = $1
`, pgUUID(id), string(models.JobError), message)
	if err != nil {
		return errors.Wrap(err, "mark job error")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

// ResetJob puts an errored job back to pending so the next tick retries it
// from scratch. The source file is still in storage because failed jobs keep it.
func (s *Storage) ResetJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.db.Exec(ctx, `
UPDATE upload_jobs SET job_state = $2, error = NULL, totals = '[]', updated_at = now()
WHERE id = $1 AND job_state = $3
`, pgUUID(id), string(models.JobPending), string(models.JobError))
	if err != nil {
		return errors.Wrap(err, "reset job")
	}
	if tag.RowsAffected() == 0 {
		return models.ErrJobNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*models.UploadJob, error) {
	var j models.UploadJob
	var id pgtype.UUID
	var state string
	if err := row.Scan(
		&id, &j.FileID, &j.FileName, &j.Totals, &state,
		&j.TargetState, &j.SellerID, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	); err != nil {
		return nil, err
	}
	j.ID = fromPGUUID(id)
	j.State = models.JobState(state)
	return &j, nil
}
