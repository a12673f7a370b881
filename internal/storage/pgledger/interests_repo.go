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

const interestColumns = `id, buyer_id, tracking_number, note, packing_requested, created_at, updated_at`

// RegisterInterests upserts the buyer's interests. Numbers the buyer already
// registered only get their note/packing flag refreshed and do not count
// against quota. quota <= 0 disables the check.
func (s *Storage) RegisterInterests(ctx context.Context, buyerID string, items []models.InterestInput, quota int) ([]*models.BuyerInterest, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, buyerID); err != nil {
		return nil, errors.Wrap(err, "lock buyer")
	}

	if quota > 0 {
		numbers := make([]string, 0, len(items))
		for _, it := range items {
			numbers = append(numbers, it.TrackingNumber)
		}
		var total, existing int
		if err := tx.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE tracking_number = ANY($2))
FROM buyer_interests
WHERE buyer_id = $1
`, buyerID, numbers).Scan(&total, &existing); err != nil {
			return nil, errors.Wrap(err, "count interests")
		}
		if total+len(items)-existing > quota {
			return nil, errors.Wrapf(models.ErrQuotaExceeded, "buyer %s: %d registered, %d new, quota %d",
				buyerID, total, len(items)-existing, quota)
		}
	}

	now := time.Now().UTC()
	out := make([]*models.BuyerInterest, 0, len(items))
	for _, it := range items {
		row := tx.QueryRow(ctx, `
INSERT INTO buyer_interests (id, buyer_id, tracking_number, note, packing_requested, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (buyer_id, tracking_number)
DO UPDATE SET note = EXCLUDED.note, packing_requested = EXCLUDED.packing_requested, updated_at = EXCLUDED.updated_at
RETURNING `+interestColumns+`
`, pgUUID(uuid.New()), buyerID, it.TrackingNumber, it.Note, it.PackingRequested, now)
		bi, err := scanInterest(row)
		if err != nil {
			return nil, errors.Wrap(err, "upsert interest")
		}
		out = append(out, bi)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return out, nil
}

func (s *Storage) ListInterests(ctx context.Context, buyerID string) ([]*models.BuyerInterest, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+interestColumns+`
FROM buyer_interests
WHERE buyer_id = $1
ORDER BY created_at, id
`, buyerID)
	if err != nil {
		return nil, errors.Wrap(err, "select interests")
	}
	defer rows.Close()

	var out []*models.BuyerInterest
	for rows.Next() {
		bi, err := scanInterest(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan interest")
		}
		out = append(out, bi)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func scanInterest(row pgx.Row) (*models.BuyerInterest, error) {
	var bi models.BuyerInterest
	var id pgtype.UUID
	if err := row.Scan(&id, &bi.BuyerID, &bi.TrackingNumber, &bi.Note, &bi.PackingRequested, &bi.CreatedAt, &bi.UpdatedAt); err != nil {
		return nil, err
	}
	bi.ID = fromPGUUID(id)
	return &bi, nil
}
