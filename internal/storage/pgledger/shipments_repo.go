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

// TrailAppend adds entries to the trail of an existing shipment. FirstSeq is the
// position of Entries[0]; positions are contiguous and start at 1.
type TrailAppend struct {
	ShipmentID uuid.UUID
	FirstSeq   int
	Entries    []models.StateEntry
	BatchID    string
	SellerNote string
	UpdatedAt  time.Time
}

// Tx is the write side of one reconciliation batch. Everything done through
// it commits or rolls back together.
type Tx interface {
	FindShipmentsBySuffix(ctx context.Context, sellerID *string, numbers []string) ([]*models.Shipment, error)
	CreateShipments(ctx context.Context, items []*models.Shipment) error
	AppendStates(ctx context.Context, items []TrailAppend) error
}

type ledgerTx struct {
	tx         pgx.Tx
	chunkSize  int
	chunks     int
	afterChunk func(chunk int) error
}

// InTx runs fn inside a single transaction. Chunked writes issued through the
// Tx stay invisible to other readers until fn returns nil and the commit lands.
func (s *Storage) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	lt := &ledgerTx{tx: tx, chunkSize: s.chunkSize, afterChunk: s.afterChunk}
	if err := fn(ctx, lt); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "commit tx")
	}
	return nil
}

// FindShipmentsBySuffix returns the seller's shipments whose tracking number
// ends with any of numbers, with full trails, locked for the rest of the tx.
func (t *ledgerTx) FindShipmentsBySuffix(ctx context.Context, sellerID *string, numbers []string) ([]*models.Shipment, error) {
	if len(numbers) == 0 {
		return []*models.Shipment{}, nil
	}

	rows, err := t.tx.Query(ctx, `
SELECT s.id, s.seller_id, s.tracking_number, s.seller_note, s.import_batch_ids, s.created_at, s.updated_at
FROM shipments s
WHERE s.seller_id IS NOT DISTINCT FROM $1
  AND EXISTS (
    SELECT 1 FROM unnest($2::text[]) AS q(num)
    WHERE `+trackingMatch("s.tracking_number", "q.num")+`
  )
ORDER BY s.created_at, s.id
FOR UPDATE
`, sellerID, numbers)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments by suffix")
	}
	out, err := scanShipments(rows)
	if err != nil {
		return nil, err
	}
	if err := loadTrails(ctx, t.tx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *ledgerTx) CreateShipments(ctx context.Context, items []*models.Shipment) error {
	for start := 0; start < len(items); start += t.chunkSize {
		end := min(start+t.chunkSize, len(items))
		chunk := items[start:end]

		shipmentRows := make([][]any, 0, len(chunk))
		var stateRows [][]any
		for _, sh := range chunk {
			shipmentRows = append(shipmentRows, []any{
				pgUUID(sh.ID), sh.SellerID, sh.TrackingNumber, sh.SellerNote,
				sh.ImportBatchIDs, sh.CreatedAt.UTC(), sh.UpdatedAt.UTC(),
			})
			stateRows = append(stateRows, trailRows(sh.ID, 1, sh.StateTrail)...)
		}

		if _, err := t.tx.CopyFrom(ctx, pgx.Identifier{"shipments"},
			[]string{"id", "seller_id", "tracking_number", "seller_note", "import_batch_ids", "created_at", "updated_at"},
			pgx.CopyFromRows(shipmentRows)); err != nil {
			return errors.Wrap(err, "copy shipments")
		}
		if err := t.copyStates(ctx, stateRows); err != nil {
			return err
		}
		if err := t.chunkDone(); err != nil {
			return err
		}
	}
	return nil
}

func (t *ledgerTx) AppendStates(ctx context.Context, items []TrailAppend) error {
	for start := 0; start < len(items); start += t.chunkSize {
		end := min(start+t.chunkSize, len(items))
		chunk := items[start:end]

		b := &pgx.Batch{}
		var stateRows [][]any
		for _, it := range chunk {
			b.Queue(`
UPDATE shipments
SET
  import_batch_ids = CASE WHEN $2::text = ANY(import_batch_ids) THEN import_batch_ids ELSE array_append(import_batch_ids, $2) END,
  seller_note = CASE WHEN $3::text <> '' THEN $3::text ELSE seller_note END,
  updated_at = $4
WHERE id = $1
`, pgUUID(it.ShipmentID), it.BatchID, it.SellerNote, it.UpdatedAt.UTC())
			stateRows = append(stateRows, trailRows(it.ShipmentID, it.FirstSeq, it.Entries)...)
		}

		br := t.tx.SendBatch(ctx, b)
		for range chunk {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return errors.Wrap(err, "update shipment")
			}
		}
		if err := br.Close(); err != nil {
			return errors.Wrap(err, "close batch")
		}

		if err := t.copyStates(ctx, stateRows); err != nil {
			return err
		}
		if err := t.chunkDone(); err != nil {
			return err
		}
	}
	return nil
}

func (t *ledgerTx) copyStates(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	_, err := t.tx.CopyFrom(ctx, pgx.Identifier{"shipment_states"},
		[]string{"shipment_id", "seq", "state", "updated_at", "import_batch_id"},
		pgx.CopyFromRows(rows))
	return errors.Wrap(err, "copy shipment states")
}

func (t *ledgerTx) chunkDone() error {
	t.chunks++
	if t.afterChunk != nil {
		return t.afterChunk(t.chunks)
	}
	return nil
}

func trailRows(id uuid.UUID, firstSeq int, entries []models.StateEntry) [][]any {
	out := make([][]any, 0, len(entries))
	for i, e := range entries {
		out = append(out, []any{pgUUID(id), int32(firstSeq + i), e.State, e.UpdatedAt.UTC(), e.ImportBatchID})
	}
	return out
}

// GetShipment returns one shipment with its full trail, or nil when absent.
func (s *Storage) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, seller_id, tracking_number, seller_note, import_batch_ids, created_at, updated_at
FROM shipments
WHERE id = $1
`, pgUUID(id))
	if err != nil {
		return nil, errors.Wrap(err, "select shipment")
	}
	out, err := scanShipments(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := loadTrails(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out[0], nil
}

// ListShipmentsByTracking returns every shipment whose normalized number equals
// trackingNumber, case-insensitively.
func (s *Storage) ListShipmentsByTracking(ctx context.Context, trackingNumber string) ([]*models.Shipment, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, seller_id, tracking_number, seller_note, import_batch_ids, created_at, updated_at
FROM shipments
WHERE upper(tracking_number) = upper($1)
ORDER BY created_at, id
`, trackingNumber)
	if err != nil {
		return nil, errors.Wrap(err, "select shipments")
	}
	out, err := scanShipments(rows)
	if err != nil {
		return nil, err
	}
	if err := loadTrails(ctx, s.db, out); err != nil {
		return nil, err
	}
	return out, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func scanShipments(rows pgx.Rows) ([]*models.Shipment, error) {
	defer rows.Close()

	var out []*models.Shipment
	for rows.Next() {
		var sh models.Shipment
		var id pgtype.UUID
		var sellerID *string
		if err := rows.Scan(
			&id, &sellerID, &sh.TrackingNumber, &sh.SellerNote,
			&sh.ImportBatchIDs, &sh.CreatedAt, &sh.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan shipment")
		}
		sh.ID = fromPGUUID(id)
		sh.SellerID = sellerID
		out = append(out, &sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func loadTrails(ctx context.Context, q querier, shipments []*models.Shipment) error {
	if len(shipments) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Shipment, len(shipments))
	ids := make([]uuid.UUID, 0, len(shipments))
	for _, sh := range shipments {
		byID[sh.ID] = sh
		ids = append(ids, sh.ID)
	}

	rows, err := q.Query(ctx, `
SELECT shipment_id, state, updated_at, import_batch_id
FROM shipment_states
WHERE shipment_id = ANY($1)
ORDER BY shipment_id, seq
`, pgUUIDs(ids))
	if err != nil {
		return errors.Wrap(err, "select shipment states")
	}
	defer rows.Close()

	for rows.Next() {
		var id pgtype.UUID
		var e models.StateEntry
		if err := rows.Scan(&id, &e.State, &e.UpdatedAt, &e.ImportBatchID); err != nil {
			return errors.Wrap(err, "scan shipment state")
		}
		if sh, ok := byID[fromPGUUID(id)]; ok {
			sh.StateTrail = append(sh.StateTrail, e)
		}
	}
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}
	return nil
}
