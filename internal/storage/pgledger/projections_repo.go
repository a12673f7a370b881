package pgledger

import (
	"context"

	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/pkg/errors"
)

// RefreshProjections rebuilds both read views. CONCURRENTLY builds the new
// snapshot next to the old one and swaps it in, so readers keep the previous
// snapshot and ledger writers are not blocked.
func (s *Storage) RefreshProjections(ctx context.Context) error {
	for _, view := range []string{"active_states", "interest_links"} {
		if _, err := s.db.Exec(ctx, `REFRESH MATERIALIZED VIEW CONCURRENTLY `+view); err != nil {
			return errors.Wrapf(err, "refresh %s", view)
		}
	}
	return nil
}

// FindActiveStates returns the projection rows any of queries can refer to.
// Callers still apply trackno.Matches to pair rows with queries.
func (s *Storage) FindActiveStates(ctx context.Context, queries []string) ([]models.ActiveState, error) {
	if len(queries) == 0 {
		return []models.ActiveState{}, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT a.tracking_number, a.state, a.power, a.updated_at,
       a.received_at_origin_at, a.in_transit_at, a.arrived_at_destination_at
FROM active_states a
WHERE EXISTS (
  SELECT 1 FROM unnest($1::text[]) AS q(num)
  WHERE `+trackingMatch("a.tracking_key", "q.num")+`
)
ORDER BY a.power DESC, a.updated_at DESC
`, queries)
	if err != nil {
		return nil, errors.Wrap(err, "select active states")
	}
	defer rows.Close()

	var out []models.ActiveState
	for rows.Next() {
		var a models.ActiveState
		if err := rows.Scan(&a.TrackingNumber, &a.State, &a.Power, &a.UpdatedAt,
			&a.ReceivedAtOriginAt, &a.InTransitAt, &a.ArrivedAtDestinationAt); err != nil {
			return nil, errors.Wrap(err, "scan active state")
		}
		out = append(out, a)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// BuyersForShipments reads the link projection for the given shipments.
func (s *Storage) BuyersForShipments(ctx context.Context, shipmentIDs []uuid.UUID) ([]models.InterestLink, error) {
	if len(shipmentIDs) == 0 {
		return []models.InterestLink{}, nil
	}
	rows, err := s.db.Query(ctx, `
SELECT interest_id, buyer_id, shipment_id, tracking_number
FROM interest_links
WHERE shipment_id = ANY($1)
ORDER BY buyer_id, tracking_number
`, pgUUIDs(shipmentIDs))
	if err != nil {
		return nil, errors.Wrap(err, "select interest links")
	}
	defer rows.Close()

	var out []models.InterestLink
	for rows.Next() {
		var l models.InterestLink
		var interestID, shipmentID pgtype.UUID
		if err := rows.Scan(&interestID, &l.BuyerID, &shipmentID, &l.TrackingNumber); err != nil {
			return nil, errors.Wrap(err, "scan interest link")
		}
		l.InterestID = fromPGUUID(interestID)
		l.ShipmentID = fromPGUUID(shipmentID)
		out = append(out, l)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
