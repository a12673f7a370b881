package pgledger

import (
	"context"
	"fmt"

	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/pkg/errors"
)

const trackingMatchSQL = `(
  reverse(upper(%[1]s)) LIKE reverse(upper(%[2]s)) || '%%'
  OR (length(%[1]s) = 32 AND reverse(upper(left(%[1]s, 28))) LIKE reverse(upper(%[2]s)) || '%%')
)`

// trackingMatch renders the suffix rule of trackno.Matches as SQL. Both sides
// are stored normalized, so they never contain LIKE metacharacters.
func trackingMatch(canonical, query string) string {
	return fmt.Sprintf(trackingMatchSQL, canonical, query)
}

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS shipments (
  id UUID PRIMARY KEY,
  seller_id TEXT NULL,
  tracking_number TEXT NOT NULL,
  seller_note TEXT NOT NULL DEFAULT '',
  import_batch_ids TEXT[] NOT NULL DEFAULT '{}',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_shipments_seller_tracking UNIQUE NULLS NOT DISTINCT (seller_id, tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_rev_tracking ON shipments ((reverse(upper(tracking_number))) text_pattern_ops)`,
		`
CREATE TABLE IF NOT EXISTS shipment_states (
  shipment_id UUID NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  seq INT NOT NULL,
  state TEXT NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  import_batch_id TEXT NOT NULL,
  PRIMARY KEY (shipment_id, seq),
  CONSTRAINT uq_shipment_states_dedup UNIQUE (shipment_id, state, updated_at)
)`,
		`
CREATE TABLE IF NOT EXISTS state_powers (
  state TEXT PRIMARY KEY,
  power INT NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS buyer_interests (
  id UUID PRIMARY KEY,
  buyer_id TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  note TEXT NOT NULL DEFAULT '',
  packing_requested BOOLEAN NOT NULL DEFAULT false,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  CONSTRAINT uq_buyer_interests UNIQUE (buyer_id, tracking_number)
)`,
		`
CREATE TABLE IF NOT EXISTS upload_jobs (
  id UUID PRIMARY KEY,
  file_id TEXT NOT NULL,
  file_name TEXT NOT NULL DEFAULT '',
  totals JSONB NOT NULL DEFAULT '[]',
  job_state TEXT NOT NULL CHECK (job_state IN ('pending', 'running', 'finished', 'error')),
  target_state TEXT NOT NULL,
  seller_id TEXT NOT NULL DEFAULT '',
  error TEXT NULL,
  lease_until TIMESTAMPTZ NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`ALTER TABLE upload_jobs ADD COLUMN IF NOT EXISTS lease_until TIMESTAMPTZ NULL`,
		`CREATE INDEX IF NOT EXISTS idx_upload_jobs_state_created ON upload_jobs(job_state, created_at)`,
		fmt.Sprintf(`
CREATE MATERIALIZED VIEW IF NOT EXISTS active_states AS
WITH entries AS (
  SELECT upper(s.tracking_number) AS tracking_key,
         s.tracking_number,
         st.state,
         st.updated_at,
         st.seq,
         COALESCE(p.power, 0) AS power
  FROM shipments s
  JOIN shipment_states st ON st.shipment_id = s.id
  LEFT JOIN state_powers p ON p.state = st.state
),
ranked AS (
  SELECT e.*,
         ROW_NUMBER() OVER (
           PARTITION BY e.tracking_key
           ORDER BY e.updated_at DESC, e.power DESC, e.seq DESC
         ) AS rn
  FROM entries e
),
milestones AS (
  SELECT tracking_key,
         MAX(updated_at) FILTER (WHERE state = '%s') AS received_at_origin_at,
         MAX(updated_at) FILTER (WHERE state = '%s') AS in_transit_at,
         MAX(updated_at) FILTER (WHERE state = '%s') AS arrived_at_destination_at
  FROM entries
  GROUP BY tracking_key
)
SELECT r.tracking_key, r.tracking_number, r.state, r.power, r.updated_at,
       m.received_at_origin_at, m.in_transit_at, m.arrived_at_destination_at
FROM ranked r
JOIN milestones m ON m.tracking_key = r.tracking_key
WHERE r.rn = 1
`, models.StateReceivedAtUSWarehouse, models.StateInTransit, models.StateArrivedAtDestination),
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_active_states_key ON active_states(tracking_key)`,
		`CREATE INDEX IF NOT EXISTS idx_active_states_rev_key ON active_states ((reverse(tracking_key)) text_pattern_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_active_states_power ON active_states(power, updated_at DESC)`,
		`
CREATE MATERIALIZED VIEW IF NOT EXISTS interest_links AS
SELECT bi.id AS interest_id, bi.buyer_id, s.id AS shipment_id, s.tracking_number
FROM buyer_interests bi
JOIN shipments s ON ` + trackingMatch("s.tracking_number", "bi.tracking_number") + `
WHERE length(bi.tracking_number) > 0
`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_interest_links ON interest_links(interest_id, shipment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interest_links_shipment ON interest_links(shipment_id)`,
		`CREATE INDEX IF NOT EXISTS idx_interest_links_buyer ON interest_links(buyer_id)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}

	for state, power := range models.States() {
		_, err := s.db.Exec(ctx, `
INSERT INTO state_powers (state, power) VALUES ($1, $2)
ON CONFLICT (state) DO UPDATE SET power = EXCLUDED.power
`, state, power)
		if err != nil {
			return errors.Wrap(err, "seed state powers")
		}
	}
	return nil
}
