package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/integrations/notify"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/ingest"
	"github.com/BearBump/TrackLedger/internal/storage/pgledger"
	"github.com/BearBump/TrackLedger/internal/trackno"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const defaultMinTrackingLength = 5

type Ledger interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx pgledger.Tx) error) error
	BuyersForShipments(ctx context.Context, shipmentIDs []uuid.UUID) ([]models.InterestLink, error)
}

type Refresher interface {
	Refresh(ctx context.Context) error
}

type Settings struct {
	MasterSellerID    string
	MinTrackingLength int
}

// Result summarizes one reconciled batch. Totals counts the records that
// passed validation, per event date.
type Result struct {
	BatchID string             `json:"batchId"`
	Created int                `json:"created"`
	Updated int                `json:"updated"`
	Dropped int                `json:"dropped"`
	Changed []uuid.UUID        `json:"changed"`
	Totals  []models.DateTotal `json:"totals"`
}

type Engine struct {
	ledger    Ledger
	projector Refresher
	notifier  notify.Notifier
	metrics   *metrics.Metrics
	log       *slog.Logger
	cfg       Settings
	now       func() time.Time
}

func New(ledger Ledger, projector Refresher, notifier notify.Notifier, m *metrics.Metrics, log *slog.Logger, cfg Settings) *Engine {
	if cfg.MinTrackingLength <= 0 {
		cfg.MinTrackingLength = defaultMinTrackingLength
	}
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ledger:    ledger,
		projector: projector,
		notifier:  notifier,
		metrics:   m,
		log:       log,
		cfg:       cfg,
		now:       time.Now,
	}
}

// group is every kept record of one tracking number within a chunk, in batch
// order.
type group struct {
	number  string
	state   string
	note    string
	entries []models.StateEntry
}

// touched is an existing shipment that matched at least one group.
type touched struct {
	sh       *models.Shipment
	appended []models.StateEntry
	note     string
}

// batchRun is what a batch carries from one chunk to the next. Trails are not
// kept here: later chunks reload them inside the same transaction.
type batchRun struct {
	id     string
	seller *string
	now    time.Time

	states  map[string]string // normalization key -> state of its first occurrence
	written map[uuid.UUID]*writtenShipment
	order   []uuid.UUID
	valid   int
	dropped int
	totals  *ingest.Totals
}

type writtenShipment struct {
	number  string
	before  string
	after   models.StateEntry
	created bool
}

// Source hands a batch to the engine chunk by chunk. It calls emit once per
// chunk and may reuse the slice after emit returns.
type Source func(emit func(records []models.BatchRecord) error) error

// Reconcile merges batch into the ledger. The whole write happens in one
// transaction; projections are refreshed before it returns and buyers of
// shipments whose derived state changed are notified.
func (e *Engine) Reconcile(ctx context.Context, batch models.Batch) (Result, error) {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	valid := 0
	for _, r := range batch.Records {
		if e.keeps(r) {
			valid++
		}
	}
	if valid == 0 {
		dropped := len(batch.Records)
		e.recordDropped(dropped)
		e.log.Info("batch has no valid records", "batch_id", batch.ID, "dropped", dropped)
		e.recordBatch("empty")
		return Result{BatchID: batch.ID, Dropped: dropped, Changed: []uuid.UUID{}, Totals: []models.DateTotal{}}, nil
	}
	return e.ReconcileStream(ctx, batch.ID, batch.SellerID, func(emit func([]models.BatchRecord) error) error {
		return emit(batch.Records)
	})
}

// ReconcileStream is Reconcile for batches too large to hold in memory. src is
// drained inside the batch transaction, so it must not block on the network.
func (e *Engine) ReconcileStream(ctx context.Context, batchID, sellerID string, src Source) (Result, error) {
	if batchID == "" {
		batchID = uuid.NewString()
	}
	run := &batchRun{
		id:      batchID,
		seller:  e.sellerRef(sellerID),
		now:     e.now().UTC(),
		states:  map[string]string{},
		written: map[uuid.UUID]*writtenShipment{},
		totals:  ingest.NewTotals(),
	}

	err := e.ledger.InTx(ctx, func(ctx context.Context, tx pgledger.Tx) error {
		return src(func(records []models.BatchRecord) error {
			return e.applyChunk(ctx, tx, run, records)
		})
	})
	e.recordDropped(run.dropped)
	if err != nil {
		e.recordBatch("error")
		return Result{BatchID: batchID, Changed: []uuid.UUID{}, Totals: []models.DateTotal{}}, errors.Wrap(err, "reconcile batch")
	}

	res := Result{BatchID: batchID, Dropped: run.dropped, Changed: []uuid.UUID{}, Totals: run.totals.List()}
	if run.valid == 0 {
		e.log.Info("batch has no valid records", "batch_id", batchID, "dropped", run.dropped)
		e.recordBatch("empty")
		return res, nil
	}

	var changed []changedShipment
	for _, id := range run.order {
		w := run.written[id]
		if w.created {
			res.Created++
		} else {
			res.Updated++
		}
		if w.created || w.after.State != w.before {
			res.Changed = append(res.Changed, id)
			changed = append(changed, changedShipment{id: id, number: w.number, state: w.after})
		}
	}
	e.recordBatch("ok")
	e.recordResult(res)
	e.log.Info("batch reconciled",
		"batch_id", batchID, "created", res.Created, "updated", res.Updated,
		"changed", len(res.Changed), "dropped", res.Dropped)

	if e.projector != nil {
		if err := e.projector.Refresh(ctx); err != nil {
			return res, errors.Wrap(err, "refresh projections")
		}
	}
	e.notify(ctx, batchID, changed)
	return res, nil
}

func (e *Engine) applyChunk(ctx context.Context, tx pgledger.Tx, run *batchRun, records []models.BatchRecord) error {
	groups := e.prepare(run, records)
	if len(groups) == 0 {
		return nil
	}

	numbers := make([]string, 0, len(groups))
	for _, g := range groups {
		numbers = append(numbers, g.number)
	}
	existing, err := tx.FindShipmentsBySuffix(ctx, run.seller, numbers)
	if err != nil {
		return err
	}

	var (
		creates []*models.Shipment
		order   []uuid.UUID
		hits    = map[uuid.UUID]*touched{}
	)
	for _, g := range groups {
		matched := false
		for _, sh := range existing {
			if !trackno.Matches(sh.TrackingNumber, g.number) {
				continue
			}
			matched = true
			t, ok := hits[sh.ID]
			if !ok {
				t = &touched{sh: sh}
				hits[sh.ID] = t
				order = append(order, sh.ID)
			}
			for _, en := range g.entries {
				if sh.HasEntry(en.State, en.UpdatedAt) || containsEntry(t.appended, en) {
					continue
				}
				t.appended = append(t.appended, en)
			}
			if g.note != "" {
				t.note = g.note
			}
		}
		if matched {
			continue
		}
		creates = append(creates, &models.Shipment{
			ID:             uuid.New(),
			SellerID:       run.seller,
			TrackingNumber: g.number,
			SellerNote:     g.note,
			StateTrail:     g.entries,
			ImportBatchIDs: []string{run.id},
			CreatedAt:      run.now,
			UpdatedAt:      run.now,
		})
	}

	var (
		appends []pgledger.TrailAppend
		updated []*models.Shipment
		before  []string
	)
	for _, id := range order {
		t := hits[id]
		noteChanged := t.note != "" && t.note != t.sh.SellerNote
		if len(t.appended) == 0 && !noteChanged {
			continue
		}
		prev, _ := t.sh.DerivedState()
		appends = append(appends, pgledger.TrailAppend{
			ShipmentID: id,
			FirstSeq:   len(t.sh.StateTrail) + 1,
			Entries:    t.appended,
			BatchID:    run.id,
			SellerNote: t.note,
			UpdatedAt:  run.now,
		})

		t.sh.StateTrail = append(t.sh.StateTrail, t.appended...)
		if !t.sh.HasBatch(run.id) {
			t.sh.ImportBatchIDs = append(t.sh.ImportBatchIDs, run.id)
		}
		if noteChanged {
			t.sh.SellerNote = t.note
		}
		t.sh.UpdatedAt = run.now
		updated = append(updated, t.sh)
		before = append(before, prev.State)
	}

	if err := tx.CreateShipments(ctx, creates); err != nil {
		return err
	}
	if err := tx.AppendStates(ctx, appends); err != nil {
		return err
	}

	for i, sh := range updated {
		run.record(sh, before[i], false)
	}
	for _, sh := range creates {
		run.record(sh, "", true)
	}
	return nil
}

// record notes a shipment written by the batch. The derived state it had
// before the batch is kept from the first chunk that touched it.
func (r *batchRun) record(sh *models.Shipment, before string, created bool) {
	w, ok := r.written[sh.ID]
	if !ok {
		w = &writtenShipment{number: sh.TrackingNumber, before: before, created: created}
		r.written[sh.ID] = w
		r.order = append(r.order, sh.ID)
	}
	w.after, _ = sh.DerivedState()
}

func (e *Engine) keeps(r models.BatchRecord) bool {
	return len(trackno.Normalize(r.TrackingNumber)) >= e.cfg.MinTrackingLength && models.IsKnownState(r.State)
}

// prepare normalizes a chunk and applies the intra-batch rule: the first
// occurrence of a tracking number fixes its state. Later occurrences are kept
// only when they report that same state at a new timestamp. Records that pass
// the filter are counted in the per-date totals.
func (e *Engine) prepare(run *batchRun, records []models.BatchRecord) []*group {
	var out []*group
	byKey := map[string]*group{}

	for _, r := range records {
		if !e.keeps(r) {
			run.dropped++
			continue
		}
		n := trackno.Normalize(r.TrackingNumber)
		at := r.At
		if at.IsZero() {
			at = run.now
		}
		at = ingest.FixPlaceholderYear(at.UTC(), run.now).Truncate(time.Microsecond)
		run.valid++
		run.totals.Add(at)
		entry := models.StateEntry{State: r.State, UpdatedAt: at, ImportBatchID: run.id}

		k := trackno.Key(n)
		first, seen := run.states[k]
		if !seen {
			run.states[k] = r.State
			first = r.State
		}
		g, ok := byKey[k]
		if r.State != first || (ok && containsEntry(g.entries, entry)) {
			e.log.Debug("duplicate record discarded", "batch_id", run.id, "tracking_number", n)
			continue
		}
		if !ok {
			g = &group{number: n, state: r.State, note: r.SellerNote}
			byKey[k] = g
			out = append(out, g)
		}
		g.entries = append(g.entries, entry)
	}
	return out
}

func (e *Engine) sellerRef(sellerID string) *string {
	if sellerID == "" || sellerID == e.cfg.MasterSellerID {
		return nil
	}
	return &sellerID
}

type changedShipment struct {
	id     uuid.UUID
	number string
	state  models.StateEntry
}

func (e *Engine) notify(ctx context.Context, batchID string, changed []changedShipment) {
	if e.notifier == nil || len(changed) == 0 {
		return
	}
	byID := make(map[uuid.UUID]changedShipment, len(changed))
	ids := make([]uuid.UUID, 0, len(changed))
	for _, c := range changed {
		byID[c.id] = c
		ids = append(ids, c.id)
	}

	links, err := e.ledger.BuyersForShipments(ctx, ids)
	if err != nil {
		e.log.Error("load interest links", "batch_id", batchID, "error", err.Error())
		return
	}

	var buyers []string
	perBuyer := map[string][]messages.ChangedLink{}
	for _, l := range links {
		c, ok := byID[l.ShipmentID]
		if !ok {
			continue
		}
		if _, seen := perBuyer[l.BuyerID]; !seen {
			buyers = append(buyers, l.BuyerID)
		}
		perBuyer[l.BuyerID] = appendUnique(perBuyer[l.BuyerID], messages.ChangedLink{
			ShipmentID:     c.id,
			TrackingNumber: c.number,
			State:          c.state.State,
			UpdatedAt:      c.state.UpdatedAt,
		})
	}

	sentAt := e.now().UTC()
	for _, b := range buyers {
		msg := messages.ShipmentsChanged{BuyerID: b, Shipments: perBuyer[b], BatchID: batchID, SentAt: sentAt}
		if err := e.notifier.NotifyShipmentsChanged(ctx, msg); err != nil {
			e.log.Warn("notify buyer", "buyer_id", b, "batch_id", batchID, "error", err.Error())
		}
	}
}

func appendUnique(links []messages.ChangedLink, l messages.ChangedLink) []messages.ChangedLink {
	for _, x := range links {
		if x.ShipmentID == l.ShipmentID {
			return links
		}
	}
	return append(links, l)
}

func containsEntry(entries []models.StateEntry, en models.StateEntry) bool {
	for _, x := range entries {
		if x.State == en.State && x.UpdatedAt.Equal(en.UpdatedAt) {
			return true
		}
	}
	return false
}

func (e *Engine) recordBatch(outcome string) {
	if e.metrics != nil {
		e.metrics.BatchesTotal.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) recordDropped(n int) {
	if e.metrics != nil && n > 0 {
		e.metrics.RecordsDropped.Add(float64(n))
	}
}

func (e *Engine) recordResult(r Result) {
	if e.metrics == nil {
		return
	}
	e.metrics.ShipmentsCreated.Add(float64(r.Created))
	e.metrics.ShipmentsUpdated.Add(float64(r.Updated))
	e.metrics.ShipmentsChanged.Add(float64(len(r.Changed)))
}
