package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/BearBump/TrackLedger/config"
	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/importjobs"
	"github.com/BearBump/TrackLedger/internal/services/projections"
	"github.com/BearBump/TrackLedger/internal/services/reconcile"
	"github.com/BearBump/TrackLedger/internal/services/resolver"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	triggered int
	jobs      map[uuid.UUID]*models.UploadJob
	lineErr   error
	lines     []messages.LineReconcile
}

func (r *fakeRunner) Trigger()                { r.triggered++ }
func (r *fakeRunner) Stats() importjobs.Stats { return importjobs.Stats{TotalClaimed: 3} }

func (r *fakeRunner) GetJob(ctx context.Context, id uuid.UUID) (*models.UploadJob, error) {
	if job, ok := r.jobs[id]; ok {
		return job, nil
	}
	return nil, models.ErrJobNotFound
}

func (r *fakeRunner) RetryJob(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.jobs[id]; !ok {
		return models.ErrJobNotFound
	}
	return nil
}

func (r *fakeRunner) EnqueueLine(ctx context.Context, line messages.LineReconcile) error {
	if r.lineErr != nil {
		return r.lineErr
	}
	r.lines = append(r.lines, line)
	return nil
}

func (r *fakeRunner) ReconcilePasted(ctx context.Context, sellerID, text, state string, at time.Time) (reconcile.Result, error) {
	if strings.TrimSpace(text) == "" {
		return reconcile.Result{}, models.ErrEmptyBatch
	}
	return reconcile.Result{BatchID: "b-1", Created: 2}, nil
}

type fakeProjector struct {
	err   error
	calls int
}

func (p *fakeProjector) Refresh(ctx context.Context) error {
	p.calls++
	return p.err
}
func (p *fakeProjector) Stats() projections.Stats { return projections.Stats{Refreshes: int64(p.calls)} }

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, queries []string) ([]resolver.Match, error) {
	out := make([]resolver.Match, 0, len(queries))
	for _, q := range queries {
		m := resolver.Match{Queries: []string{q}}
		m.TrackingNumber = q
		m.State = models.StateNone
		out = append(out, m)
	}
	return out, nil
}

func (fakeResolver) ResolveBuyer(ctx context.Context, buyerID string) ([]resolver.BuyerShipment, error) {
	return []resolver.BuyerShipment{}, nil
}

type fakeInterests struct{ quota int }

func (f fakeInterests) Register(ctx context.Context, buyerID string, items []models.InterestInput) ([]*models.BuyerInterest, error) {
	if len(items) > f.quota {
		return nil, errors.Wrap(models.ErrQuotaExceeded, "buyer "+buyerID)
	}
	out := make([]*models.BuyerInterest, 0, len(items))
	for _, it := range items {
		out = append(out, &models.BuyerInterest{ID: uuid.New(), BuyerID: buyerID, TrackingNumber: it.TrackingNumber})
	}
	return out, nil
}

func (f fakeInterests) List(ctx context.Context, buyerID string) ([]*models.BuyerInterest, error) {
	return []*models.BuyerInterest{}, nil
}

type fakeShipments struct{ byID map[uuid.UUID]*models.Shipment }

func (f fakeShipments) GetShipment(ctx context.Context, id uuid.UUID) (*models.Shipment, error) {
	return f.byID[id], nil
}

func (f fakeShipments) ListShipmentsByTracking(ctx context.Context, tn string) ([]*models.Shipment, error) {
	var out []*models.Shipment
	for _, s := range f.byID {
		if strings.EqualFold(s.TrackingNumber, tn) {
			out = append(out, s)
		}
	}
	return out, nil
}

type routerFixture struct {
	runner    *fakeRunner
	projector *fakeProjector
	shipment  *models.Shipment
	handler   http.Handler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	jobID := uuid.New()
	at := time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)
	sh := &models.Shipment{
		ID:             uuid.New(),
		TrackingNumber: "AB123456789CN",
		StateTrail: []models.StateEntry{
			{State: models.StateReceivedAtUSWarehouse, UpdatedAt: at},
			{State: models.StateInTransit, UpdatedAt: at.Add(time.Hour)},
		},
	}
	f := &routerFixture{
		runner:    &fakeRunner{jobs: map[uuid.UUID]*models.UploadJob{jobID: {ID: jobID, State: models.JobError}}},
		projector: &fakeProjector{},
		shipment:  sh,
	}
	f.handler = newWorkerRouter(workerHTTPOpts{
		runner:    f.runner,
		projector: f.projector,
		resolver:  fakeResolver{},
		interests: fakeInterests{quota: 2},
		uploads:   fakeStore{},
		shipments: fakeShipments{byID: map[uuid.UUID]*models.Shipment{sh.ID: sh}},
		ready:     func(ctx context.Context) error { return nil },
		cfg:       &config.Config{Ledger: config.LedgerConfig{MasterSellerID: "master", InterestQuota: 2}},
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *routerFixture) anyJobID() uuid.UUID {
	for id := range f.runner.jobs {
		return id
	}
	return uuid.Nil
}

func TestRouter_HealthAndStats(t *testing.T) {
	f := newRouterFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/healthz", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/readyz", "").Code)

	rec := f.do(t, http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Contains(t, stats, "runner")
	require.Contains(t, stats, "projections")

	rec = f.do(t, http.MethodGet, "/config", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"masterSellerId":"master"`)
	require.NotContains(t, rec.Body.String(), "password")
}

func TestRouter_NotReady(t *testing.T) {
	h := newWorkerRouter(workerHTTPOpts{ready: func(ctx context.Context) error { return errors.New("pg down") }})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Contains(t, rec.Body.String(), "pg down")
}

func TestRouter_TriggerAndRefresh(t *testing.T) {
	f := newRouterFixture(t)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/trigger", "").Code)
	require.Equal(t, 1, f.runner.triggered)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/refresh", "").Code)
	require.Equal(t, 1, f.projector.calls)

	f.projector.err = errors.New("refresh failed")
	require.Equal(t, http.StatusInternalServerError, f.do(t, http.MethodPost, "/refresh", "").Code)
}

func TestRouter_Uploads(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/uploads", `{"fileId":"f-1","targetState":"bogus","sellerId":"s-1"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/uploads", `{"targetState":"inTransit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/uploads", `{"fileId":"f-1","fileName":"may.csv","targetState":"inTransit","sellerId":"s-1"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job models.UploadJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, "f-1", job.FileID)
	require.Equal(t, models.JobPending, job.State)
	require.Equal(t, 1, f.runner.triggered)
}

func TestRouter_Jobs(t *testing.T) {
	f := newRouterFixture(t)
	id := f.anyJobID()

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/jobs/not-a-uuid", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), "").Code)

	rec := f.do(t, http.MethodGet, "/jobs/"+id.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"jobState":"error"`)

	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/jobs/"+id.String()+"/retry", "").Code)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/jobs/"+uuid.NewString()+"/retry", "").Code)
}

func TestRouter_Lines(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/lines", `{not json`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body := `{"seller_id":"s-1","tracking_number":"AB123456789CN","state":"inTransit"}`
	require.Equal(t, http.StatusAccepted, f.do(t, http.MethodPost, "/lines", body).Code)
	require.Len(t, f.runner.lines, 1)
	require.Equal(t, "AB123456789CN", f.runner.lines[0].TrackingNumber)

	f.runner.lineErr = errors.Wrap(models.ErrRateLimited, "seller s-1")
	require.Equal(t, http.StatusTooManyRequests, f.do(t, http.MethodPost, "/lines", body).Code)
}

func TestRouter_Pasted(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/pasted", `{"sellerId":"s-1","text":"   ","state":"inTransit"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/pasted", `{"sellerId":"s-1","text":"AB123456789CN\nCD987654321CN","state":"inTransit"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res reconcile.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 2, res.Created)
}

func TestRouter_Resolve(t *testing.T) {
	f := newRouterFixture(t)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/resolve", "").Code)

	rec := f.do(t, http.MethodGet, "/resolve?q=56789CN&q=X1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var matches []resolver.Match
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &matches))
	require.Len(t, matches, 2)
}

func TestRouter_BuyerInterests(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/buyers/b-1/interests", `{"items":[{"trackingNumber":"AB123456789CN"}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var out []models.BuyerInterest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	require.Equal(t, "b-1", out[0].BuyerID)

	rec = f.do(t, http.MethodPost, "/buyers/b-1/interests", `{"items":[{"trackingNumber":"A1111"},{"trackingNumber":"A2222"},{"trackingNumber":"A3333"}]}`)
	require.Equal(t, http.StatusConflict, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/buyers/b-1/interests", "").Code)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/buyers/b-1/shipments", "").Code)
}

func TestRouter_Shipments(t *testing.T) {
	f := newRouterFixture(t)

	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/shipments/"+uuid.NewString(), "").Code)

	rec := f.do(t, http.MethodGet, "/shipments/"+f.shipment.ID.String(), "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view struct {
		TrackingNumber string            `json:"trackingNumber"`
		State          models.StateEntry `json:"state"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	require.Equal(t, "AB123456789CN", view.TrackingNumber)
	require.Equal(t, models.StateInTransit, view.State.State)

	require.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/shipments", "").Code)
	rec = f.do(t, http.MethodGet, "/shipments?tracking=ab123456789cn", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
}

func TestRouter_Swagger(t *testing.T) {
	f := newRouterFixture(t)
	require.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/swagger.json", "").Code)

	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	h := newWorkerRouter(workerHTTPOpts{swaggerPath: sw})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/swagger.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	require.Contains(t, rec.Body.String(), `"swagger":"2.0"`)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, statusFor(errors.Wrap(models.ErrInvalidInput, "x")))
	require.Equal(t, http.StatusBadRequest, statusFor(models.ErrEmptyBatch))
	require.Equal(t, http.StatusNotFound, statusFor(models.ErrJobNotFound))
	require.Equal(t, http.StatusConflict, statusFor(models.ErrQuotaExceeded))
	require.Equal(t, http.StatusTooManyRequests, statusFor(models.ErrRateLimited))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
