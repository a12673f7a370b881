package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/services/reconcile"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type runnerMock struct{ mock.Mock }

func (m *runnerMock) Tick(ctx context.Context) (*models.UploadJob, error) {
	args := m.Called(ctx)
	job, _ := args.Get(0).(*models.UploadJob)
	return job, args.Error(1)
}

func (m *runnerMock) ReconcileLine(ctx context.Context, line messages.LineReconcile) (reconcile.Result, error) {
	args := m.Called(ctx, line)
	return args.Get(0).(reconcile.Result), args.Error(1)
}

type requeuerMock struct{ mock.Mock }

func (m *requeuerMock) Retry(ctx context.Context, key string, job messages.Job) (bool, error) {
	args := m.Called(ctx, key, job)
	return args.Bool(0), args.Error(1)
}

type DispatcherSuite struct {
	suite.Suite
	runner  *runnerMock
	queue   *requeuerMock
	metrics *metrics.Metrics
	slept   []time.Duration
	d       *Dispatcher
}

func (s *DispatcherSuite) SetupTest() {
	s.runner = &runnerMock{}
	s.queue = &requeuerMock{}
	s.metrics = metrics.New(prometheus.NewRegistry())
	s.slept = nil
	s.d = New(nil, s.runner, s.queue, NewBackoff(BackoffConfig{}, nil), s.metrics)
	s.d.sleep = func(_ context.Context, d time.Duration) error {
		s.slept = append(s.slept, d)
		return nil
	}
}

func (s *DispatcherSuite) TearDownTest() {
	s.runner.AssertExpectations(s.T())
	s.queue.AssertExpectations(s.T())
}

func (s *DispatcherSuite) encode(job messages.Job) []byte {
	b, err := json.Marshal(job)
	s.Require().NoError(err)
	return b
}

func (s *DispatcherSuite) TestUploadTick() {
	s.runner.On("Tick", mock.Anything).Return(nil, nil).Once()

	job := messages.Job{ID: uuid.New(), Kind: messages.KindUploadTick, MaxRetries: 3}
	s.Require().NoError(s.d.Handle(context.Background(), []byte(messages.KindUploadTick), s.encode(job)))
	s.Require().Empty(s.slept)
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.DispatchedTotal.WithLabelValues(messages.KindUploadTick, "ok")))
}

func (s *DispatcherSuite) TestLineReconcile() {
	line := messages.LineReconcile{SellerID: "s-1", TrackingNumber: "AB123456789CN", State: models.StateInTransit}
	payload, err := json.Marshal(line)
	s.Require().NoError(err)

	s.runner.On("ReconcileLine", mock.Anything, mock.MatchedBy(func(got messages.LineReconcile) bool {
		return got.SellerID == "s-1" && got.TrackingNumber == "AB123456789CN"
	})).Return(reconcile.Result{}, nil).Once()

	job := messages.Job{ID: uuid.New(), Kind: messages.KindLineReconcile, Payload: payload, MaxRetries: 3}
	s.Require().NoError(s.d.Handle(context.Background(), []byte("s-1"), s.encode(job)))
}

func (s *DispatcherSuite) TestFailureIsRetriedWithBackoff() {
	s.runner.On("Tick", mock.Anything).Return(nil, errors.New("db down")).Once()

	job := messages.Job{ID: uuid.New(), Kind: messages.KindUploadTick, MaxRetries: 3, Attempt: 1}
	s.queue.On("Retry", mock.Anything, messages.KindUploadTick, mock.MatchedBy(func(got messages.Job) bool {
		return got.ID == job.ID && got.Attempt == 1
	})).Return(true, nil).Once()

	s.Require().NoError(s.d.Handle(context.Background(), []byte(messages.KindUploadTick), s.encode(job)))
	s.Require().Equal([]time.Duration{5 * time.Second}, s.slept)
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.DispatchedTotal.WithLabelValues(messages.KindUploadTick, "retried")))
}

func (s *DispatcherSuite) TestExhaustedRetriesAreCommitted() {
	s.runner.On("Tick", mock.Anything).Return(nil, errors.New("db down")).Once()
	s.queue.On("Retry", mock.Anything, mock.Anything, mock.Anything).Return(false, nil).Once()

	job := messages.Job{ID: uuid.New(), Kind: messages.KindUploadTick, MaxRetries: 1, Attempt: 1}
	s.Require().NoError(s.d.Handle(context.Background(), nil, s.encode(job)))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.DispatchedTotal.WithLabelValues(messages.KindUploadTick, "exhausted")))
}

func (s *DispatcherSuite) TestRequeueErrorBlocksCommit() {
	s.runner.On("Tick", mock.Anything).Return(nil, errors.New("db down")).Once()
	s.queue.On("Retry", mock.Anything, mock.Anything, mock.Anything).Return(false, errors.New("broker down")).Once()

	job := messages.Job{ID: uuid.New(), Kind: messages.KindUploadTick, MaxRetries: 3}
	err := s.d.Handle(context.Background(), nil, s.encode(job))
	s.Require().Error(err)
	s.Require().Contains(err.Error(), "requeue job")
}

func (s *DispatcherSuite) TestInvalidLineIsDropped() {
	line := messages.LineReconcile{SellerID: "s-1", TrackingNumber: "1", State: "bogus"}
	payload, err := json.Marshal(line)
	s.Require().NoError(err)
	s.runner.On("ReconcileLine", mock.Anything, mock.Anything).
		Return(reconcile.Result{}, errors.Wrap(models.ErrUnknownState, "bogus")).Once()

	job := messages.Job{ID: uuid.New(), Kind: messages.KindLineReconcile, Payload: payload, MaxRetries: 3}
	s.Require().NoError(s.d.Handle(context.Background(), nil, s.encode(job)))
	s.Require().Empty(s.slept)
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.DispatchedTotal.WithLabelValues(messages.KindLineReconcile, "dropped")))
}

func (s *DispatcherSuite) TestGarbageAndUnknownKindsAreDropped() {
	s.Require().NoError(s.d.Handle(context.Background(), nil, []byte("{not json")))

	job := messages.Job{ID: uuid.New(), Kind: "something.else"}
	s.Require().NoError(s.d.Handle(context.Background(), nil, s.encode(job)))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.DispatchedTotal.WithLabelValues("unknown", "dropped")))
	s.Require().Equal(1.0, testutil.ToFloat64(s.metrics.DispatchedTotal.WithLabelValues("something.else", "dropped")))
}

func TestDispatcherSuite(t *testing.T) {
	suite.Run(t, new(DispatcherSuite))
}

func TestSleepCtx_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, sleepCtx(ctx, time.Hour), context.Canceled)
}
