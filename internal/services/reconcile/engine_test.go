package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/BearBump/TrackLedger/internal/metrics"
	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/storage/pgledger"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

type txMock struct {
	mock.Mock
}

func (m *txMock) FindShipmentsBySuffix(ctx context.Context, sellerID *string, numbers []string) ([]*models.Shipment, error) {
	args := m.Called(ctx, sellerID, numbers)
	out, _ := args.Get(0).([]*models.Shipment)
	return out, args.Error(1)
}

func (m *txMock) CreateShipments(ctx context.Context, items []*models.Shipment) error {
	return m.Called(ctx, items).Error(0)
}

func (m *txMock) AppendStates(ctx context.Context, items []pgledger.TrailAppend) error {
	return m.Called(ctx, items).Error(0)
}

type ledgerMock struct {
	mock.Mock
	tx *txMock
}

func (m *ledgerMock) InTx(ctx context.Context, fn func(ctx context.Context, tx pgledger.Tx) error) error {
	if err := m.Called(ctx).Error(0); err != nil {
		return err
	}
	return fn(ctx, m.tx)
}

func (m *ledgerMock) BuyersForShipments(ctx context.Context, ids []uuid.UUID) ([]models.InterestLink, error) {
	args := m.Called(ctx, ids)
	out, _ := args.Get(0).([]models.InterestLink)
	return out, args.Error(1)
}

type refresherMock struct {
	mock.Mock
}

func (m *refresherMock) Refresh(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type notifierMock struct {
	mock.Mock
}

func (m *notifierMock) NotifyShipmentsChanged(ctx context.Context, msg messages.ShipmentsChanged) error {
	return m.Called(ctx, msg).Error(0)
}

type EngineSuite struct {
	suite.Suite

	tx       *txMock
	ledger   *ledgerMock
	proj     *refresherMock
	notifier *notifierMock
	engine   *Engine
	now      time.Time
}

func (s *EngineSuite) SetupTest() {
	s.tx = &txMock{}
	s.ledger = &ledgerMock{tx: s.tx}
	s.proj = &refresherMock{}
	s.notifier = &notifierMock{}
	s.now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	s.engine = New(s.ledger, s.proj, s.notifier, metrics.New(prometheus.NewRegistry()), nil,
		Settings{MasterSellerID: "master"})
	s.engine.now = func() time.Time { return s.now }
}

func at(h int) time.Time {
	return time.Date(2024, 5, 1, h, 0, 0, 0, time.UTC)
}

func rec(number string, h int, state string) models.BatchRecord {
	return models.BatchRecord{TrackingNumber: number, At: at(h), State: state}
}

func (s *EngineSuite) expectCommitAndRefresh() {
	s.ledger.On("InTx", mock.Anything).Return(nil).Once()
	s.proj.On("Refresh", mock.Anything).Return(nil).Once()
}

func (s *EngineSuite) TestNewShipmentsAreCreatedWithBothEntries() {
	s.expectCommitAndRefresh()
	s.tx.On("FindShipmentsBySuffix", mock.Anything, (*string)(nil), []string{"ABC12345X"}).
		Return([]*models.Shipment{}, nil).Once()

	var created []*models.Shipment
	s.tx.On("CreateShipments", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).([]*models.Shipment) }).
		Return(nil).Once()
	s.tx.On("AppendStates", mock.Anything, []pgledger.TrailAppend(nil)).Return(nil).Once()
	s.ledger.On("BuyersForShipments", mock.Anything, mock.Anything).Return([]models.InterestLink{}, nil).Once()

	res, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID:       "b1",
		SellerID: "master",
		Records: []models.BatchRecord{
			rec("ABC12345X", 10, models.StateReceivedAtUSWarehouse),
			rec("abc-12345-x", 11, models.StateReceivedAtUSWarehouse),
		},
	})
	s.Require().NoError(err)
	s.Require().Equal(1, res.Created)
	s.Require().Len(res.Changed, 1)

	s.Require().Len(created, 1)
	sh := created[0]
	s.Require().Nil(sh.SellerID)
	s.Require().Equal("ABC12345X", sh.TrackingNumber)
	s.Require().Len(sh.StateTrail, 2)
	s.Require().Equal([]string{"b1"}, sh.ImportBatchIDs)
	derived, _ := sh.DerivedState()
	s.Require().Equal(at(11), derived.UpdatedAt)

	s.tx.AssertExpectations(s.T())
	s.proj.AssertExpectations(s.T())
}

func (s *EngineSuite) TestShortNumbersAreDropped() {
	s.expectCommitAndRefresh()
	records := []models.BatchRecord{rec("AB1", 1, models.StateInTransit)}
	for i := range 9 {
		records = append(records, rec("TRACK0000"+string(rune('0'+i)), 1, models.StateInTransit))
	}

	s.tx.On("FindShipmentsBySuffix", mock.Anything, mock.Anything, mock.Anything).Return([]*models.Shipment{}, nil).Once()
	s.tx.On("CreateShipments", mock.Anything, mock.MatchedBy(func(items []*models.Shipment) bool {
		return len(items) == 9
	})).Return(nil).Once()
	s.tx.On("AppendStates", mock.Anything, mock.Anything).Return(nil).Once()
	s.ledger.On("BuyersForShipments", mock.Anything, mock.Anything).Return([]models.InterestLink{}, nil).Once()

	res, err := s.engine.Reconcile(context.Background(), models.Batch{ID: "b", Records: records})
	s.Require().NoError(err)
	s.Require().Equal(1, res.Dropped)
	s.Require().Equal(9, res.Created)
	s.Require().Equal([]models.DateTotal{{Date: "2024-05-01", Total: 9}}, res.Totals)
	s.tx.AssertExpectations(s.T())
}

func (s *EngineSuite) TestSameNumberDifferentStatesFirstWins() {
	s.expectCommitAndRefresh()
	s.tx.On("FindShipmentsBySuffix", mock.Anything, mock.Anything, []string{"ZZZ123456"}).Return([]*models.Shipment{}, nil).Once()

	var created []*models.Shipment
	s.tx.On("CreateShipments", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).([]*models.Shipment) }).
		Return(nil).Once()
	s.tx.On("AppendStates", mock.Anything, mock.Anything).Return(nil).Once()
	s.ledger.On("BuyersForShipments", mock.Anything, mock.Anything).Return([]models.InterestLink{}, nil).Once()

	_, err := s.engine.Reconcile(context.Background(), models.Batch{ID: "b", Records: []models.BatchRecord{
		rec("ZZZ123456", 10, models.StateInTransit),
		rec("ZZZ123456", 11, models.StateDelivered),
		rec("ZZZ123456", 10, models.StateInTransit),
	}})
	s.Require().NoError(err)
	s.Require().Len(created, 1)
	s.Require().Len(created[0].StateTrail, 1)
	s.Require().Equal(models.StateInTransit, created[0].StateTrail[0].State)
}

func (s *EngineSuite) TestExistingShipmentIsUpdatedBySuffix() {
	s.expectCommitAndRefresh()
	seller := "seller-1"
	existing := &models.Shipment{
		ID:             uuid.New(),
		SellerID:       &seller,
		TrackingNumber: "XX999ABC12345X",
		StateTrail: []models.StateEntry{
			{State: models.StateShippedToUSWarehouse, UpdatedAt: at(8), ImportBatchID: "b0"},
		},
		ImportBatchIDs: []string{"b0"},
	}
	s.tx.On("FindShipmentsBySuffix", mock.Anything, &seller, []string{"ABC12345X"}).
		Return([]*models.Shipment{existing}, nil).Once()
	s.tx.On("CreateShipments", mock.Anything, []*models.Shipment(nil)).Return(nil).Once()

	var appends []pgledger.TrailAppend
	s.tx.On("AppendStates", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { appends = args.Get(1).([]pgledger.TrailAppend) }).
		Return(nil).Once()

	buyerLink := models.InterestLink{InterestID: uuid.New(), BuyerID: "buyer-1", ShipmentID: existing.ID, TrackingNumber: existing.TrackingNumber}
	s.ledger.On("BuyersForShipments", mock.Anything, []uuid.UUID{existing.ID}).
		Return([]models.InterestLink{buyerLink}, nil).Once()
	s.notifier.On("NotifyShipmentsChanged", mock.Anything, mock.MatchedBy(func(m messages.ShipmentsChanged) bool {
		return m.BuyerID == "buyer-1" && len(m.Shipments) == 1 &&
			m.Shipments[0].State == models.StateReceivedAtUSWarehouse && m.BatchID == "b1"
	})).Return(nil).Once()

	res, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID:       "b1",
		SellerID: seller,
		Records: []models.BatchRecord{
			{TrackingNumber: "ABC12345X", At: at(10), State: models.StateReceivedAtUSWarehouse, SellerNote: "blue box"},
		},
	})
	s.Require().NoError(err)
	s.Require().Equal(0, res.Created)
	s.Require().Equal(1, res.Updated)
	s.Require().Equal([]uuid.UUID{existing.ID}, res.Changed)

	s.Require().Len(appends, 1)
	s.Require().Equal(existing.ID, appends[0].ShipmentID)
	s.Require().Equal(2, appends[0].FirstSeq)
	s.Require().Equal("blue box", appends[0].SellerNote)
	s.Require().Len(appends[0].Entries, 1)
	s.notifier.AssertExpectations(s.T())
}

func (s *EngineSuite) TestReplayingBatchAddsNothing() {
	s.expectCommitAndRefresh()
	existing := &models.Shipment{
		ID:             uuid.New(),
		TrackingNumber: "ABC12345X",
		StateTrail: []models.StateEntry{
			{State: models.StateReceivedAtUSWarehouse, UpdatedAt: at(10), ImportBatchID: "b1"},
		},
		ImportBatchIDs: []string{"b1"},
	}
	s.tx.On("FindShipmentsBySuffix", mock.Anything, (*string)(nil), []string{"ABC12345X"}).
		Return([]*models.Shipment{existing}, nil).Once()
	s.tx.On("CreateShipments", mock.Anything, []*models.Shipment(nil)).Return(nil).Once()
	s.tx.On("AppendStates", mock.Anything, []pgledger.TrailAppend(nil)).Return(nil).Once()

	res, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID:      "b1",
		Records: []models.BatchRecord{rec("ABC12345X", 10, models.StateReceivedAtUSWarehouse)},
	})
	s.Require().NoError(err)
	s.Require().Zero(res.Created)
	s.Require().Zero(res.Updated)
	s.Require().Empty(res.Changed)
	s.ledger.AssertNotCalled(s.T(), "BuyersForShipments", mock.Anything, mock.Anything)
	s.notifier.AssertNotCalled(s.T(), "NotifyShipmentsChanged", mock.Anything, mock.Anything)
}

func (s *EngineSuite) TestEarlierEntryDoesNotChangeDerivedState() {
	s.expectCommitAndRefresh()
	existing := &models.Shipment{
		ID:             uuid.New(),
		TrackingNumber: "ABC12345X",
		StateTrail: []models.StateEntry{
			{State: models.StateInTransit, UpdatedAt: at(12), ImportBatchID: "b0"},
		},
	}
	s.tx.On("FindShipmentsBySuffix", mock.Anything, mock.Anything, mock.Anything).Return([]*models.Shipment{existing}, nil).Once()
	s.tx.On("CreateShipments", mock.Anything, mock.Anything).Return(nil).Once()
	s.tx.On("AppendStates", mock.Anything, mock.MatchedBy(func(items []pgledger.TrailAppend) bool {
		return len(items) == 1 && len(items[0].Entries) == 1
	})).Return(nil).Once()

	res, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID:      "b1",
		Records: []models.BatchRecord{rec("ABC12345X", 9, models.StateReceivedAtUSWarehouse)},
	})
	s.Require().NoError(err)
	s.Require().Equal(1, res.Updated)
	s.Require().Empty(res.Changed)
}

func (s *EngineSuite) TestEmptyBatchSkipsStorage() {
	res, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID: "b",
		Records: []models.BatchRecord{
			rec("AB1", 1, models.StateInTransit),
			rec("ABCDEFGH", 1, "lost"),
		},
	})
	s.Require().NoError(err)
	s.Require().Equal(2, res.Dropped)
	s.ledger.AssertNotCalled(s.T(), "InTx", mock.Anything)
	s.proj.AssertNotCalled(s.T(), "Refresh", mock.Anything)
}

func (s *EngineSuite) TestTxFailureIsReturnedWithoutRefresh() {
	s.ledger.On("InTx", mock.Anything).Return(nil).Once()
	want := errors.New("constraint violation")
	s.tx.On("FindShipmentsBySuffix", mock.Anything, mock.Anything, mock.Anything).Return([]*models.Shipment{}, nil).Once()
	s.tx.On("CreateShipments", mock.Anything, mock.Anything).Return(want).Once()

	res, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID:      "b",
		Records: []models.BatchRecord{rec("ABC12345X", 1, models.StateInTransit)},
	})
	s.Require().ErrorIs(err, want)
	s.Require().Zero(res.Created)
	s.proj.AssertNotCalled(s.T(), "Refresh", mock.Anything)
}

func (s *EngineSuite) TestPlaceholderYearIsMovedToCurrentYear() {
	s.expectCommitAndRefresh()
	s.tx.On("FindShipmentsBySuffix", mock.Anything, mock.Anything, mock.Anything).Return([]*models.Shipment{}, nil).Once()
	var created []*models.Shipment
	s.tx.On("CreateShipments", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) { created = args.Get(1).([]*models.Shipment) }).
		Return(nil).Once()
	s.tx.On("AppendStates", mock.Anything, mock.Anything).Return(nil).Once()
	s.ledger.On("BuyersForShipments", mock.Anything, mock.Anything).Return([]models.InterestLink{}, nil).Once()

	_, err := s.engine.Reconcile(context.Background(), models.Batch{
		ID: "b",
		Records: []models.BatchRecord{{
			TrackingNumber: "ABC12345X",
			At:             time.Date(2000, 4, 2, 0, 0, 0, 0, time.UTC),
			State:          models.StateOrdered,
		}},
	})
	s.Require().NoError(err)
	s.Require().Equal(2025, created[0].StateTrail[0].UpdatedAt.Year())
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}
