package interests

import (
	"context"
	"strings"

	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/trackno"
	"github.com/pkg/errors"
)

const maxItems = 1_000

type Repository interface {
	RegisterInterests(ctx context.Context, buyerID string, items []models.InterestInput, quota int) ([]*models.BuyerInterest, error)
	ListInterests(ctx context.Context, buyerID string) ([]*models.BuyerInterest, error)
}

// Refresher makes new interests visible in the link projection.
type Refresher interface {
	Refresh(ctx context.Context) error
}

type Service struct {
	repo      Repository
	projector Refresher
	quota     int
}

func New(repo Repository, projector Refresher, quota int) *Service {
	return &Service{repo: repo, projector: projector, quota: quota}
}

// Register stores the buyer's tracking numbers. Numbers are normalized and
// deduplicated; a shipment does not have to exist yet. Going over the buyer's
// quota fails the whole call with models.ErrQuotaExceeded.
func (s *Service) Register(ctx context.Context, buyerID string, items []models.InterestInput) ([]*models.BuyerInterest, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, errors.Wrap(models.ErrInvalidInput, "buyerId is required")
	}
	if len(items) == 0 {
		return nil, errors.Wrap(models.ErrInvalidInput, "items is empty")
	}
	if len(items) > maxItems {
		return nil, errors.Wrapf(models.ErrInvalidInput, "too many items (max %d)", maxItems)
	}

	clean := make([]models.InterestInput, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		n := trackno.Normalize(it.TrackingNumber)
		if n == "" {
			return nil, errors.Wrapf(models.ErrInvalidInput, "tracking number %q has no letters or digits", it.TrackingNumber)
		}
		k := trackno.Key(n)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		it.TrackingNumber = strings.ToUpper(n)
		it.Note = strings.TrimSpace(it.Note)
		clean = append(clean, it)
	}

	out, err := s.repo.RegisterInterests(ctx, buyerID, clean, s.quota)
	if err != nil {
		return nil, err
	}
	if s.projector != nil {
		if err := s.projector.Refresh(ctx); err != nil {
			return out, errors.Wrap(err, "refresh projections")
		}
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, buyerID string) ([]*models.BuyerInterest, error) {
	if strings.TrimSpace(buyerID) == "" {
		return nil, errors.Wrap(models.ErrInvalidInput, "buyerId is required")
	}
	return s.repo.ListInterests(ctx, buyerID)
}
