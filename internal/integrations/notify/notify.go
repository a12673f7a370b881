package notify

import (
	"context"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
)

// Notifier tells buyers that shipments they follow changed state.
type Notifier interface {
	NotifyShipmentsChanged(ctx context.Context, msg messages.ShipmentsChanged) error
}
