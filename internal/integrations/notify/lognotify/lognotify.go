package lognotify

import (
	"context"
	"log/slog"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
)

// Logger is the notifier used when no notification topic is configured. It
// only writes what would have been sent.
type Logger struct {
	log *slog.Logger
}

func New(log *slog.Logger) *Logger {
	if log == nil {
		log = slog.Default()
	}
	return &Logger{log: log}
}

func (l *Logger) NotifyShipmentsChanged(ctx context.Context, msg messages.ShipmentsChanged) error {
	numbers := make([]string, 0, len(msg.Shipments))
	for _, s := range msg.Shipments {
		numbers = append(numbers, s.TrackingNumber)
	}
	l.log.InfoContext(ctx, "shipments changed", "buyer_id", msg.BuyerID, "batch_id", msg.BatchID, "tracking_numbers", numbers)
	return nil
}
