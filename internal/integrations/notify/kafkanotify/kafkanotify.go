package kafkanotify

import (
	"context"
	"encoding/json"

	"github.com/BearBump/TrackLedger/internal/broker/messages"
	"github.com/pkg/errors"
)

type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// Publisher sends one message per buyer, keyed by buyer id.
type Publisher struct {
	pub   publisher
	topic string
}

func New(pub publisher, topic string) *Publisher {
	return &Publisher{pub: pub, topic: topic}
}

func (p *Publisher) NotifyShipmentsChanged(ctx context.Context, msg messages.ShipmentsChanged) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal shipments changed")
	}
	if err := p.pub.Publish(ctx, p.topic, []byte(msg.BuyerID), b); err != nil {
		return errors.Wrap(err, "publish shipments changed")
	}
	return nil
}
