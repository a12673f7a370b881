package messages

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Job kinds carried on the jobs topic.
const (
	KindUploadTick    = "upload.tick"
	KindLineReconcile = "line.reconcile"
)

// Job is the envelope of the job queue. Attempt counts deliveries already
// made; the consumer gives up once Attempt reaches MaxRetries.
type Job struct {
	ID         uuid.UUID       `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	MaxRetries int             `json:"max_retries"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// LineReconcile is the payload of KindLineReconcile.
type LineReconcile struct {
	SellerID       string    `json:"seller_id,omitempty"`
	TrackingNumber string    `json:"tracking_number"`
	State          string    `json:"state"`
	At             time.Time `json:"at"`
	SellerNote     string    `json:"seller_note,omitempty"`
}

// ShipmentsChanged tells one buyer that shipments they follow changed state.
type ShipmentsChanged struct {
	BuyerID   string        `json:"buyer_id"`
	Shipments []ChangedLink `json:"shipments"`
	BatchID   string        `json:"batch_id"`
	SentAt    time.Time     `json:"sent_at"`
}

type ChangedLink struct {
	ShipmentID     uuid.UUID `json:"shipment_id"`
	TrackingNumber string    `json:"tracking_number"`
	State          string    `json:"state"`
	UpdatedAt      time.Time `json:"updated_at"`
}
