package models

import (
	"time"

	"github.com/google/uuid"
)

type BuyerInterest struct {
	ID               uuid.UUID `json:"id"`
	BuyerID          string    `json:"buyerId"`
	TrackingNumber   string    `json:"trackingNumber"`
	Note             string    `json:"note"`
	PackingRequested bool      `json:"packingRequested"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

type InterestInput struct {
	TrackingNumber   string
	Note             string
	PackingRequested bool
}

// InterestLink is one row of the buyer interest link projection.
type InterestLink struct {
	InterestID     uuid.UUID `json:"interestId"`
	BuyerID        string    `json:"buyerId"`
	ShipmentID     uuid.UUID `json:"shipmentId"`
	TrackingNumber string    `json:"trackingNumber"`
}
