package models

import "time"

// BatchRecord is one reported state change before reconciliation.
type BatchRecord struct {
	TrackingNumber string
	At             time.Time
	State          string
	SellerNote     string
}

// Batch is one reconciliation unit: a parsed file, a pasted list or a single
// manual line. SellerID empty means the master seller.
type Batch struct {
	ID       string
	SellerID string
	Records  []BatchRecord
}
