package models

import (
	"time"

	"github.com/google/uuid"
)

// Shipment states, ordered by pipeline stage.
const (
	StateNone                  = "none"
	StateOrdered               = "ordered"
	StateShippedToUSWarehouse  = "shippedToUSWarehouse"
	StateReceivedAtUSWarehouse = "receivedAtUSWarehouse"
	StateInTransit             = "inTransit"
	StateArrivedAtDestination  = "arrivedAtDestination"
	StateDelivered             = "delivered"
)

var statePower = map[string]int{
	StateNone:                  0,
	StateOrdered:               1,
	StateShippedToUSWarehouse:  2,
	StateReceivedAtUSWarehouse: 3,
	StateInTransit:             4,
	StateArrivedAtDestination:  5,
	StateDelivered:             6,
}

// Power is the ordering weight of a state. Unknown states rank as StateNone.
func Power(state string) int {
	return statePower[state]
}

func IsKnownState(state string) bool {
	_, ok := statePower[state]
	return ok && state != StateNone
}

// States returns every known state with its power, lowest first.
func States() map[string]int {
	out := make(map[string]int, len(statePower))
	for k, v := range statePower {
		out[k] = v
	}
	return out
}

type StateEntry struct {
	State         string    `json:"state"`
	UpdatedAt     time.Time `json:"updatedAt"`
	ImportBatchID string    `json:"importBatchId"`
}

type Shipment struct {
	ID             uuid.UUID    `json:"id"`
	SellerID       *string      `json:"sellerId,omitempty"`
	TrackingNumber string       `json:"trackingNumber"`
	SellerNote     string       `json:"sellerNote"`
	StateTrail     []StateEntry `json:"stateTrail"`
	ImportBatchIDs []string     `json:"importBatchIds"`
	CreatedAt      time.Time    `json:"createdAt"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// DerivedState returns the trail entry with the latest UpdatedAt. Equal timestamps
// prefer the higher-powered state, then the later entry.
func (s *Shipment) DerivedState() (StateEntry, bool) {
	if len(s.StateTrail) == 0 {
		return StateEntry{State: StateNone}, false
	}
	best := s.StateTrail[0]
	for _, e := range s.StateTrail[1:] {
		switch {
		case e.UpdatedAt.After(best.UpdatedAt):
			best = e
		case e.UpdatedAt.Equal(best.UpdatedAt) && Power(e.State) >= Power(best.State):
			best = e
		}
	}
	return best, true
}

// HasEntry reports whether the trail already holds this exact (state, timestamp) pair.
func (s *Shipment) HasEntry(state string, at time.Time) bool {
	for _, e := range s.StateTrail {
		if e.State == state && e.UpdatedAt.Equal(at) {
			return true
		}
	}
	return false
}

func (s *Shipment) HasBatch(batchID string) bool {
	for _, id := range s.ImportBatchIDs {
		if id == batchID {
			return true
		}
	}
	return false
}

// ActiveState is one row of the active-state projection.
type ActiveState struct {
	TrackingNumber         string     `json:"trackingNumber"`
	State                  string     `json:"state"`
	Power                  int        `json:"power"`
	UpdatedAt              time.Time  `json:"updatedAt"`
	ReceivedAtOriginAt     *time.Time `json:"receivedAtOriginAt,omitempty"`
	InTransitAt            *time.Time `json:"inTransitAt,omitempty"`
	ArrivedAtDestinationAt *time.Time `json:"arrivedAtDestinationAt,omitempty"`
}
