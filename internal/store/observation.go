package store

import (
	"time"

	"github.com/jcrawfordor/cellscan/internal/scanreport"
)

// DeliveryState tracks an observation's progress toward the collector.
// Transitions are pending -> in_flight -> delivered, or in_flight -> pending
// when an upload attempt fails. Delivered is terminal.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateInFlight  DeliveryState = "in_flight"
	StateDelivered DeliveryState = "delivered"
)

// Location is the GNSS position attached to an observation. FixAge is how
// old the fix was, in seconds, when the observation was recorded.
type Location struct {
	Lat     float64 `json:"lat"`
	Lon     float64 `json:"lon"`
	Alt     float64 `json:"alt"`
	Quality string  `json:"quality"`
	FixAge  float64 `json:"fix_age"`
}

// Observation is one survey result: the serving cell, the neighbors in the
// modem's reported order, and the position at scan time if a fresh fix was
// available. Immutable once created except for its delivery state.
type Observation struct {
	ID        uint64            `json:"id"`
	Time      time.Time         `json:"time"`
	Serving   scanreport.Cell   `json:"serving"`
	Neighbors []scanreport.Cell `json:"neighbors"`
	Location  *Location         `json:"location,omitempty"`
	State     DeliveryState     `json:"state"`
}

// Batch is the fixed set of observations selected for one upload attempt.
// Observations appended to the store afterward are deferred to the next
// batch.
type Batch struct {
	Observations []Observation
}

// Empty reports whether there is nothing to upload.
func (b Batch) Empty() bool { return len(b.Observations) == 0 }

// IDs returns the member observation ids in batch order.
func (b Batch) IDs() []uint64 {
	ids := make([]uint64, len(b.Observations))
	for i, obs := range b.Observations {
		ids[i] = obs.ID
	}
	return ids
}
