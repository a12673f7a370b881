package ingest

import (
	"sort"
	"time"

	"github.com/BearBump/TrackLedger/internal/models"
)

const dateLayout = "2006-01-02"

// Totals counts records per calendar date (UTC).
type Totals struct {
	counts map[string]int
}

func NewTotals() *Totals {
	return &Totals{counts: map[string]int{}}
}

func (t *Totals) Add(at time.Time) {
	t.counts[at.UTC().Format(dateLayout)]++
}

// List returns the totals ordered by date.
func (t *Totals) List() []models.DateTotal {
	out := make([]models.DateTotal, 0, len(t.counts))
	for d, n := range t.counts {
		out = append(out, models.DateTotal{Date: d, Total: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}
