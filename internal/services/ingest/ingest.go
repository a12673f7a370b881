package ingest

import (
	"encoding/csv"
	"io"
	"strings"
	"time"

	"github.com/BearBump/TrackLedger/internal/models"
	"github.com/BearBump/TrackLedger/internal/trackno"
	"github.com/pkg/errors"
)

type Options struct {
	TargetState string
	Now         time.Time
}

// Summary describes one parse run.
type Summary struct {
	Rows    int
	Emitted int
	Dropped int
}

// ParseCSV streams rows of an upload and calls visit for every usable one.
// Row layout: event date first, tracking number last, anything in between is
// joined into the seller note. Rows with an unreadable date or an empty number
// (header lines, junk) are dropped. A visit error stops the parse.
func ParseCSV(r io.Reader, opts Options, visit func(models.BatchRecord) error) (Summary, error) {
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = true

	var sum Summary
	for {
		fields, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				sum.Rows++
				sum.Dropped++
				continue
			}
			return sum, errors.Wrap(err, "read csv")
		}
		sum.Rows++

		rec, ok := parseRow(fields, opts)
		if !ok {
			sum.Dropped++
			continue
		}
		if err := visit(rec); err != nil {
			return sum, err
		}
		sum.Emitted++
	}
	return sum, nil
}

func parseRow(fields []string, opts Options) (models.BatchRecord, bool) {
	if len(fields) < 2 {
		return models.BatchRecord{}, false
	}
	at, ok := ParseTime(fields[0], opts.Now)
	if !ok {
		return models.BatchRecord{}, false
	}
	number := trackno.Normalize(fields[len(fields)-1])
	if number == "" {
		return models.BatchRecord{}, false
	}

	var note []string
	for _, f := range fields[1 : len(fields)-1] {
		if f = strings.TrimSpace(f); f != "" {
			note = append(note, f)
		}
	}
	return models.BatchRecord{
		TrackingNumber: number,
		At:             at,
		State:          opts.TargetState,
		SellerNote:     strings.Join(note, " "),
	}, true
}

// ParsePasted turns a pasted list of tracking numbers into records that all
// carry the same state and timestamp.
func ParsePasted(text, state string, at time.Time) []models.BatchRecord {
	numbers := trackno.ExtractCandidates(text)
	out := make([]models.BatchRecord, 0, len(numbers))
	for _, n := range numbers {
		out = append(out, models.BatchRecord{TrackingNumber: n, At: at, State: state})
	}
	return out
}
