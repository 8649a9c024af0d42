// Package outcome loads per-entity case and death counts and reduces them to
// an evenly spaced step series.
package outcome

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Cadence selects the time steps of a run: every Stride-th occurrence of
// Weekday, anchored at the first such day on or after Start (or on or after
// the earliest observed date when Start is zero).
type Cadence struct {
	Weekday time.Weekday
	Stride  int
	Start   time.Time
}

// DefaultCadence is every other Monday.
var DefaultCadence = Cadence{Weekday: time.Monday, Stride: 2}

// ParseWeekday parses an English weekday name ("monday", "Mon").
func ParseWeekday(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		name := strings.ToLower(d.String())
		if s == name || (len(s) >= 3 && strings.HasPrefix(name, s)) {
			return d, nil
		}
	}
	return 0, eris.Errorf("outcome: unknown weekday %q", s)
}

// Validate checks the cadence constants.
func (c Cadence) Validate() error {
	if c.Stride < 1 {
		return eris.Errorf("outcome: cadence stride must be >= 1, got %d", c.Stride)
	}
	if c.Weekday < time.Sunday || c.Weekday > time.Saturday {
		return eris.Errorf("outcome: invalid weekday %d", c.Weekday)
	}
	return nil
}

// Steps returns the step dates covering [first, last].
func (c Cadence) Steps(first, last time.Time) []time.Time {
	from := day(first)
	if !c.Start.IsZero() {
		from = day(c.Start)
	}
	to := day(last)
	stride := max(c.Stride, 1)

	offset := (int(c.Weekday) - int(from.Weekday()) + 7) % 7
	anchor := from.AddDate(0, 0, offset)

	var steps []time.Time
	for d := anchor; !d.After(to); d = d.AddDate(0, 0, 7*stride) {
		steps = append(steps, d)
	}
	return steps
}

func day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
