// Package ingest tracks per-source record accounting while loading input
// tables and enforces the malformed-row integrity threshold.
package ingest

import (
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrIntegrity is returned when the share of malformed rows in a source
// exceeds the configured threshold.
var ErrIntegrity = eris.New("ingest: data integrity threshold exceeded")

// DefaultMaxSkipRate aborts a load when more than half the rows are malformed.
const DefaultMaxSkipRate = 0.5

// Tally counts rows read from one input source. It is not safe for
// concurrent use; each loader owns its own Tally.
type Tally struct {
	Source      string
	MaxSkipRate float64

	Read        int64
	Accepted    int64
	Malformed   int64
	OutOfDomain int64

	reasons map[string]int64
}

// NewTally creates a Tally for the named source. A non-positive maxSkipRate
// selects DefaultMaxSkipRate.
func NewTally(source string, maxSkipRate float64) *Tally {
	if maxSkipRate <= 0 {
		maxSkipRate = DefaultMaxSkipRate
	}
	return &Tally{
		Source:      source,
		MaxSkipRate: maxSkipRate,
		reasons:     make(map[string]int64),
	}
}

// Row records that a data row was read.
func (t *Tally) Row() { t.Read++ }

// Accept records a row that passed validation.
func (t *Tally) Accept() { t.Accepted++ }

// Skip records a malformed row.
func (t *Tally) Skip(reason string) {
	t.Malformed++
	t.reasons[reason]++
}

// Discard records a well-formed row dropped because it is outside the valid
// identifier domain. Discards do not count toward the skip rate.
func (t *Tally) Discard() { t.OutOfDomain++ }

// SkipRate is the fraction of read rows that were malformed.
func (t *Tally) SkipRate() float64 {
	if t.Read == 0 {
		return 0
	}
	return float64(t.Malformed) / float64(t.Read)
}

// Reasons returns the malformed-row counts by reason.
func (t *Tally) Reasons() map[string]int64 {
	out := make(map[string]int64, len(t.reasons))
	for k, v := range t.reasons {
		out[k] = v
	}
	return out
}

// Check logs the tally and returns ErrIntegrity when the skip rate is above
// the threshold.
func (t *Tally) Check() error {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("source", t.Source))

	fields := []zap.Field{
		zap.Int64("read", t.Read),
		zap.Int64("accepted", t.Accepted),
		zap.Int64("malformed", t.Malformed),
		zap.Int64("out_of_domain", t.OutOfDomain),
	}
	keys := make([]string, 0, len(t.reasons))
	for k := range t.reasons {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Int64("malformed_"+k, t.reasons[k]))
	}

	if t.Malformed > 0 {
		log.Warn("skipped malformed rows", fields...)
	} else {
		log.Info("source loaded", fields...)
	}

	if rate := t.SkipRate(); rate > t.MaxSkipRate {
		return eris.Wrapf(ErrIntegrity, "%s: %d of %d rows malformed (%.1f%% > %.1f%%)",
			t.Source, t.Malformed, t.Read, rate*100, t.MaxSkipRate*100)
	}
	return nil
}
