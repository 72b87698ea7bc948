package risk

import (
	"github.com/shopspring/decimal"
)

const (
	// dumpHistorySize is the rolling window of ticker samples
	dumpHistorySize = 12
	// dumpLookback compares the newest sample against this many samples back
	dumpLookback = 6
)

// dumpThresholdPct is the drop that counts as a dump
var dumpThresholdPct = decimal.RequireFromString("2")

// DumpDetector watches a rolling window of prices for a rapid drop.
// Per-supervisor, single-goroutine use; not safe for concurrent callers.
type DumpDetector struct {
	history []decimal.Decimal
}

// NewDumpDetector creates an empty detector
func NewDumpDetector() *DumpDetector {
	return &DumpDetector{history: make([]decimal.Decimal, 0, dumpHistorySize)}
}

// Observe pushes a price sample and reports whether the drop against the
// sample six ticks back exceeds the threshold.
func (d *DumpDetector) Observe(price decimal.Decimal) (dropPct decimal.Decimal, dumped bool) {
	d.history = append(d.history, price)
	if len(d.history) > dumpHistorySize {
		d.history = d.history[len(d.history)-dumpHistorySize:]
	}

	if len(d.history) <= dumpLookback {
		return decimal.Zero, false
	}

	reference := d.history[len(d.history)-1-dumpLookback]
	if !reference.IsPositive() {
		return decimal.Zero, false
	}

	dropPct = reference.Sub(price).Div(reference).Mul(decimal.NewFromInt(100))
	return dropPct, dropPct.GreaterThan(dumpThresholdPct)
}

// Reset clears the window, used when a cycle restarts
func (d *DumpDetector) Reset() {
	d.history = d.history[:0]
}
