// Package budget enforces spend caps for project execution. The ledger
// gates every crew invocation: callers check CanSpend before submitting
// work and record actual consumption afterwards.
package budget

import "sync"

// Config sets the caps and optional unit pricing for a ledger.
type Config struct {
	// HardCap is the absolute unit limit. CanSpend refuses anything
	// that would push usage past it.
	HardCap int64
	// SoftCap, when > 0, marks the advisory threshold. Crossing it
	// raises a warning without halting the run.
	SoftCap int64
	// CostPerInputUnit / CostPerOutputUnit derive a monetary cost for
	// reporting. Zero disables the derivation.
	CostPerInputUnit  float64
	CostPerOutputUnit float64
}

// Snapshot is a point-in-time view of ledger state.
type Snapshot struct {
	Calls       int64   `json:"calls"`
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	Used        int64   `json:"used"`
	HardCap     int64   `json:"hard_cap"`
	SoftCap     int64   `json:"soft_cap,omitempty"`
	OverSoft    bool    `json:"over_soft"`
	CostUSD     float64 `json:"cost_usd,omitempty"`

	// CrossedSoft is true only on the snapshot returned by the spend
	// that first pushed usage past the soft cap. The engine uses it to
	// emit exactly one soft_budget_warning event.
	CrossedSoft bool `json:"-"`
}

// Ledger tracks consumption against hard and soft caps. Safe for
// concurrent use; totals never decrease except through Reset.
type Ledger struct {
	mu          sync.Mutex
	cfg         Config
	calls       int64
	inputUnits  int64
	outputUnits int64
	softNotified bool
}

// NewLedger creates a ledger with the given configuration.
func NewLedger(cfg Config) *Ledger {
	return &Ledger{cfg: cfg}
}

// CanSpend reports whether n more units fit under the hard cap.
// Advisory-then-enforced: the engine treats false as fatal for the
// phase that asked.
func (l *Ledger) CanSpend(n int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inputUnits+l.outputUnits+n <= l.cfg.HardCap
}

// RecordSpend adds one call plus the given input/output units and
// returns the resulting snapshot. The read-modify-write is serialized
// so concurrent spends from different projects never race.
func (l *Ledger) RecordSpend(inputUnits, outputUnits int64) Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	l.inputUnits += inputUnits
	l.outputUnits += outputUnits

	snap := l.snapshotLocked()
	if snap.OverSoft && !l.softNotified {
		l.softNotified = true
		snap.CrossedSoft = true
	}
	return snap
}

// OverSoftCap reports whether usage has crossed the soft cap.
// Always false when no soft cap is configured.
func (l *Ledger) OverSoftCap() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked().OverSoft
}

// Used returns total consumed units.
func (l *Ledger) Used() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inputUnits + l.outputUnits
}

// Snapshot returns the current ledger state.
func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// Reset zeroes all running totals. The only path by which totals decrease.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = 0
	l.inputUnits = 0
	l.outputUnits = 0
	l.softNotified = false
}

func (l *Ledger) snapshotLocked() Snapshot {
	used := l.inputUnits + l.outputUnits
	return Snapshot{
		Calls:       l.calls,
		InputUnits:  l.inputUnits,
		OutputUnits: l.outputUnits,
		Used:        used,
		HardCap:     l.cfg.HardCap,
		SoftCap:     l.cfg.SoftCap,
		OverSoft:    l.cfg.SoftCap > 0 && used > l.cfg.SoftCap,
		CostUSD:     float64(l.inputUnits)*l.cfg.CostPerInputUnit + float64(l.outputUnits)*l.cfg.CostPerOutputUnit,
	}
}
