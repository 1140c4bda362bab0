// Package consent tracks the user's per-sensor streaming decisions for a run.
package consent

import (
	"context"
	"sync"

	"github.com/mil-ad/bandlog/internal/band"
	"github.com/mil-ad/bandlog/internal/metrics"
)

// Prompter asks the user whether a sensor may stream.
type Prompter interface {
	Confirm(ctx context.Context, kind band.SensorKind) (bool, error)
}

// Ledger remembers consent decisions. A decision, once made, holds for the
// life of the ledger: granted stays granted and denied stays denied.
type Ledger struct {
	prompter Prompter

	mu        sync.Mutex
	decisions map[band.SensorKind]band.Consent

	// one prompt on screen at a time
	promptMu sync.Mutex
}

// NewLedger returns a ledger that asks p for undecided sensors. Kinds listed in
// granted start out granted.
func NewLedger(p Prompter, granted ...band.SensorKind) *Ledger {
	l := &Ledger{
		prompter:  p,
		decisions: make(map[band.SensorKind]band.Consent),
	}
	for _, k := range granted {
		l.decisions[k] = band.ConsentGranted
	}
	return l
}

// Get returns the current decision for kind without prompting.
func (l *Ledger) Get(kind band.SensorKind) band.Consent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.decisions[kind]; ok {
		return c
	}
	return band.ConsentUnknown
}

// Request returns the recorded decision for kind, prompting the user first if
// there is none. Prompter errors leave the sensor undecided.
func (l *Ledger) Request(ctx context.Context, kind band.SensorKind) (band.Consent, error) {
	if c := l.Get(kind); c != band.ConsentUnknown {
		return c, nil
	}

	l.promptMu.Lock()
	defer l.promptMu.Unlock()

	// another caller may have decided while we waited
	if c := l.Get(kind); c != band.ConsentUnknown {
		return c, nil
	}

	ok, err := l.prompter.Confirm(ctx, kind)
	if err != nil {
		metrics.ConsentRequests.WithLabelValues(string(kind), "error").Inc()
		return band.ConsentUnknown, err
	}
	decision := band.ConsentDenied
	if ok {
		decision = band.ConsentGranted
	}
	metrics.ConsentRequests.WithLabelValues(string(kind), string(decision)).Inc()
	return l.record(kind, decision), nil
}

// record stores c unless a decision already exists, and returns the decision
// in effect.
func (l *Ledger) record(kind band.SensorKind, c band.Consent) band.Consent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if prev, ok := l.decisions[kind]; ok && prev != band.ConsentUnknown {
		return prev
	}
	l.decisions[kind] = c
	return c
}
