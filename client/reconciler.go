package client

import (
	"context"
	"fmt"
	"time"
)

// NegotiationFetcher is the slice of Client the reconciler needs.
type NegotiationFetcher interface {
	GetNegotiation(ctx context.Context, id string) (Negotiation, error)
}

// Reconciler polls a negotiation until it settles, pushing every observed
// change to the caller. Realtime events are best-effort, so any UI tracking a
// negotiation runs one of these alongside its event stream: the poll is the
// source of truth, the events are just latency sugar.
type Reconciler struct {
	fetch         NegotiationFetcher
	negotiationID string
	onUpdate      func(Negotiation)
	interval      time.Duration
	maxFailures   int
}

const (
	defaultPollInterval = 1500 * time.Millisecond
	defaultMaxFailures  = 5
)

// NewReconciler builds a poller for one negotiation. onUpdate may be nil;
// when set, it is invoked on every observed change including the final state.
func NewReconciler(fetch NegotiationFetcher, negotiationID string, onUpdate func(Negotiation)) *Reconciler {
	return &Reconciler{
		fetch:         fetch,
		negotiationID: negotiationID,
		onUpdate:      onUpdate,
		interval:      defaultPollInterval,
		maxFailures:   defaultMaxFailures,
	}
}

// WithInterval overrides the poll interval. Tests use a short one.
func (r *Reconciler) WithInterval(d time.Duration) *Reconciler {
	r.interval = d
	return r
}

// Settled reports whether the negotiation has reached a state the poller can
// stop on: a contract exists, or the record is terminal.
func Settled(n Negotiation) bool {
	if n.ContractID != nil {
		return true
	}
	switch n.Status {
	case "rejected", "cancelled", "both_agreed":
		return true
	}
	return false
}

// Run polls until the negotiation settles, the context ends, or fetches fail
// repeatedly. The first fetch happens immediately, not after one interval.
func (r *Reconciler) Run(ctx context.Context) (Negotiation, error) {
	var (
		last     Negotiation
		seen     bool
		failures int
	)

	poll := func() (bool, error) {
		n, err := r.fetch.GetNegotiation(ctx, r.negotiationID)
		if err != nil {
			failures++
			if failures >= r.maxFailures {
				return false, fmt.Errorf("client: reconcile %s: %w", r.negotiationID, err)
			}
			return false, nil
		}
		failures = 0
		if !seen || changed(last, n) {
			seen = true
			last = n
			if r.onUpdate != nil {
				r.onUpdate(n)
			}
		}
		return Settled(n), nil
	}

	done, err := poll()
	if err != nil {
		return last, err
	}
	if done {
		return last, nil
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-ticker.C:
			done, err := poll()
			if err != nil {
				return last, err
			}
			if done {
				return last, nil
			}
		}
	}
}

func changed(a, b Negotiation) bool {
	if a.Status != b.Status || a.ClientAgreed != b.ClientAgreed || a.WorkerAgreed != b.WorkerAgreed {
		return true
	}
	if (a.ContractID == nil) != (b.ContractID == nil) {
		return true
	}
	if a.ContractID != nil && b.ContractID != nil && *a.ContractID != *b.ContractID {
		return true
	}
	return a.UpdatedAt != b.UpdatedAt
}
