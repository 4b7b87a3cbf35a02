// Package deal drives the deal state machine: the pair and trio
// controller loops, the transition table, and the close-event CSV log.
package deal

import (
	"arbwatch/pkg/types"
)

// Transition applies the state machine to a freshly computed candidate
// against the persisted prior state. The candidate carries the new
// economics (profit, totals, threshold verdict) and its observation time;
// the prior decides which transition fires:
//
//	prior.threshold  candidate.threshold  type    ts_open     ts_close
//	false            false                noop    unchanged   unchanged
//	false            true                 open    candidate   unset
//	true             true                 update  unchanged   unset
//	true             false                close   unchanged   prior.ts
//
// On close the prior record is preserved wholesale — its economics are the
// deal that is ending — with threshold forced to false and ts_close set.
func Transition(prior, candidate types.DealEvent) types.DealEvent {
	switch {
	case !prior.Threshold && !candidate.Threshold:
		next := candidate
		next.Type = types.DealNoop
		next.Threshold = false
		next.TSOpen = prior.TSOpen
		next.Duration = ""
		return next

	case !prior.Threshold && candidate.Threshold:
		next := candidate
		next.Type = types.DealOpen
		next.TSOpen = candidate.TS
		next.Duration = candidate.TS.Sub(next.TSOpen).String()
		return next

	case prior.Threshold && candidate.Threshold:
		next := candidate
		next.Type = types.DealUpdate
		next.TSOpen = prior.TSOpen
		next.Duration = candidate.TS.Sub(next.TSOpen).String()
		return next

	default: // prior true, candidate false
		next := prior
		next.Type = types.DealClose
		next.Threshold = false
		closed := prior.TS
		next.TSClose = &closed
		next.TS = candidate.TS
		next.Duration = candidate.TS.Sub(prior.TSOpen).String()
		return next
	}
}
