/*
Package brewing drives production batches through their lifecycle on top
of the generic engine.

STATE MACHINE:

	PLANNED → BREWING → FERMENTING → CONDITIONING → READY → PACKAGING → COMPLETED
	                          └──────────────────────→ READY
	any non-terminal ─────────────────────────────────────────→ CANCELLED

  COMPLETED and CANCELLED are terminal. Every operation validates the
  current status first and fails with InvalidBatchState, changing nothing,
  when it does not match.

UNIT OF WORK:
  Each mutating operation is one Store.WithTx call. Locks are taken in
  the fixed order items (by id), vessels (by id), batch. Ids needed for
  locking are read first, then re-verified once the batch row is locked.

SEE ALSO:
  - service.go: Engine wiring
  - batch.go: create and lifecycle transitions
  - packaging.go: packaging runs and completion
*/
package brewing

import (
	"github.com/warp/batch-engine/generic"
)

// transitions lists, per target status, the statuses it may be entered from.
var transitions = map[generic.BatchStatus][]generic.BatchStatus{
	generic.StatusBrewing:      {generic.StatusPlanned},
	generic.StatusFermenting:   {generic.StatusBrewing},
	generic.StatusConditioning: {generic.StatusFermenting},
	generic.StatusReady:        {generic.StatusFermenting, generic.StatusConditioning},
	generic.StatusPackaging:    {generic.StatusReady, generic.StatusPackaging},
	generic.StatusCompleted:    {generic.StatusReady, generic.StatusPackaging},
	generic.StatusCancelled: {
		generic.StatusPlanned, generic.StatusBrewing, generic.StatusFermenting,
		generic.StatusConditioning, generic.StatusReady, generic.StatusPackaging,
	},
}

// CanTransition reports whether a batch in from may move to to.
func CanTransition(from, to generic.BatchStatus) bool {
	for _, s := range transitions[to] {
		if s == from {
			return true
		}
	}
	return false
}

// requireStatus fails with InvalidBatchState unless b is in one of allowed.
func requireStatus(b generic.Batch, op string, allowed ...generic.BatchStatus) error {
	for _, s := range allowed {
		if b.Status == s {
			return nil
		}
	}
	return &generic.InvalidBatchStateError{
		BatchID:   b.ID,
		Operation: op,
		Current:   b.Status,
		Required:  allowed,
	}
}

// requireTransition is requireStatus against the transition table.
func requireTransition(b generic.Batch, op string, to generic.BatchStatus) error {
	return requireStatus(b, op, transitions[to]...)
}
