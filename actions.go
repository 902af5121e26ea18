/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package plenum

// Actions are the responsibility of the Node orchestrator to fulfill.
// Replica, ViewChanger and LedgerManager never call back into the Node;
// they only ever return Actions, and receive ActionResults in return.
// This is the resolution to the cyclic-reference problem called out in
// the design notes: a one-way, data-only boundary instead of a stored
// façade reference.
type Actions struct {
	// Broadcast messages should be sent to every node in the pool
	// (including the sender, per-peer transport is assumed reliable and
	// FIFO per spec.md §5).
	Broadcast []Envelope

	// Unicast messages are sent to one specific peer.
	Unicast []Unicast

	// Hash is a set of byte groups to digest. Hashing is an external
	// collaborator (spec.md §1) and may be done out of line with
	// persistence and network sends.
	Hash []*HashRequest

	// Ordered carries newly ordered 3PC batches for the Node to execute.
	Ordered []*OrderedBatch

	// Stable carries ledger ids whose checkpoint just became stable, so
	// the Node can react (e.g. answer pending LEDGER_STATUS requests with
	// a fresher size/root).
	Stable []LedgerID

	// Suspicions raised while processing messages in this call.
	Suspicions []*Suspicion

	// CatchupNeeded requests the Node start or restart catch-up for the
	// named ledgers (possibly all of them, on a view change).
	CatchupNeeded []LedgerID

	// ViewChangeDone signals that a view change has completed locally and
	// carries the new primary assignment, keyed by instance.
	ViewChangeDone *ViewChangeResult

	// NeedPropagates asks the Node to (re-)PROPAGATE the named requests,
	// because a PRE-PREPARE referenced a digest this replica hasn't
	// finalized yet (spec.md §4.2 "request PROPAGATEs for the missing
	// digests").
	NeedPropagates []RequestKey

	// Rejects carries dynamic-validation failures from batch formation,
	// for the Node to turn into a Reject reply to the client (spec.md §7).
	Rejects []*RejectedRequest

	// ViewChangeStarting is set when a ViewChanger enters VIEW_CHANGING,
	// so the Node can call OnViewChangeStart on every local Replica and
	// kick off a fresh catch-up of all ledgers (spec.md §4.3 step 1).
	ViewChangeStarting *ViewNo

	// CatchupComplete is set once a LedgerManager observes every
	// requested ledger synced, in sync order. It carries the highest 3PC
	// key observed across the synced ledgers' LEDGER_STATUS exchange, for
	// the Node to hand to every local Replica and the ViewChanger
	// (spec.md §4.4 step 4).
	CatchupComplete *ThreePCKey
}

// RejectedRequest is a request a master replica included in a batch but
// could not apply against current state.
type RejectedRequest struct {
	Key    RequestKey
	Reason string
}

// IsEmpty reports whether every field is zero length/value.
func (a *Actions) IsEmpty() bool {
	return len(a.Broadcast) == 0 &&
		len(a.Unicast) == 0 &&
		len(a.Hash) == 0 &&
		len(a.Ordered) == 0 &&
		len(a.Stable) == 0 &&
		len(a.Suspicions) == 0 &&
		len(a.CatchupNeeded) == 0 &&
		len(a.NeedPropagates) == 0 &&
		len(a.Rejects) == 0 &&
		a.ViewChangeDone == nil &&
		a.ViewChangeStarting == nil &&
		a.CatchupComplete == nil
}

// Append merges o into a, field by field.
func (a *Actions) Append(o *Actions) *Actions {
	if o == nil {
		return a
	}
	a.Broadcast = append(a.Broadcast, o.Broadcast...)
	a.Unicast = append(a.Unicast, o.Unicast...)
	a.Hash = append(a.Hash, o.Hash...)
	a.Ordered = append(a.Ordered, o.Ordered...)
	a.Stable = append(a.Stable, o.Stable...)
	a.Suspicions = append(a.Suspicions, o.Suspicions...)
	a.CatchupNeeded = append(a.CatchupNeeded, o.CatchupNeeded...)
	a.NeedPropagates = append(a.NeedPropagates, o.NeedPropagates...)
	a.Rejects = append(a.Rejects, o.Rejects...)
	if o.ViewChangeDone != nil {
		a.ViewChangeDone = o.ViewChangeDone
	}
	if o.ViewChangeStarting != nil {
		a.ViewChangeStarting = o.ViewChangeStarting
	}
	if o.CatchupComplete != nil {
		a.CatchupComplete = o.CatchupComplete
	}
	return a
}

// Unicast targets a single peer with a message.
type Unicast struct {
	Target NodeID
	Msg    Envelope
}

// HashRequest asks the Node to compute a digest over Data and return it
// tagged with Context so the emitting component can recognize its own
// result in ActionResults.
type HashRequest struct {
	Data    [][]byte
	Context interface{}
}

// HashResult is the answer to a HashRequest.
type HashResult struct {
	Digest  Digest
	Context interface{}
}

// OrderedBatch is emitted by a Replica when a 3PC-key is ordered
// (spec.md §4.2 "Ordering emission").
type OrderedBatch struct {
	Instance  InstanceID
	Key       ThreePCKey
	PpTime    int64
	ReqIDs    []RequestKey
	LedgerID  LedgerID
	StateRoot []byte
	TxnRoot   []byte
	Discarded int

	// AlreadyCommitted is true when this node's own Replica formed the
	// batch as primary and therefore already applied and committed it
	// eagerly at PRE-PREPARE time (spec.md §4.2 batch formation step 3);
	// the Node must not re-apply it when executing this OrderedBatch.
	AlreadyCommitted bool
}

// ViewChangeResult is the per-instance primary assignment a ViewChanger
// finalizes once it has collected quorum-matching VIEW_CHANGE_DONE
// vectors (spec.md §4.3).
type ViewChangeResult struct {
	View       ViewNo
	Primaries  map[InstanceID]NodeID
}

// ActionResults are handed back to the emitting component by the Node
// once it has fulfilled the corresponding Actions.
type ActionResults struct {
	Digests []*HashResult
}
