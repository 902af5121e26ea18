/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// finalizedRequest is a request the Node has told this replica is
// finalized (>= f+1 identical PROPAGATEs, spec.md §3 "Requests") and
// queued for ordering against a specific ledger. Body is only consulted
// by the master instance, the only one that validates and applies
// requests while forming a batch (spec.md §4.5 "Backup instances never
// apply").
type finalizedRequest struct {
	Key      plenum.RequestKey
	Digest   plenum.Digest
	LedgerID plenum.LedgerID
	Body     wire.RequestData
}

// ledgerQueues holds one FIFO per ledger id this replica batches for.
// A replica may serve more than one ledger (e.g. a backup instance
// watching both config and domain traffic); batch formation picks
// whichever ledger has the oldest enqueued request, see
// Replica.tryFormBatch.
type ledgerQueues struct {
	byLedger map[plenum.LedgerID][]finalizedRequest
	order    []plenum.LedgerID // ledgers with >=1 queued request, oldest-enqueue-first
}

func newLedgerQueues() *ledgerQueues {
	return &ledgerQueues{byLedger: map[plenum.LedgerID][]finalizedRequest{}}
}

func (q *ledgerQueues) enqueue(fr finalizedRequest) {
	if len(q.byLedger[fr.LedgerID]) == 0 {
		q.order = append(q.order, fr.LedgerID)
	}
	q.byLedger[fr.LedgerID] = append(q.byLedger[fr.LedgerID], fr)
}

func (q *ledgerQueues) len(id plenum.LedgerID) int {
	return len(q.byLedger[id])
}

// oldestNonEmptyLedger returns the ledger whose queue has been
// non-empty the longest, or false if every queue is empty.
func (q *ledgerQueues) oldestNonEmptyLedger() (plenum.LedgerID, bool) {
	for len(q.order) > 0 {
		candidate := q.order[0]
		if len(q.byLedger[candidate]) > 0 {
			return candidate, true
		}
		q.order = q.order[1:]
	}
	return 0, false
}

// drain removes up to max entries from the front of id's queue.
func (q *ledgerQueues) drain(id plenum.LedgerID, max int) []finalizedRequest {
	items := q.byLedger[id]
	if len(items) > max {
		q.byLedger[id] = items[max:]
		return items[:max]
	}
	q.byLedger[id] = nil
	return items
}

// drop removes specific request keys from id's queue (spec.md §4.2
// "Drop ordered request keys from the ledger queue").
func (q *ledgerQueues) drop(id plenum.LedgerID, keys []plenum.RequestKey) {
	if len(keys) == 0 {
		return
	}
	remove := map[plenum.RequestKey]struct{}{}
	for _, k := range keys {
		remove[k] = struct{}{}
	}
	items := q.byLedger[id]
	kept := items[:0]
	for _, it := range items {
		if _, gone := remove[it.Key]; !gone {
			kept = append(kept, it)
		}
	}
	q.byLedger[id] = kept
}
