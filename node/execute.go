/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"time"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/wire"
	"go.uber.org/zap"
)

// executeOrdered is spec.md §4.5's executeBatch: backup instances only
// feed the Monitor (they never touch application ledgers); the master
// instance applies and commits each request in order, unless its own
// Replica already did so eagerly while forming the batch as primary.
func (n *Node) executeOrdered(ob *plenum.OrderedBatch) *plenum.Actions {
	actions := &plenum.Actions{}
	latency := n.batchLatency(ob)

	if ob.Instance != 0 {
		n.monitor.OnBackupOrdered(ob.Instance, len(ob.ReqIDs), latency)
		return actions
	}

	var committed []*ledger.Txn
	if ob.AlreadyCommitted {
		committed = n.committedRange(ob)
	} else {
		committed = n.applyAndCommit(ob, actions)
	}

	n.recordExecuted(ob, committed, actions)
	n.catchupMgr.UpdateLastBatch(ob.LedgerID, ob.Key)
	n.monitor.OnMasterOrdered(len(ob.ReqIDs), latency)
	return actions
}

// applyAndCommit runs a not-yet-applied ordered batch's requests through
// their handler. A request whose Apply fails becomes a REJECT and the
// rest of the batch still applies; a Commit or ledger append failure
// panics through the logger, with no state revert.
func (n *Node) applyAndCommit(ob *plenum.OrderedBatch, actions *plenum.Actions) []*ledger.Txn {
	handler, ok := n.handlers.ForLedger(ob.LedgerID)
	if !ok {
		n.logger.Warn("no handler for ordered batch's ledger", zap.Uint8("ledgerId", uint8(ob.LedgerID)))
		return nil
	}
	led := n.ledgers[ob.LedgerID]

	applied := 0
	for _, key := range ob.ReqIDs {
		rec, ok := n.requests[key]
		if !ok {
			// We finalized this request under a different Node instance's
			// propagation path and never kept the body -- nothing to apply.
			continue
		}
		if _, _, err := handler.Apply(rec.Body, ob.PpTime); err != nil {
			actions.Rejects = append(actions.Rejects, &plenum.RejectedRequest{Key: key, Reason: err.Error()})
			continue
		}
		applied++
	}

	txns, err := handler.Commit(applied, ob.StateRoot, ob.TxnRoot, ob.PpTime)
	if err != nil {
		n.logger.Panic("commit failed for ordered batch", zap.Error(err))
		return nil
	}
	for _, txn := range txns {
		if err := led.Append(txn); err != nil {
			n.logger.Panic("ledger append failed for committed txn", zap.Error(err))
		}
	}
	return txns
}

// committedRange recovers the txns this node's own primary already
// appended to the ledger while forming ob as a PRE-PREPARE (spec.md
// §4.2 batch formation step 3): single-threaded, one-batch-at-a-time
// processing guarantees the tail `len(ob.ReqIDs)` entries are exactly
// this batch's.
func (n *Node) committedRange(ob *plenum.OrderedBatch) []*ledger.Txn {
	led, ok := n.ledgers[ob.LedgerID]
	if !ok {
		return nil
	}
	size := led.Size()
	count := uint64(len(ob.ReqIDs))
	if count == 0 || size < count {
		return nil
	}
	out := make([]*ledger.Txn, 0, count)
	for seq := size - count + 1; seq <= size; seq++ {
		if txn, found := led.GetBySeqNo(seq); found {
			out = append(out, txn)
		}
	}
	return out
}

// recordExecuted updates the Node's digest→location replay index and
// replies to every original submitter (spec.md §4.5 "on execution,
// reply to the client with the ledger id and seq no").
func (n *Node) recordExecuted(ob *plenum.OrderedBatch, committed []*ledger.Txn, actions *plenum.Actions) {
	for _, txn := range committed {
		n.orderedIndex[txn.ReqKey] = orderedLocation{LedgerID: ob.LedgerID, SeqNo: txn.SeqNo}
		if rec, ok := n.requests[txn.ReqKey]; ok {
			delete(n.digestToKey, rec.Digest)
		}
		n.unicastClient(actions, txn.ReqKey, &wire.Reply{
			ReqKey:   txn.ReqKey,
			LedgerID: ob.LedgerID,
			SeqNo:    txn.SeqNo,
			Result:   txn.Raw,
		})
		delete(n.requests, txn.ReqKey)
	}
}

func (n *Node) batchLatency(ob *plenum.OrderedBatch) time.Duration {
	now := n.clock()
	if now <= ob.PpTime {
		return 0
	}
	return time.Duration(now - ob.PpTime)
}
