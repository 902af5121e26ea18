/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// tryFormBatch is the primary-only half of spec.md §4.5's request
// pipeline: drain the oldest non-empty ledger queue, dynamically
// validate and apply each request against that ledger's handler (master
// instance only; a backup instance's primary batches the digests
// without validating, applying or committing them), then
// assemble and broadcast a PRE-PREPARE. Invalid requests are sorted to
// the end of the batch rather than dropped silently, so every other
// replica can recompute the same roots without seeing the rejected
// bodies; Discarded is the count of valid requests, i.e. the index
// where the discarded tail begins (spec.md §4.5 "valid-before-invalid
// ordering", "discarded = |valid|").
func (r *Replica) tryFormBatch() *plenum.Actions {
	actions := &plenum.Actions{}

	ledgerID, ok := r.queues.oldestNonEmptyLedger()
	if !ok {
		return actions
	}
	if !r.ckpt.inWatermarks(r.nextPpSeqNo) {
		return actions
	}

	items := r.queues.drain(ledgerID, r.cfg.MaxBatchSize)
	if len(items) == 0 {
		return actions
	}

	handler, found := r.handlers.ForLedger(ledgerID)
	if !found {
		// nothing can apply this ledger's txns; put them back and wait.
		for _, it := range items {
			r.queues.enqueue(it)
		}
		return actions
	}

	ppTime := r.clock()
	if ppTime < r.lastAcceptedPpTime {
		ppTime = r.lastAcceptedPpTime
	}

	state := r.states[ledgerID]
	preRoot := state.Head()

	valid := make([]finalizedRequest, 0, len(items))
	var invalid []finalizedRequest
	var provisional []*ledger.Txn
	for _, it := range items {
		if !r.Master {
			valid = append(valid, it)
			continue
		}
		if err := handler.Validate(it.Body); err != nil {
			invalid = append(invalid, it)
			actions.Rejects = append(actions.Rejects, &plenum.RejectedRequest{Key: it.Key, Reason: err.Error()})
			continue
		}
		_, txn, err := handler.Apply(it.Body, ppTime)
		if err != nil {
			invalid = append(invalid, it)
			actions.Rejects = append(actions.Rejects, &plenum.RejectedRequest{Key: it.Key, Reason: err.Error()})
			continue
		}
		valid = append(valid, it)
		provisional = append(provisional, txn)
	}

	if len(valid) == 0 {
		// nothing survived dynamic validation; no batch to cut this tick.
		return actions
	}

	stateRoot := state.Head()
	h := r.hasher()
	for _, txn := range provisional {
		h.Write([]byte(txn.Digest))
	}
	txnRoot := h.Sum(nil)

	var committed []*ledger.Txn
	var err error
	if r.Master {
		committed, err = handler.Commit(len(valid), stateRoot, txnRoot, ppTime)
	}
	if err != nil {
		state.RevertToHead(preRoot)
		for _, it := range items {
			r.queues.enqueue(it)
		}
		return actions
	}
	if led, ok := r.ledgers[ledgerID]; ok {
		for _, txn := range committed {
			led.Append(txn)
		}
	}

	ordered := append(append([]finalizedRequest{}, valid...), invalid...)
	reqIDs := make([]plenum.RequestIDWithDigest, len(ordered))
	for i, it := range ordered {
		reqIDs[i] = plenum.RequestIDWithDigest{Key: it.Key, Digest: it.Digest}
	}

	bh := r.hasher()
	for _, rid := range reqIDs {
		bh.Write([]byte(rid.Digest))
	}
	bh.Write(stateRoot)
	bh.Write(txnRoot)
	batchDigest := plenum.Digest(bh.Sum(nil))

	key := plenum.ThreePCKey{View: r.view, SeqNo: r.nextPpSeqNo}
	pp := &wire.PrePrepare{
		ViewNo:      key.View,
		PpSeqNo:     key.SeqNo,
		PpTime:      ppTime,
		ReqIDs:      reqIDs,
		Discarded:   len(valid),
		BatchDigest: batchDigest,
		LedgerID:    ledgerID,
		StateRoot:   stateRoot,
		TxnRoot:     txnRoot,
	}

	seq := newSequence(key)
	seq.prePrepare = pp
	seq.state = seqPrePrepared
	seq.ledgerID = ledgerID
	seq.discarded = len(valid)
	seq.sentAt = ppTime
	seq.selfFormed = r.Master
	r.sequences[key] = seq

	r.nextPpSeqNo++
	r.lastAcceptedPpTime = ppTime
	r.lastBatchTime = ppTime

	r.broadcast(actions, pp)
	return actions
}
