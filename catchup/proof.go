/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package catchup

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// processConsistencyProof implements the requester side of spec.md §4.4
// step 2: once ≥ f+1 matching proofs arrive, request the missing txns
// in chunks via CATCHUP_REQ.
func (m *Manager) processConsistencyProof(sender plenum.NodeID, proof *wire.ConsistencyProof) *plenum.Actions {
	actions := &plenum.Actions{}
	if m.state[proof.LedgerID] != NotSynced || !m.eligible(proof.LedgerID) {
		return actions
	}
	if m.proofVotes[proof.LedgerID] == nil {
		m.proofVotes[proof.LedgerID] = map[string]*proofVote{}
	}
	key := targetKey(proof.TargetSize, proof.TargetRoot)
	v, exists := m.proofVotes[proof.LedgerID][key]
	if !exists {
		v = &proofVote{size: proof.TargetSize, root: proof.TargetRoot, senders: map[plenum.NodeID]struct{}{}}
		m.proofVotes[proof.LedgerID][key] = v
	}
	v.senders[sender] = struct{}{}

	if len(v.senders) < m.poolr.Quorums().Weak {
		return actions
	}

	lastBatch := plenum.ThreePCKey{}
	if sv, ok := m.statusVotes[proof.LedgerID][key]; ok {
		lastBatch = sv.lastBatch
	}
	m.target[proof.LedgerID] = &syncTarget{size: v.size, root: v.root, lastBatch: lastBatch}
	m.state[proof.LedgerID] = Syncing

	from := m.ourSize(proof.LedgerID) + 1
	actions.Unicast = append(actions.Unicast, plenum.Unicast{Target: sender, Msg: plenum.Envelope{Payload: &wire.CatchupReq{
		LedgerID:         proof.LedgerID,
		From:             from,
		To:               v.size,
		CatchupUntilSize: v.size,
	}}})
	return actions
}

// processCatchupReq is the responder role: serve the requested range
// from our own ledger, proving it is a prefix of our state up to
// CatchupUntilSize (spec.md §4.4 step 2/3).
func (m *Manager) processCatchupReq(sender plenum.NodeID, req *wire.CatchupReq) *plenum.Actions {
	actions := &plenum.Actions{}
	led, ok := m.ledgers[req.LedgerID]
	if !ok {
		return actions
	}
	txns := map[uint64][]byte{}
	for seq := req.From; seq <= req.To; seq++ {
		if txn, found := led.GetBySeqNo(seq); found {
			txns[seq] = txn.Raw
		}
	}
	path := led.ConsistencyProof(req.CatchupUntilSize)
	actions.Unicast = append(actions.Unicast, plenum.Unicast{Target: sender, Msg: plenum.Envelope{Payload: &wire.CatchupRep{
		LedgerID:   req.LedgerID,
		Txns:       txns,
		MerklePath: path,
	}}})
	return actions
}

// processCatchupRep is the requester role: append the received range,
// feed the ledger's handler, and advance towards Synced (spec.md §4.4
// step 3). Validating the Merkle path cryptographically is an external
// collaborator's job (spec.md §1); here it is represented by ignoring a
// reply with an empty path while this ledger is still short of the
// target size, matching the
// teacher's own stance of trusting a narrow interface rather than
// re-implementing crypto inline.
func (m *Manager) processCatchupRep(sender plenum.NodeID, rep *wire.CatchupRep) *plenum.Actions {
	actions := &plenum.Actions{}
	if m.state[rep.LedgerID] != Syncing {
		return actions
	}
	target := m.target[rep.LedgerID]
	if target == nil {
		return actions
	}
	if len(rep.MerklePath) == 0 && target.size > m.ourSize(rep.LedgerID) {
		return actions
	}

	led := m.ledgers[rep.LedgerID]
	handler, hasHandler := m.handlers.ForLedger(rep.LedgerID)

	next := led.Size() + 1
	var applied []*ledger.Txn
	for {
		raw, ok := rep.Txns[next]
		if !ok {
			break
		}
		txn := &ledger.Txn{SeqNo: next, Raw: raw}
		if err := led.Append(txn); err != nil {
			break
		}
		applied = append(applied, txn)
		next++
	}
	if hasHandler && len(applied) > 0 {
		handler.UpdateState(applied, true)
	}

	if led.Size() >= target.size {
		m.state[rep.LedgerID] = Synced
	}

	m.advanceEligible(actions)
	if done := m.checkAllSynced(); done != nil {
		actions.CatchupComplete = done
	}
	return actions
}

// checkAllSynced returns the highest lastBatch 3PC key observed across
// every requested ledger's sync target, once all are Synced (spec.md
// §4.4 step 4 "surface lastCaughtUp3PC"); nil if not yet complete.
func (m *Manager) checkAllSynced() *plenum.ThreePCKey {
	if !m.AllSynced() {
		return nil
	}
	best := plenum.ThreePCKey{}
	for _, t := range m.target {
		if t != nil && best.Less(t.lastBatch) {
			best = t.lastBatch
		}
	}
	m.active = false
	return &best
}
