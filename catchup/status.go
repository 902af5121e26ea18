/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package catchup

import (
	"strconv"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// Process dispatches one inbound catch-up message (spec.md §4.4).
func (m *Manager) Process(sender plenum.NodeID, msg plenum.MessagePayload) *plenum.Actions {
	switch v := msg.(type) {
	case *wire.LedgerStatus:
		return m.processLedgerStatus(sender, v)
	case *wire.ConsistencyProof:
		return m.processConsistencyProof(sender, v)
	case *wire.CatchupReq:
		return m.processCatchupReq(sender, v)
	case *wire.CatchupRep:
		return m.processCatchupRep(sender, v)
	default:
		return &plenum.Actions{}
	}
}

func targetKey(size uint64, root []byte) string {
	return strconv.FormatUint(size, 10) + ":" + string(root)
}

// processLedgerStatus implements the responder side of spec.md §4.4
// step 1/2: if the sender is behind us, prove our current state is
// reachable from theirs with a CONSISTENCY_PROOF. If the sender is
// ahead, record their attestation -- it becomes one of the ≥ f+1
// matching proofs this node needs once it replies with its own proof
// (handled in processConsistencyProof).
func (m *Manager) processLedgerStatus(sender plenum.NodeID, status *wire.LedgerStatus) *plenum.Actions {
	actions := &plenum.Actions{}
	led, ok := m.ledgers[status.LedgerID]
	if !ok {
		return actions
	}
	ourSize := led.Size()
	if ourSize >= status.Size {
		if m.heardFrom[status.LedgerID] == nil {
			m.heardFrom[status.LedgerID] = map[plenum.NodeID]struct{}{}
		}
		m.heardFrom[status.LedgerID][sender] = struct{}{}
	}

	if ourSize > status.Size {
		path := led.ConsistencyProof(status.Size)
		actions.Unicast = append(actions.Unicast, plenum.Unicast{Target: sender, Msg: plenum.Envelope{Payload: &wire.ConsistencyProof{
			LedgerID:   status.LedgerID,
			TargetSize: ourSize,
			TargetRoot: led.MerkleRoot(),
			MerklePath: path,
		}}})
		return actions
	}

	if ourSize < status.Size {
		if m.statusVotes[status.LedgerID] == nil {
			m.statusVotes[status.LedgerID] = map[string]*statusVote{}
		}
		key := targetKey(status.Size, status.MerkleRoot)
		v, exists := m.statusVotes[status.LedgerID][key]
		if !exists {
			v = &statusVote{size: status.Size, root: status.MerkleRoot, lastBatch: status.LastBatch, senders: map[plenum.NodeID]struct{}{}}
			m.statusVotes[status.LedgerID][key] = v
		}
		v.senders[sender] = struct{}{}
		if status.LastBatch != (plenum.ThreePCKey{}) && v.lastBatch.Less(status.LastBatch) {
			v.lastBatch = status.LastBatch
		}
	}
	return actions
}
