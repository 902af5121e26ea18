/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// seqState is the lifecycle of a single 3PC-key on this replica,
// grounded on other_examples/6be82e50_vukolic-mirbft__sequence.go.go's
// sequenceState enum, adapted from Mir-BFT's multi-leader bucket model
// to this spec's single-primary-per-instance 3PC model: there is no
// "pending requests"/"ready" split here because finalization happens in
// the Node before a digest ever reaches a Replica queue (spec.md §4.5).
type seqState int

const (
	seqEmpty seqState = iota
	seqPrePrepared
	seqPrepared
	seqCommitted
	seqOrdered
)

// sequence is the per-3PC-key bookkeeping a replica holds: the accepted
// PRE-PREPARE (if any), and the PREPARE/COMMIT votes seen so far, keyed
// by sender -- directly grounded on the teacher-lineage sequence.go's
// `prepares`/`commits map[string]map[nodeID]struct{}`, simplified here
// because this spec accepts at most one PRE-PREPARE per key (I3), so
// there is no need to key votes by digest as well as sender: a vote for
// the wrong digest is a suspicion (spec.md §4.2), not an alternate
// branch to track.
type sequence struct {
	key   plenum.ThreePCKey
	state seqState

	prePrepare *wire.PrePrepare
	sentAt     int64 // when this replica accepted/sent the PRE-PREPARE

	prepares map[plenum.NodeID]*wire.Prepare
	commits  map[plenum.NodeID]*wire.Commit

	ledgerID   plenum.LedgerID
	discarded  int
	selfFormed bool // true if this node's own master-instance tryFormBatch produced the PRE-PREPARE, i.e. it already applied+committed the batch eagerly; the Node must not re-apply it on Ordered.
}

func newSequence(key plenum.ThreePCKey) *sequence {
	return &sequence{
		key:      key,
		prepares: map[plenum.NodeID]*wire.Prepare{},
		commits:  map[plenum.NodeID]*wire.Commit{},
	}
}

// matchesAccepted reports whether digest/roots agree with the accepted
// PRE-PREPARE (spec.md I7).
func (s *sequence) matchesAccepted(digest plenum.Digest, stateRoot, txnRoot []byte) bool {
	if s.prePrepare == nil {
		return false
	}
	return s.prePrepare.BatchDigest == digest &&
		bytesEqual(s.prePrepare.StateRoot, stateRoot) &&
		bytesEqual(s.prePrepare.TxnRoot, txnRoot)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// prepareCount returns the number of distinct-sender PREPAREs consistent
// with the accepted PRE-PREPARE, excluding the primary (spec.md Open
// Question resolution: 2f PREPAREs excluding the primary; the primary's
// PRE-PREPARE substitutes for its own PREPARE).
func (s *sequence) prepareCount(primary plenum.NodeID) int {
	n := 0
	for sender := range s.prepares {
		if sender == primary {
			continue
		}
		n++
	}
	return n
}

func (s *sequence) commitCount() int {
	return len(s.commits)
}
