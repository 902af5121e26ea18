/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// stashes groups every "waiting" structure spec.md §5 calls out. All
// waiting in this core is materialized explicitly here; process() and
// tick() never block (spec.md §4.2 "Suspension points & scheduling").
type stashes struct {
	// PRE-PREPAREs outside the watermarks, keyed by 3PC-key.
	outsideWatermarks map[plenum.ThreePCKey][]plenum.Envelope

	// PRE-PREPAREs waiting on a missing predecessor, keyed by the key
	// they themselves occupy.
	pendingPrevPP map[plenum.ThreePCKey]*wire.PrePrepare

	// PRE-PREPAREs waiting on non-finalized requests, keyed by 3PC-key.
	pendingFinReqs map[plenum.ThreePCKey]*wire.PrePrepare

	// PREPAREs that arrived before their PRE-PREPARE.
	preparesWaiting map[plenum.ThreePCKey][]taggedPrepare

	// COMMITs that arrived before their PRE-PREPARE.
	commitsWaiting map[plenum.ThreePCKey][]taggedCommit

	// COMMITs held with quorum but not yet orderable because a lower
	// seqNo in the same view hasn't ordered (spec.md §4.2
	// "stashedOutOfOrderCommits").
	outOfOrderCommits map[plenum.ViewNo]map[plenum.PpSeqNo]struct{}

	// PRE-PREPAREs stashed for being outside the acceptable time window.
	badTime map[plenum.ThreePCKey]*wire.PrePrepare

	// Messages naming a view this replica hasn't reached yet, keyed by
	// that view (spec.md §5 "Future-view messages → msgsForFutureViews").
	// Drained by OnViewChangeDone once the replica catches up to the view.
	futureViews map[plenum.ViewNo][]taggedEnvelope

	// Ordered batches the Node hasn't been told about yet because it
	// isn't participating (spec.md §5 stashedOrderedReqs).
	orderedNotParticipating []*plenum.OrderedBatch
}

type taggedPrepare struct {
	Sender plenum.NodeID
	Msg    *wire.Prepare
}

type taggedCommit struct {
	Sender plenum.NodeID
	Msg    *wire.Commit
}

type taggedEnvelope struct {
	Sender plenum.NodeID
	Msg    plenum.MessagePayload
}

func newStashes() *stashes {
	return &stashes{
		outsideWatermarks: map[plenum.ThreePCKey][]plenum.Envelope{},
		pendingPrevPP:     map[plenum.ThreePCKey]*wire.PrePrepare{},
		pendingFinReqs:    map[plenum.ThreePCKey]*wire.PrePrepare{},
		preparesWaiting:   map[plenum.ThreePCKey][]taggedPrepare{},
		commitsWaiting:    map[plenum.ThreePCKey][]taggedCommit{},
		outOfOrderCommits: map[plenum.ViewNo]map[plenum.PpSeqNo]struct{}{},
		badTime:           map[plenum.ThreePCKey]*wire.PrePrepare{},
		futureViews:       map[plenum.ViewNo][]taggedEnvelope{},
	}
}

func (s *stashes) markOutOfOrderCommit(view plenum.ViewNo, seq plenum.PpSeqNo) {
	if s.outOfOrderCommits[view] == nil {
		s.outOfOrderCommits[view] = map[plenum.PpSeqNo]struct{}{}
	}
	s.outOfOrderCommits[view][seq] = struct{}{}
}

func (s *stashes) dropOutOfOrderCommit(view plenum.ViewNo, seq plenum.PpSeqNo) {
	if m, ok := s.outOfOrderCommits[view]; ok {
		delete(m, seq)
	}
}

// gcBelow drops every 3PC-keyed stash entry at or below the new low
// watermark (spec.md §4.2 checkpoint GC); outOfOrderCommits,
// futureViews and orderedNotParticipating are left untouched.
func (s *stashes) gcBelow(h plenum.PpSeqNo) {
	for k := range s.outsideWatermarks {
		if k.SeqNo <= h {
			delete(s.outsideWatermarks, k)
		}
	}
	for k := range s.pendingPrevPP {
		if k.SeqNo <= h {
			delete(s.pendingPrevPP, k)
		}
	}
	for k := range s.pendingFinReqs {
		if k.SeqNo <= h {
			delete(s.pendingFinReqs, k)
		}
	}
	for k := range s.preparesWaiting {
		if k.SeqNo <= h {
			delete(s.preparesWaiting, k)
		}
	}
	for k := range s.commitsWaiting {
		if k.SeqNo <= h {
			delete(s.commitsWaiting, k)
		}
	}
	for k := range s.badTime {
		if k.SeqNo <= h {
			delete(s.badTime, k)
		}
	}
}
