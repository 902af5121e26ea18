/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package viewchange

import (
	"sort"
	"strconv"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// viewChangeDoneTracker tallies VIEW_CHANGE_DONE votes per view, keyed
// by the (newPrimary, ledgerSummary) vector they attest to -- two
// senders only agree if both fields match exactly (spec.md §4.3 step 3
// "2f+1 identical (newPrimary, ledgerSummary) vectors").
type viewChangeDoneTracker struct {
	votes map[plenum.ViewNo]map[string]*vcdVote // voteKey -> vote
}

type vcdVote struct {
	newPrimary plenum.NodeID
	summary    []wire.LedgerSummary
	senders    map[plenum.NodeID]struct{}
}

func newViewChangeDoneTracker() *viewChangeDoneTracker {
	return &viewChangeDoneTracker{votes: map[plenum.ViewNo]map[string]*vcdVote{}}
}

// voteKey deterministically encodes (newPrimary, ledgerSummary); callers
// are required to send ledgerSummary in a stable order (spec.md §4.3
// step 2 "in a stable order"), so no local re-sorting happens here --
// doing so would mask a misbehaving sender that should instead be
// treated as voting for a distinct vector.
func voteKey(newPrimary plenum.NodeID, summary []wire.LedgerSummary) string {
	key := string(newPrimary) + "|"
	for _, s := range summary {
		key += strconv.FormatUint(uint64(s.LedgerID), 10) + ":" +
			strconv.FormatUint(s.Size, 10) + ":" + string(s.MerkleRoot) + ";"
	}
	return key
}

func (t *viewChangeDoneTracker) record(view plenum.ViewNo, sender plenum.NodeID, newPrimary plenum.NodeID, summary []wire.LedgerSummary) *vcdVote {
	if t.votes[view] == nil {
		t.votes[view] = map[string]*vcdVote{}
	}
	key := voteKey(newPrimary, summary)
	v, ok := t.votes[view][key]
	if !ok {
		v = &vcdVote{newPrimary: newPrimary, summary: summary, senders: map[plenum.NodeID]struct{}{}}
		t.votes[view][key] = v
	}
	v.senders[sender] = struct{}{}
	return v
}

func (t *viewChangeDoneTracker) reset(view plenum.ViewNo) {
	delete(t.votes, view)
}

// OnCatchupComplete broadcasts this node's own VIEW_CHANGE_DONE once the
// forced catch-up entering VIEW_CHANGING finishes (spec.md §4.3 step 2).
// ledgerSummary must already be in the fixed, stable ledger order.
func (vc *ViewChanger) OnCatchupComplete(ledgerSummary []wire.LedgerSummary) *plenum.Actions {
	actions := &plenum.Actions{}
	if vc.state != StateViewChanging {
		return actions
	}
	vc.pendingCatchup = false
	primary, ok := vc.poolr.MasterPrimary(vc.proposedView)
	if !ok {
		return actions
	}
	msg := &wire.ViewChangeDone{ViewNo: vc.proposedView, NewPrimary: primary, LedgerSummary: ledgerSummary}
	vc.broadcast(actions, msg)
	actions.Append(vc.processViewChangeDone(vc.nodeID, msg))
	return actions
}

// processViewChangeDone implements spec.md §4.3 step 3: collect
// identical vectors; when quorum is reached and includes a vote from
// the expected next primary, declare the new view. It also implements
// the §9 Open Question #2 resolution: the relaxed f+1 propagate-primary
// quorum is used only for `viewNo == 0 && masterPrimaryName == ""`.
func (vc *ViewChanger) processViewChangeDone(sender plenum.NodeID, msg *wire.ViewChangeDone) *plenum.Actions {
	actions := &plenum.Actions{}
	if msg.ViewNo < vc.view {
		return actions
	}
	if msg.ViewNo > vc.view && vc.state != StateViewChanging {
		// a peer has moved on without us yet having quorum locally; stash
		// via re-delivery once we notice via FUTURE_VIEW_CHANGE_DONE
		// instead of acting on a single vote.
		vc.vcd.record(msg.ViewNo, sender, msg.NewPrimary, msg.LedgerSummary)
		return actions
	}

	vote := vc.vcd.record(msg.ViewNo, sender, msg.NewPrimary, msg.LedgerSummary)

	expectedPrimary, ok := vc.poolr.MasterPrimary(msg.ViewNo)
	if !ok || expectedPrimary != msg.NewPrimary {
		return actions
	}

	quorum := vc.poolr.Quorums().Strong
	relaxed := msg.ViewNo == 0 && !vc.masterPrimaryKnown
	if relaxed {
		quorum = vc.poolr.Quorums().Weak
	}
	if len(vote.senders) < quorum {
		return actions
	}
	if _, fromPrimary := vote.senders[expectedPrimary]; !fromPrimary {
		return actions
	}

	vc.declareViewDone(msg.ViewNo, msg.NewPrimary, actions)
	return actions
}

// declareViewDone installs the new view and primaries and resets
// view-changing bookkeeping.
func (vc *ViewChanger) declareViewDone(view plenum.ViewNo, newPrimary plenum.NodeID, actions *plenum.Actions) {
	vc.view = view
	vc.state = StateNormal
	vc.masterPrimaryKnown = true
	vc.vcd.reset(view)
	vc.throttle.reset()

	primaries := map[plenum.InstanceID]plenum.NodeID{0: newPrimary}
	for inst, name := range vc.poolr.BackupPrimaries(view) {
		primaries[inst] = name
	}
	actions.ViewChangeDone = &plenum.ViewChangeResult{View: view, Primaries: primaries}
}

// processFutureViewChangeDone implements spec.md §4.3 "FUTURE-VCD
// messages indicating ≥ f+1 nodes have advanced past local view →
// jump forward". If enough distinct senders (across any vectors) claim
// a view above ours, that is itself grounds to start our own view
// change toward that view.
func (vc *ViewChanger) processFutureViewChangeDone(sender plenum.NodeID, msg *wire.FutureViewChangeDone) *plenum.Actions {
	actions := &plenum.Actions{}
	if msg.ViewNo <= vc.view {
		return actions
	}
	vc.vcd.record(msg.ViewNo, sender, msg.NewPrimary, msg.LedgerSummary)

	distinctSenders := map[plenum.NodeID]struct{}{}
	for _, v := range vc.vcd.votes[msg.ViewNo] {
		for s := range v.senders {
			distinctSenders[s] = struct{}{}
		}
	}
	if len(distinctSenders) < vc.poolr.Quorums().Weak {
		return actions
	}

	if vc.state != StateViewChanging || vc.proposedView < msg.ViewNo {
		vc.enterViewChanging(msg.ViewNo, actions)
	}
	return actions
}

// sortedLedgerSummary orders a ledger summary slice deterministically by
// ledger id, matching spec.md step 2's "stable order" requirement. Kept
// as a small helper so the Node's catch-up layer can build a
// well-formed summary without duplicating the sort call site.
func SortedLedgerSummary(in []wire.LedgerSummary) []wire.LedgerSummary {
	out := append([]wire.LedgerSummary{}, in...)
	sort.Slice(out, func(i, j int) bool { return out[i].LedgerID < out[j].LedgerID })
	return out
}
