/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package viewchange

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// instanceChangeTracker tallies INSTANCE_CHANGE votes per proposed view
// (spec.md §4.3 "INSTANCE_CHANGE(proposedView) accumulation").
type instanceChangeTracker struct {
	votes           map[plenum.ViewNo]map[plenum.NodeID]plenum.SuspicionCode
	highestProposed plenum.ViewNo
}

func newInstanceChangeTracker() *instanceChangeTracker {
	return &instanceChangeTracker{votes: map[plenum.ViewNo]map[plenum.NodeID]plenum.SuspicionCode{}}
}

func (t *instanceChangeTracker) record(view plenum.ViewNo, sender plenum.NodeID, code plenum.SuspicionCode) int {
	if t.votes[view] == nil {
		t.votes[view] = map[plenum.NodeID]plenum.SuspicionCode{}
	}
	t.votes[view][sender] = code
	if view > t.highestProposed {
		t.highestProposed = view
	}
	return len(t.votes[view])
}

// ProposeViewChange is the local trigger for starting a view change:
// primary disconnection, master-degradation, or an escalating suspicion
// (spec.md §4.3 "Primary disconnection, master-degradation signal...").
// It votes for the next view above whichever is highest between our own
// and what we've already seen proposed, respecting the throttle.
func (vc *ViewChanger) ProposeViewChange(code plenum.SuspicionCode) *plenum.Actions {
	return vc.voteInstanceChange(vc.nextProposedView(), code)
}

func (vc *ViewChanger) voteInstanceChange(proposedView plenum.ViewNo, code plenum.SuspicionCode) *plenum.Actions {
	actions := &plenum.Actions{}
	if proposedView <= vc.view {
		return actions
	}
	if !vc.throttle.allow(uint64(proposedView)) {
		return actions
	}
	vc.broadcast(actions, &wire.InstanceChange{ProposedView: proposedView, SuspicionCode: code})
	actions.Append(vc.processInstanceChange(vc.nodeID, &wire.InstanceChange{ProposedView: proposedView, SuspicionCode: code}))
	return actions
}

// processInstanceChange implements spec.md §4.3 vote accumulation: once
// votes for a proposedView reach the view-change quorum (2f+1), enter
// VIEW_CHANGING at that view.
func (vc *ViewChanger) processInstanceChange(sender plenum.NodeID, msg *wire.InstanceChange) *plenum.Actions {
	actions := &plenum.Actions{}
	if msg.ProposedView <= vc.view {
		return actions
	}
	count := vc.instChange.record(msg.ProposedView, sender, msg.SuspicionCode)
	if vc.state == StateViewChanging {
		return actions
	}
	if count < vc.poolr.Quorums().Strong {
		return actions
	}
	vc.enterViewChanging(msg.ProposedView, actions)
	return actions
}

// enterViewChanging implements spec.md §4.3 step 1: cancel in-progress
// batching (signalled to the Node via ViewChangeStarting so it can call
// Replica.OnViewChangeStart on every local instance), and request a
// fresh catch-up of every ledger.
func (vc *ViewChanger) enterViewChanging(view plenum.ViewNo, actions *plenum.Actions) {
	vc.state = StateViewChanging
	vc.proposedView = view
	vc.viewChangeStartedAt = vc.clock()
	vc.pendingCatchup = true
	v := view
	actions.ViewChangeStarting = &v
	actions.CatchupNeeded = append(actions.CatchupNeeded, plenum.PoolLedger, plenum.ConfigLedger, plenum.DomainLedger)
}
