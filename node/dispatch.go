/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
	"go.uber.org/zap"
)

// Process handles one inbound message from sender, unpacking BATCH
// envelopes and routing every other message to the component that owns
// it (spec.md §6 "BATCH... must be unpacked before dispatch; inner
// messages dispatched as if received individually").
func (n *Node) Process(sender plenum.NodeID, env plenum.Envelope) *plenum.Actions {
	actions := &plenum.Actions{}
	n.dispatch(sender, env, actions)
	return n.fulfill(actions)
}

func (n *Node) dispatch(sender plenum.NodeID, env plenum.Envelope, actions *plenum.Actions) {
	switch m := env.Payload.(type) {
	case *wire.Batch:
		for _, inner := range m.Inner {
			n.dispatch(sender, inner, actions)
		}
	case *wire.PrePrepare, *wire.Prepare, *wire.Commit, *wire.Checkpoint:
		if repl, ok := n.replicas[env.Instance]; ok {
			actions.Append(repl.Process(sender, m))
		} else {
			// spec.md §5 "Future-instance messages → msgsForFutureReplicas":
			// the instance doesn't exist yet, stash until growReplicas
			// creates it after the next pool txn commits.
			n.futureInstances[env.Instance] = append(n.futureInstances[env.Instance], pendingInstanceMsg{Sender: sender, Env: env})
		}
	case *wire.InstanceChange, *wire.ViewChangeDone, *wire.FutureViewChangeDone:
		actions.Append(n.vc.Process(sender, m))
	case *wire.LedgerStatus, *wire.ConsistencyProof, *wire.CatchupReq, *wire.CatchupRep:
		actions.Append(n.catchupMgr.Process(sender, m))
	case *wire.Propagate:
		actions.Append(n.processPropagate(sender, m))
	case *wire.MessageReq:
		actions.Append(n.processMessageReq(sender, m))
	case *wire.MessageRep:
		actions.Append(n.processMessageRep(sender, m))
	default:
		// spec.md §4.5 "Unknown/invalid messages: discard with reason";
		// blacklisting is disabled by default, a single incident is not
		// enough (§4.5 "Failure semantics").
		n.logger.Debug("discarding message with no local handler", zap.String("type", env.MessageType()), zap.String("sender", string(sender)))
	}
}

// fulfill is the Node's half of the Actions/ActionResults boundary: it
// consumes every internal-only field a sub-component returned
// (Ordered, Suspicions, ViewChangeStarting, CatchupNeeded,
// ViewChangeDone, CatchupComplete, NeedPropagates, Rejects, Stable),
// appending whatever Broadcast/Unicast/Hash work they in turn produce,
// and leaves only transport-facing fields for the caller. Grounded on
// the teacher's processor.go ProcessSerially (persistSerially →
// transmitSerially → applySerially) but single-threaded, matching
// spec.md §5's cooperative-scheduler model. Runs to a fixed point: a
// reaction (e.g. replaying msgsForFutureViews once a view change lands)
// can itself produce fresh internal-only fields, which must also be
// drained before any transport-facing Actions are handed back.
func (n *Node) fulfill(a *plenum.Actions) *plenum.Actions {
	for {
		progress := false

		if len(a.Ordered) > 0 {
			ordered := a.Ordered
			a.Ordered = nil
			for _, ob := range ordered {
				a.Append(n.executeOrdered(ob))
			}
			progress = true
		}

		if len(a.Suspicions) > 0 {
			suspicions := a.Suspicions
			a.Suspicions = nil
			for _, s := range suspicions {
				n.handleSuspicion(s, a)
			}
			progress = true
		}

		a.Stable = nil // ledgers are the source of truth; nothing else to GC here yet.

		if len(a.NeedPropagates) > 0 {
			keys := a.NeedPropagates
			a.NeedPropagates = nil
			for _, key := range keys {
				a.Append(n.rePropagate(key))
			}
			progress = true
		}

		if len(a.Rejects) > 0 {
			rejects := a.Rejects
			a.Rejects = nil
			for _, rej := range rejects {
				n.unicastClient(a, rej.Key, &wire.Reject{ReqKey: rej.Key, Reason: rej.Reason})
			}
			progress = true
		}

		if a.ViewChangeStarting != nil {
			a.ViewChangeStarting = nil
			n.onViewChangeStarting()
			progress = true
		}

		if len(a.CatchupNeeded) > 0 {
			needed := a.CatchupNeeded
			a.CatchupNeeded = nil
			a.Append(n.catchupMgr.Start(needed))
			progress = true
		}

		if a.ViewChangeDone != nil {
			result := a.ViewChangeDone
			a.ViewChangeDone = nil
			a.Append(n.onViewChangeDone(result))
			progress = true
		}

		if a.CatchupComplete != nil {
			key := *a.CatchupComplete
			a.CatchupComplete = nil
			a.Append(n.onCatchupComplete(key))
			progress = true
		}

		if !progress {
			return a
		}
	}
}

// processMessageReq answers a point-to-point recovery request for a
// missing three-phase message (spec.md §6 "MESSAGE_REQ / MESSAGE_REP").
func (n *Node) processMessageReq(sender plenum.NodeID, msg *wire.MessageReq) *plenum.Actions {
	actions := &plenum.Actions{}
	repl, ok := n.replicas[msg.Instance]
	if !ok {
		return actions
	}
	key := plenum.ThreePCKey{View: msg.ViewNo, SeqNo: msg.PpSeqNo}
	rep := &wire.MessageRep{Instance: msg.Instance, ViewNo: msg.ViewNo, PpSeqNo: msg.PpSeqNo, Kind: msg.Kind}
	switch msg.Kind {
	case "PRE-PREPARE":
		pp, found := repl.PrePrepareAt(key)
		if !found {
			return actions
		}
		rep.PrePrepareMsg = pp
	case "PREPARE":
		p, found := repl.OwnPrepareAt(key)
		if !found {
			return actions
		}
		rep.PrepareMsg = p
	case "COMMIT":
		c, found := repl.OwnCommitAt(key)
		if !found {
			return actions
		}
		rep.CommitMsg = c
	default:
		return actions
	}
	actions.Unicast = append(actions.Unicast, plenum.Unicast{Target: sender, Msg: plenum.Envelope{Instance: msg.Instance, Payload: rep}})
	return actions
}

// processMessageRep feeds a recovered three-phase message back through
// the owning replica exactly as if it had arrived on the wire normally.
func (n *Node) processMessageRep(sender plenum.NodeID, msg *wire.MessageRep) *plenum.Actions {
	actions := &plenum.Actions{}
	repl, ok := n.replicas[msg.Instance]
	if !ok {
		return actions
	}
	switch {
	case msg.PrePrepareMsg != nil:
		actions.Append(repl.Process(sender, msg.PrePrepareMsg))
	case msg.PrepareMsg != nil:
		actions.Append(repl.Process(sender, msg.PrepareMsg))
	case msg.CommitMsg != nil:
		actions.Append(repl.Process(sender, msg.CommitMsg))
	}
	return actions
}
