/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/viewchange"
	"github.com/hyperledger-labs/plenum-go/wire"
	"go.uber.org/zap"
)

// Start moves the Node out of PhaseStarting and kicks off catch-up of
// every ledger the Node holds, in plenum.SyncOrder, the first step of
// spec.md §4.5's startup sequence.
func (n *Node) Start() *plenum.Actions {
	n.phase = PhaseDiscovering
	return n.fulfill(n.catchupMgr.Start(plenum.SyncOrder))
}

// Tick drives every owned component's timer-based work and then
// fulfills whatever Actions they collectively produced (spec.md §5
// "Tick() never blocks; it is the only source of timeouts").
func (n *Node) Tick() *plenum.Actions {
	actions := &plenum.Actions{}
	for _, repl := range n.replicas {
		actions.Append(repl.Tick())
	}
	actions.Append(n.vc.Tick())
	actions.Append(n.catchupMgr.Tick())
	n.checkPerformance(actions)
	n.checkPrimaryLoss(actions)
	return n.fulfill(actions)
}

// checkPerformance implements spec.md §4.6: once participating and not
// mid view-change, periodically ask the Monitor whether the master has
// fallen behind the backups and, if so, propose a view change.
func (n *Node) checkPerformance(actions *plenum.Actions) {
	if n.phase != PhaseParticipating || n.vc.InProgress() {
		return
	}
	now := n.clock()
	if now-n.lastPerfCheck < int64(n.cfg.PerformanceCheckFrequency) {
		return
	}
	n.lastPerfCheck = now
	if n.monitor.IsMasterDegraded() {
		n.logger.Warn("master throughput degraded, proposing view change")
		actions.Append(n.vc.ProposeViewChange(plenum.SuspPrimaryDegraded))
	}
	n.monitor.Reset()
}

// checkPrimaryLoss implements spec.md §4.5 "Primary loss": once the
// transport has told us the master primary dropped and
// TolerateDisconnection has elapsed without a reconnect, escalate to a
// view change.
func (n *Node) checkPrimaryLoss(actions *plenum.Actions) {
	if n.primaryDisconnectedAt == 0 {
		return
	}
	if n.clock()-n.primaryDisconnectedAt < int64(n.cfg.TolerateDisconnection) {
		return
	}
	n.logger.Warn("primary disconnection exceeded tolerance", zap.String("primary", string(n.primaryDisconnectedNode)))
	actions.Append(n.vc.ProposeViewChange(plenum.SuspPrimaryDisconnected))
	n.primaryDisconnectedAt = 0
}

// OnPrimaryDisconnected is called by the transport layer when it
// observes the current master primary drop its connection.
func (n *Node) OnPrimaryDisconnected(nodeID plenum.NodeID) {
	if master, ok := n.poolr.MasterPrimary(n.vc.View()); !ok || master != nodeID {
		return
	}
	n.primaryDisconnectedAt = n.clock()
	n.primaryDisconnectedNode = nodeID
}

// OnPeerReconnected cancels a pending primary-loss escalation if the
// node that reconnected is the one we were waiting on.
func (n *Node) OnPeerReconnected(nodeID plenum.NodeID) {
	if n.primaryDisconnectedNode == nodeID {
		n.primaryDisconnectedAt = 0
	}
}

// OnPoolTxnCommitted forwards a committed pool-ledger txn to the
// registry and grows/shrinks replicas to match the new membership
// (spec.md §4.1 "pool txn committed triggers Node to grow/shrink
// replicas").
func (n *Node) OnPoolTxnCommitted(txn pool.PoolTxn) *plenum.Actions {
	n.poolr.OnPoolTxnCommitted(txn)
	return n.fulfill(n.growReplicas())
}

// advancePhase collapses PhaseSynced into PhaseParticipating once every
// ledger the catch-up episode covers has caught up, but only while the
// Node is still in its initial startup climb -- a later, view-change
// triggered catch-up round does not re-run phase transitions.
func (n *Node) advancePhase() {
	switch n.phase {
	case PhaseDiscovering, PhaseSyncing:
		if n.catchupMgr.AllSynced() {
			n.phase = PhaseParticipating
		} else {
			n.phase = PhaseSyncing
		}
	}
}

func (n *Node) onViewChangeStarting() {
	for _, repl := range n.replicas {
		repl.OnViewChangeStart()
	}
}

func (n *Node) onViewChangeDone(result *plenum.ViewChangeResult) *plenum.Actions {
	actions := &plenum.Actions{}
	for inst, primary := range result.Primaries {
		if repl, ok := n.replicas[inst]; ok {
			actions.Append(repl.OnViewChangeDone(result.View, primary))
		}
	}
	n.vc.OnMasterPrimaryObserved()
	n.primaryDisconnectedAt = 0
	return actions
}

// onCatchupComplete notifies every replica of the recovered watermark,
// reports the node's ledger summary into the view-changer (spec.md §4.4
// "ledger summaries exchanged via VIEW_CHANGE_DONE"), and advances the
// startup phase.
func (n *Node) onCatchupComplete(lastCaughtUp plenum.ThreePCKey) *plenum.Actions {
	for _, repl := range n.replicas {
		repl.OnCatchupComplete(lastCaughtUp)
	}

	summary := make([]wire.LedgerSummary, 0, len(n.ledgers))
	for id, led := range n.ledgers {
		summary = append(summary, wire.LedgerSummary{
			LedgerID:   id,
			Size:       led.Size(),
			MerkleRoot: led.MerkleRoot(),
		})
	}
	actions := n.vc.OnCatchupComplete(viewchange.SortedLedgerSummary(summary))

	n.advancePhase()
	return actions
}

// handleSuspicion logs a component's suspicion and, for codes that
// warrant it, escalates to a view-change proposal (spec.md §4.4
// "suspicions that escalate to INSTANCE_CHANGE").
func (n *Node) handleSuspicion(s *plenum.Suspicion, actions *plenum.Actions) {
	n.logger.Warn("suspicion raised", zap.String("code", s.Code.String()), zap.String("node", string(s.Sender)))
	if s.Code.Escalates() {
		actions.Append(n.vc.ProposeViewChange(s.Code))
	}
}
