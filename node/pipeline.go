/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"encoding/binary"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
	"go.uber.org/zap"
)

// reqIDBytes renders a ReqID the same way the teacher renders a
// uint64-typed request number before hashing it (client_window.go,
// state_machine.go's uint64ToBytes call sites).
func reqIDBytes(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func (n *Node) reqDigest(req wire.RequestData) plenum.Digest {
	return n.digest([]byte(req.Identifier), reqIDBytes(req.ReqID), []byte(req.Operation.TxnType), req.Operation.Payload)
}

// ProcessClientRequest ingests a request straight from a client
// connection (spec.md §4.5 "Request pipeline"). query/action txn
// types bypass consensus entirely; everything else is statically
// validated, recorded, optionally applied forced, and propagated.
func (n *Node) ProcessClientRequest(clientID string, req wire.RequestData) *plenum.Actions {
	actions := &plenum.Actions{}

	if req.Operation.TxnType == "query" || req.Operation.TxnType == "action" {
		n.handleWithoutConsensus(clientID, req, actions)
		return n.fulfill(actions)
	}

	key := req.Key()
	if loc, ok := n.orderedIndex[key]; ok {
		n.replayReply(clientID, key, loc, actions)
		return n.fulfill(actions)
	}

	handler, ok := n.handlers.ForTxnType(req.Operation.TxnType)
	if !ok {
		n.unicastClient(actions, key, &wire.ReqNack{ReqKey: key, Reason: "no handler for txn type " + req.Operation.TxnType})
		return n.fulfill(actions)
	}
	if err := handler.DoStaticValidation(req); err != nil {
		n.unicastClient(actions, key, &wire.ReqNack{ReqKey: key, Reason: err.Error()})
		return n.fulfill(actions)
	}

	ledgerID, ok := n.handlers.LedgerForTxnType(req.Operation.TxnType)
	if !ok {
		n.unicastClient(actions, key, &wire.ReqNack{ReqKey: key, Reason: "no ledger for txn type " + req.Operation.TxnType})
		return n.fulfill(actions)
	}

	n.recordRequest(clientID, req, ledgerID)

	if ledgerID == plenum.PoolLedger {
		// spec.md §4.5 "optionally apply as 'forced' (pre-consensus state
		// change)" -- pool-membership txns take effect locally before
		// ordering so catch-up/primary-selection logic sees them promptly.
		if err := handler.ApplyForced(req); err != nil {
			n.logger.Warn("forced apply failed", zap.Error(err))
		}
	}

	actions.Broadcast = append(actions.Broadcast, plenum.Envelope{Payload: &wire.Propagate{Request: req, SenderClientID: clientID}})
	actions.Append(n.processPropagate(n.id, &wire.Propagate{Request: req, SenderClientID: clientID}))
	n.unicastClient(actions, key, &wire.ReqAck{ReqKey: key})

	return n.fulfill(actions)
}

// handleWithoutConsensus runs a query/action txn immediately against
// its handler and replies without going through PROPAGATE/3PC (spec.md
// §4.5 "if the txn type is 'query' or 'action', handle without
// consensus").
func (n *Node) handleWithoutConsensus(clientID string, req wire.RequestData, actions *plenum.Actions) {
	key := req.Key()
	handler, ok := n.handlers.ForTxnType(req.Operation.TxnType)
	if !ok {
		n.unicastClient(actions, key, &wire.ReqNack{ReqKey: key, Reason: "no handler for txn type " + req.Operation.TxnType})
		return
	}
	if err := handler.DoStaticValidation(req); err != nil {
		n.unicastClient(actions, key, &wire.ReqNack{ReqKey: key, Reason: err.Error()})
		return
	}
	if err := handler.ApplyForced(req); err != nil {
		n.unicastClient(actions, key, &wire.Reject{ReqKey: key, Reason: err.Error()})
		return
	}
	n.unicastClient(actions, key, &wire.Reply{ReqKey: key})
}

func (n *Node) recordRequest(clientID string, req wire.RequestData, ledgerID plenum.LedgerID) *requestRecord {
	key := req.Key()
	rec, ok := n.requests[key]
	if !ok {
		rec = &requestRecord{
			Body:        req,
			ClientID:    clientID,
			Digest:      n.reqDigest(req),
			Propagators: map[plenum.NodeID]struct{}{},
			LedgerID:    ledgerID,
		}
		n.requests[key] = rec
	}
	return rec
}

func (n *Node) replayReply(clientID string, key plenum.RequestKey, loc orderedLocation, actions *plenum.Actions) {
	var result []byte
	if led, ok := n.ledgers[loc.LedgerID]; ok {
		if txn, found := led.GetBySeqNo(loc.SeqNo); found {
			result = txn.Raw
		}
	}
	actions.Unicast = append(actions.Unicast, plenum.Unicast{Target: plenum.NodeID(clientID), Msg: plenum.Envelope{
		Payload: &wire.Reply{ReqKey: key, LedgerID: loc.LedgerID, SeqNo: loc.SeqNo, Result: result},
	}})
}

// processPropagate tallies one PROPAGATE vote and, once a weak quorum
// (≥ f+1, including our own) agrees, finalizes the request and enqueues
// it into every local Replica's assigned ledger queue (spec.md §4.5 "On
// receiving ≥ f+1 matching PROPAGATEs... mark request finalized").
func (n *Node) processPropagate(sender plenum.NodeID, msg *wire.Propagate) *plenum.Actions {
	actions := &plenum.Actions{}
	key := msg.Request.Key()
	if _, already := n.orderedIndex[key]; already {
		return actions
	}

	rec, ok := n.requests[key]
	if !ok {
		ledgerID, found := n.handlers.LedgerForTxnType(msg.Request.Operation.TxnType)
		if !found {
			return actions
		}
		rec = &requestRecord{
			Body:        msg.Request,
			ClientID:    msg.SenderClientID,
			Digest:      n.reqDigest(msg.Request),
			Propagators: map[plenum.NodeID]struct{}{},
			LedgerID:    ledgerID,
		}
		n.requests[key] = rec
	}
	rec.Propagators[sender] = struct{}{}

	if rec.Finalized {
		return actions
	}
	if len(rec.Propagators) < n.poolr.Quorums().Weak {
		return actions
	}

	rec.Finalized = true
	n.digestToKey[rec.Digest] = key
	for _, repl := range n.replicas {
		repl.EnqueueFinalizedRequest(key, rec.Digest, rec.LedgerID, rec.Body)
	}
	return actions
}

// rePropagate answers a Replica's NeedPropagates request: if this node
// already holds the request body, re-broadcast it; otherwise there is
// nothing locally to do but wait for another peer's re-broadcast
// (spec.md §4.2 "request PROPAGATEs for the missing digests").
func (n *Node) rePropagate(key plenum.RequestKey) *plenum.Actions {
	actions := &plenum.Actions{}
	rec, ok := n.requests[key]
	if !ok {
		return actions
	}
	actions.Broadcast = append(actions.Broadcast, plenum.Envelope{Payload: &wire.Propagate{Request: rec.Body, SenderClientID: rec.ClientID}})
	return actions
}

// unicastClient addresses a client-bound reply by the identifier it
// submitted the request under, falling back to the request's own
// Identifier field if the Node never recorded a submitting client
// (e.g. it learned of the request only via PROPAGATE from a peer).
// The transport is an external collaborator (spec.md §1); naming a
// client by a string identifier is sufficient for it to route.
func (n *Node) unicastClient(a *plenum.Actions, key plenum.RequestKey, payload plenum.MessagePayload) {
	target := key.Identifier
	if rec, ok := n.requests[key]; ok && rec.ClientID != "" {
		target = rec.ClientID
	}
	a.Unicast = append(a.Unicast, plenum.Unicast{Target: plenum.NodeID(target), Msg: plenum.Envelope{Payload: payload}})
}
