/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node_test

import (
	"crypto/sha256"
	"hash"
	"testing"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/node"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/wire"
	"github.com/stretchr/testify/require"
)

const domainTxnType = "xfer"

// fakeHandler is the smallest ledger.RequestHandler a test needs:
// static validation never fails, Apply stages one txn per request, and
// Commit hands back exactly the staged txns in order.
type fakeHandler struct {
	ledgerID plenum.LedgerID
	staged   []wire.RequestData
}

func (h *fakeHandler) OperationTypes() []string { return []string{domainTxnType} }
func (h *fakeHandler) DoStaticValidation(wire.RequestData) error { return nil }
func (h *fakeHandler) Validate(wire.RequestData) error           { return nil }

func (h *fakeHandler) Apply(req wire.RequestData, _ int64) (uint64, *ledger.Txn, error) {
	h.staged = append(h.staged, req)
	return uint64(len(h.staged)), nil, nil
}

func (h *fakeHandler) ApplyForced(wire.RequestData) error { return nil }

func (h *fakeHandler) Commit(count int, _, _ []byte, _ int64) ([]*ledger.Txn, error) {
	out := make([]*ledger.Txn, 0, count)
	for i := 0; i < count; i++ {
		req := h.staged[i]
		out = append(out, &ledger.Txn{ReqKey: req.Key(), Raw: req.Operation.Payload})
	}
	h.staged = h.staged[count:]
	return out, nil
}

func (h *fakeHandler) UpdateState([]*ledger.Txn, bool) error { return nil }

// fakeLedger is an in-memory append-only log assigning contiguous
// sequence numbers starting at 1.
type fakeLedger struct {
	txns []*ledger.Txn
}

func (l *fakeLedger) Append(txn *ledger.Txn) error {
	txn.SeqNo = uint64(len(l.txns)) + 1
	l.txns = append(l.txns, txn)
	return nil
}

func (l *fakeLedger) Discard(count int) error {
	l.txns = l.txns[:len(l.txns)-count]
	return nil
}

func (l *fakeLedger) GetBySeqNo(seqNo uint64) (*ledger.Txn, bool) {
	if seqNo == 0 || seqNo > uint64(len(l.txns)) {
		return nil, false
	}
	return l.txns[seqNo-1], true
}

func (l *fakeLedger) Size() uint64           { return uint64(len(l.txns)) }
func (l *fakeLedger) MerkleRoot() []byte     { return []byte("root") }
func (l *fakeLedger) ConsistencyProof(uint64) [][]byte { return nil }

type fakeState struct{ head []byte }

func (s *fakeState) Head() []byte                 { return s.head }
func (s *fakeState) RevertToHead(h []byte) error { s.head = h; return nil }

func newTestNode(t *testing.T) (*node.Node, *fakeLedger) {
	t.Helper()
	nodeID := plenum.NodeID("N1")
	poolr := pool.NewRegistry([]plenum.NodeID{nodeID})

	handler := &fakeHandler{ledgerID: plenum.DomainLedger}
	handlers := ledger.NewRegistry()
	handlers.Register(plenum.DomainLedger, handler)

	led := &fakeLedger{}
	ledgers := map[plenum.LedgerID]ledger.Ledger{plenum.DomainLedger: led}
	states := map[plenum.LedgerID]ledger.State{plenum.DomainLedger: &fakeState{}}

	n := node.New(node.Config{
		ID:       nodeID,
		Plenum:   plenum.DefaultConfig(nodeID, nil),
		Pool:     poolr,
		Hasher:   func() hash.Hash { return sha256.New() },
		Clock:    func() int64 { return 1000 },
		Handlers: handlers,
		Ledgers:  ledgers,
		States:   states,
	})
	return n, led
}

func someRequest(id uint64) wire.RequestData {
	return wire.RequestData{
		Identifier: "client1",
		ReqID:      id,
		Operation:  wire.Operation{TxnType: domainTxnType, Payload: []byte("payload")},
	}
}

func TestProcessClientRequestSingleNodeFinalizesImmediately(t *testing.T) {
	n, _ := newTestNode(t)
	actions := n.ProcessClientRequest("client1", someRequest(1))

	require.NotNil(t, actions)
	require.NotEmpty(t, actions.Broadcast)

	var sawAck bool
	for _, u := range actions.Unicast {
		if _, ok := u.Msg.Payload.(*wire.ReqAck); ok {
			sawAck = true
		}
	}
	require.True(t, sawAck, "expected a REQACK to the submitting client")
}

func TestProcessClientRequestUnknownTxnTypeIsNacked(t *testing.T) {
	n, _ := newTestNode(t)
	req := someRequest(1)
	req.Operation.TxnType = "no-such-type"

	actions := n.ProcessClientRequest("client1", req)
	require.Len(t, actions.Unicast, 1)
	nack, ok := actions.Unicast[0].Msg.Payload.(*wire.ReqNack)
	require.True(t, ok)
	require.Equal(t, req.Key(), nack.ReqKey)
}

func TestQueryTxnBypassesConsensus(t *testing.T) {
	n, _ := newTestNode(t)
	req := someRequest(1)
	req.Operation.TxnType = "query"

	actions := n.ProcessClientRequest("client1", req)
	require.Empty(t, actions.Broadcast, "query requests never go through PROPAGATE")
}

func TestPhaseStartsAtDiscoveringThenParticipatesOnceSynced(t *testing.T) {
	n, _ := newTestNode(t)
	require.False(t, n.Participating())

	actions := n.Start()
	require.NotNil(t, actions)
	require.Equal(t, node.PhaseDiscovering, n.Phase())

	// A single-node pool's weak quorum is one: one peer reporting the
	// same domain ledger size lets the next Tick finish catch-up.
	n.Process("N2", plenum.Envelope{Payload: &wire.LedgerStatus{LedgerID: plenum.DomainLedger, Size: 0}})
	n.Tick()
	require.True(t, n.Participating())
}

// TestMessageForFutureInstanceIsStashedThenReplayed exercises spec.md
// §5's msgsForFutureReplicas stash: a message addressed to a protocol
// instance this node hasn't grown a Replica for yet must be held, not
// dropped, and replayed once growReplicas creates that instance.
func TestMessageForFutureInstanceIsStashedThenReplayed(t *testing.T) {
	n, _ := newTestNode(t)

	// N2 will become instance 1's backup primary once the pool grows to
	// four nodes (masterRank 0 = N1, next unassigned rank = N2).
	pp := &wire.PrePrepare{ViewNo: 0, PpSeqNo: 1, BatchDigest: "d"}
	before := n.Process("N2", plenum.Envelope{Instance: plenum.InstanceID(1), Payload: pp})
	require.Empty(t, before.Broadcast, "instance 1 doesn't exist yet, the message is stashed silently")
	require.Empty(t, before.Suspicions)

	var last *plenum.Actions
	for _, id := range []string{"N2", "N3", "N4"} {
		last = n.OnPoolTxnCommitted(pool.PoolTxn{Kind: pool.TxnAdd, Name: plenum.NodeID(id), Endpoint: id + ":9700"})
	}

	require.NotNil(t, last)
	require.Len(t, last.Broadcast, 1, "the stashed PRE-PREPARE replays through instance 1 once it's grown, and a backup replica answers with its own PREPARE")
	_, ok := last.Broadcast[0].Payload.(*wire.Prepare)
	require.True(t, ok)
}
