/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica_test

import (
	"crypto/sha256"
	"errors"
	"hash"
	"testing"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/replica"
	"github.com/hyperledger-labs/plenum-go/wire"
	"github.com/stretchr/testify/require"
)

const txnType = "xfer"

type stubHandler struct{ staged []wire.RequestData }

func (h *stubHandler) OperationTypes() []string                  { return []string{txnType} }
func (h *stubHandler) DoStaticValidation(wire.RequestData) error { return nil }

// Validate rejects any request whose payload is "bad", so tests can
// exercise the valid/invalid split in a formed batch.
func (h *stubHandler) Validate(req wire.RequestData) error {
	if string(req.Operation.Payload) == "bad" {
		return errBadRequest
	}
	return nil
}

var errBadRequest = errors.New("bad request")

func (h *stubHandler) Apply(req wire.RequestData, _ int64) (uint64, *ledger.Txn, error) {
	h.staged = append(h.staged, req)
	return uint64(len(h.staged)), &ledger.Txn{ReqKey: req.Key(), Digest: plenum.Digest(req.Identifier)}, nil
}

func (h *stubHandler) ApplyForced(wire.RequestData) error { return nil }

func (h *stubHandler) Commit(count int, _, _ []byte, _ int64) ([]*ledger.Txn, error) {
	out := make([]*ledger.Txn, 0, count)
	for i := 0; i < count; i++ {
		req := h.staged[i]
		out = append(out, &ledger.Txn{ReqKey: req.Key(), Digest: plenum.Digest(req.Identifier)})
	}
	h.staged = h.staged[count:]
	return out, nil
}

func (h *stubHandler) UpdateState([]*ledger.Txn, bool) error { return nil }

type stubLedger struct{ txns []*ledger.Txn }

func (l *stubLedger) Append(txn *ledger.Txn) error {
	txn.SeqNo = uint64(len(l.txns)) + 1
	l.txns = append(l.txns, txn)
	return nil
}
func (l *stubLedger) Discard(count int) error { l.txns = l.txns[:len(l.txns)-count]; return nil }
func (l *stubLedger) GetBySeqNo(seqNo uint64) (*ledger.Txn, bool) {
	if seqNo == 0 || seqNo > uint64(len(l.txns)) {
		return nil, false
	}
	return l.txns[seqNo-1], true
}
func (l *stubLedger) Size() uint64                     { return uint64(len(l.txns)) }
func (l *stubLedger) MerkleRoot() []byte                { return []byte("root") }
func (l *stubLedger) ConsistencyProof(uint64) [][]byte { return nil }

type stubState struct{ head []byte }

func (s *stubState) Head() []byte                 { return s.head }
func (s *stubState) RevertToHead(h []byte) error { s.head = h; return nil }

func newReplica(t *testing.T, node plenum.NodeID, master bool, poolr *pool.Registry) (*replica.Replica, *stubHandler) {
	t.Helper()
	handler := &stubHandler{}
	handlers := ledger.NewRegistry()
	handlers.Register(plenum.DomainLedger, handler)
	return replica.New(replica.Config{
		ID:       plenum.ReplicaID{Node: node, Instance: 0},
		Master:   master,
		Plenum:   plenum.DefaultConfig(node, nil),
		Pool:     poolr,
		Hasher:   func() hash.Hash { return sha256.New() },
		Clock:    func() int64 { return 1000 },
		Handlers: handlers,
		Ledgers:  map[plenum.LedgerID]ledger.Ledger{plenum.DomainLedger: &stubLedger{}},
		States:   map[plenum.LedgerID]ledger.State{plenum.DomainLedger: &stubState{}},
	}), handler
}

func TestFourReplicaHappyPathOrders(t *testing.T) {
	poolr := pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
	primary, _ := newReplica(t, "N1", true, poolr)
	backups := map[plenum.NodeID]*replica.Replica{}
	for _, id := range []plenum.NodeID{"N2", "N3", "N4"} {
		r, _ := newReplica(t, id, false, poolr)
		backups[id] = r
	}

	req := wire.RequestData{Identifier: "client1", ReqID: 1, Operation: wire.Operation{TxnType: txnType, Payload: []byte("p")}}
	key := req.Key()
	digest := plenum.Digest("d1")

	primary.EnqueueFinalizedRequest(key, digest, plenum.DomainLedger, req)
	for _, r := range backups {
		r.EnqueueFinalizedRequest(key, digest, plenum.DomainLedger, req)
	}

	ppActions := primary.Tick()
	require.Len(t, ppActions.Broadcast, 1)
	pp, ok := ppActions.Broadcast[0].Payload.(*wire.PrePrepare)
	require.True(t, ok)

	// Simulate the network: every broadcast a backup emits is delivered
	// to every OTHER backup (not itself -- Process is for inbound
	// messages only) until no backup produces new traffic.
	type outbound struct {
		from plenum.NodeID
		msg  plenum.MessagePayload
	}
	var queue []outbound
	var ordered []*plenum.OrderedBatch
	deliver := func(from plenum.NodeID, to plenum.NodeID, msg plenum.MessagePayload) {
		a := backups[to].Process(from, msg)
		ordered = append(ordered, a.Ordered...)
		for _, env := range a.Broadcast {
			queue = append(queue, outbound{from: to, msg: env.Payload})
		}
	}

	for id := range backups {
		deliver("N1", id, pp)
	}
	for i := 0; i < len(queue); i++ {
		msg := queue[i]
		for to := range backups {
			if to == msg.from {
				continue
			}
			deliver(msg.from, to, msg.msg)
		}
	}

	require.NotEmpty(t, ordered, "quorum of PREPAREs/COMMITs should order the batch on every backup")
	ob := ordered[0]
	require.Equal(t, plenum.InstanceID(0), ob.Instance)
	require.Len(t, ob.ReqIDs, 1)
	require.Equal(t, key, ob.ReqIDs[0])
	require.False(t, ob.AlreadyCommitted, "backups never self-form a batch")
}

func TestPrePrepareFromNonPrimaryIsSuspected(t *testing.T) {
	poolr := pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
	backup, _ := newReplica(t, "N2", false, poolr)

	pp := &wire.PrePrepare{ViewNo: 0, PpSeqNo: 1, BatchDigest: "d"}
	actions := backup.Process("N3", pp)

	require.Len(t, actions.Suspicions, 1)
	require.Equal(t, plenum.SuspPPRNotFromPrimary, actions.Suspicions[0].Code)
}

func TestFormedBatchDiscardedIsValidRequestCount(t *testing.T) {
	poolr := pool.NewRegistry([]plenum.NodeID{"N1"})
	primary, _ := newReplica(t, "N1", true, poolr)

	good := wire.RequestData{Identifier: "client1", ReqID: 1, Operation: wire.Operation{TxnType: txnType, Payload: []byte("good")}}
	bad := wire.RequestData{Identifier: "client1", ReqID: 2, Operation: wire.Operation{TxnType: txnType, Payload: []byte("bad")}}

	primary.EnqueueFinalizedRequest(good.Key(), plenum.Digest("dg"), plenum.DomainLedger, good)
	primary.EnqueueFinalizedRequest(bad.Key(), plenum.Digest("db"), plenum.DomainLedger, bad)

	actions := primary.Tick()
	require.Len(t, actions.Broadcast, 1)
	pp, ok := actions.Broadcast[0].Payload.(*wire.PrePrepare)
	require.True(t, ok)

	require.Equal(t, 1, pp.Discarded, "discarded = |valid|, not the count of invalid requests")
	require.Len(t, pp.ReqIDs, 2)
	require.Equal(t, good.Key(), pp.ReqIDs[0].Key, "valid requests come first")
	require.Equal(t, bad.Key(), pp.ReqIDs[1].Key, "invalid requests are sorted to the end")
	require.Len(t, actions.Rejects, 1)
	require.Equal(t, bad.Key(), actions.Rejects[0].Key)
}

// TestFuturePrePrepareIsStashedNotSuspected exercises spec.md §5's
// msgsForFutureViews stash: a PRE-PREPARE naming a view this replica
// hasn't locally finished view-changing into must be held, not judged
// against the stale cached primary for the replica's current view.
func TestFuturePrePrepareIsStashedNotSuspected(t *testing.T) {
	poolr := pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
	backup, _ := newReplica(t, "N3", false, poolr)

	futurePrimary, ok := poolr.PrimaryFor(1, 0)
	require.True(t, ok)
	require.Equal(t, plenum.NodeID("N2"), futurePrimary, "view 1's master primary is the node at rank 1")

	pp := &wire.PrePrepare{ViewNo: 1, PpSeqNo: 1, BatchDigest: "d", PpTime: 1000}
	actions := backup.Process(futurePrimary, pp)
	require.Empty(t, actions.Suspicions, "a future-view PRE-PREPARE from the correct future primary must be stashed, not suspected")
	require.Empty(t, actions.Broadcast)

	replayed := backup.OnViewChangeDone(1, futurePrimary)
	require.Len(t, replayed.Broadcast, 1, "the stashed PRE-PREPARE replays once the replica catches up to its view")
	_, ok = replayed.Broadcast[0].Payload.(*wire.Prepare)
	require.True(t, ok)
}
