/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package wire defines the canonical, wire-compatible message set of
// spec.md §6. Each type implements plenum.MessagePayload via a
// MessageType() tag method, mirroring the teacher's own
// protoc-generated oneof pattern (pb.Msg_Preprepare, pb.Msg_Prepare, ...
// dispatched in state_machine.go's drainNodeMsgs via a type switch) --
// hand-written here because this task runs no protobuf/Go toolchain, so
// there is no way to regenerate .pb.go stubs from a .proto source.
// Numeric fields are not uniformly unsigned 64-bit: view numbers,
// sequence numbers and sizes are uint64-based, but PpTime is int64,
// Discarded and suspicion codes are int, LedgerID is uint8 and
// InstanceID is uint32.
package wire

import "github.com/hyperledger-labs/plenum-go"

// PrePrepare is the primary's batch proposal for a 3PC-key.
type PrePrepare struct {
	ViewNo     plenum.ViewNo
	PpSeqNo    plenum.PpSeqNo
	PpTime     int64 // unix nanos, logical clock per spec.md §3 ppTime
	ReqIDs     []plenum.RequestIDWithDigest
	Discarded  int
	BatchDigest plenum.Digest
	LedgerID   plenum.LedgerID
	StateRoot  []byte
	TxnRoot    []byte
	BLSMultiSig []byte // opaque; BLS is an external collaborator, spec.md §1
}

func (*PrePrepare) MessageType() string { return "PRE-PREPARE" }

// Prepare is a replica's vote for a PRE-PREPARE it accepted.
type Prepare struct {
	ViewNo      plenum.ViewNo
	PpSeqNo     plenum.PpSeqNo
	PpTime      int64
	BatchDigest plenum.Digest
	StateRoot   []byte
	TxnRoot     []byte
	BLSShare    []byte
}

func (*Prepare) MessageType() string { return "PREPARE" }

// Commit is a replica's vote that it holds PREPARE-quorum for a 3PC-key.
type Commit struct {
	ViewNo  plenum.ViewNo
	PpSeqNo plenum.PpSeqNo
	BLSSig  []byte
}

func (*Commit) MessageType() string { return "COMMIT" }

// Checkpoint attests a digest over an interval of ordered batches.
type Checkpoint struct {
	ViewNo     plenum.ViewNo
	SeqNoStart plenum.PpSeqNo
	SeqNoEnd   plenum.PpSeqNo
	Digest     plenum.Digest
}

func (*Checkpoint) MessageType() string { return "CHECKPOINT" }

// ThreePCState optionally carries a replica's full 3PC state to a peer
// recovering state, e.g. on join.
type ThreePCState struct {
	ViewNo      plenum.ViewNo
	PrePrepares []*PrePrepare
}

func (*ThreePCState) MessageType() string { return "THREE_PC_STATE" }

// InstanceChange is a vote to move to ProposedView.
type InstanceChange struct {
	ProposedView  plenum.ViewNo
	SuspicionCode plenum.SuspicionCode
}

func (*InstanceChange) MessageType() string { return "INSTANCE_CHANGE" }

// LedgerSummary is one entry of a VIEW_CHANGE_DONE ledgerInfo vector.
type LedgerSummary struct {
	LedgerID   plenum.LedgerID
	Size       uint64
	MerkleRoot []byte
}

// ViewChangeDone announces the voter's view of the new primary and its
// local ledger state, once its own catch-up for the new view completed.
type ViewChangeDone struct {
	ViewNo        plenum.ViewNo
	NewPrimary    plenum.NodeID
	LedgerSummary []LedgerSummary
}

func (*ViewChangeDone) MessageType() string { return "VIEW_CHANGE_DONE" }

// CurrentState answers a joining node with the sender's current view and
// any primary-originated messages it may need to catch up on 3PC state.
type CurrentState struct {
	ViewNo          plenum.ViewNo
	PrimaryMessages []*PrePrepare
}

func (*CurrentState) MessageType() string { return "CURRENT_STATE" }

// FutureViewChangeDone is re-sent by a node that has already moved past
// the recipient's view, so the recipient can detect it's behind
// (spec.md §4.3 "FUTURE-VCD").
type FutureViewChangeDone struct {
	ViewChangeDone
}

func (*FutureViewChangeDone) MessageType() string { return "FUTURE_VIEW_CHANGE_DONE" }

// LedgerStatus announces a node's local state for one ledger.
type LedgerStatus struct {
	LedgerID        plenum.LedgerID
	Size            uint64
	LastBatch       plenum.ThreePCKey
	MerkleRoot      []byte
	ProtocolVersion uint64
}

func (*LedgerStatus) MessageType() string { return "LEDGER_STATUS" }

// ConsistencyProof attests that a ledger's tree at TargetSize/TargetRoot
// is reachable from the sender's current state.
type ConsistencyProof struct {
	LedgerID    plenum.LedgerID
	TargetSize  uint64
	TargetRoot  []byte
	MerklePath  [][]byte
}

func (*ConsistencyProof) MessageType() string { return "CONSISTENCY_PROOF" }

// CatchupReq asks for ledger transactions in [From, To].
type CatchupReq struct {
	LedgerID plenum.LedgerID
	From     uint64
	To       uint64
	CatchupUntilSize uint64
}

func (*CatchupReq) MessageType() string { return "CATCHUP_REQ" }

// CatchupRep answers a CatchupReq with the requested transactions and a
// Merkle consistency path against CatchupUntilSize.
type CatchupRep struct {
	LedgerID   plenum.LedgerID
	Txns       map[uint64][]byte
	MerklePath [][]byte
}

func (*CatchupRep) MessageType() string { return "CATCHUP_REP" }

// MessageReq asks a peer to resend a missing three-phase message by key.
type MessageReq struct {
	Instance plenum.InstanceID
	ViewNo   plenum.ViewNo
	PpSeqNo  plenum.PpSeqNo
	Kind     string // "PRE-PREPARE", "PREPARE", "COMMIT"
}

func (*MessageReq) MessageType() string { return "MESSAGE_REQ" }

// MessageRep answers a MessageReq with the requested message, if held.
type MessageRep struct {
	Instance plenum.InstanceID
	ViewNo   plenum.ViewNo
	PpSeqNo  plenum.PpSeqNo
	Kind     string
	PrePrepareMsg *PrePrepare
	PrepareMsg    *Prepare
	CommitMsg     *Commit
}

func (*MessageRep) MessageType() string { return "MESSAGE_REP" }

// Propagate carries a client request a node has seen, for finalization
// quorum purposes (spec.md §3 "Requests").
type Propagate struct {
	Request        RequestData
	SenderClientID string
}

func (*Propagate) MessageType() string { return "PROPAGATE" }

// RequestData is the client-submitted request shape.
type RequestData struct {
	Identifier string
	ReqID      uint64
	Operation  Operation
	Signature  []byte
}

// Operation is the operation payload; TxnType routes it to a ledger and
// handler (spec.md §6 "operation_types").
type Operation struct {
	TxnType string
	Payload []byte
}

func (r RequestData) Key() plenum.RequestKey {
	return plenum.RequestKey{Identifier: r.Identifier, ReqID: r.ReqID}
}

// Batch carries multiple messages for transport efficiency. Inner
// messages are dispatched as if received individually (spec.md §6).
// Batch is whitelisted from per-sender signature verification only
// because its inner messages are independently verified.
type Batch struct {
	Inner []plenum.Envelope
}

func (*Batch) MessageType() string { return "BATCH" }

// ReqAck acknowledges receipt of a client request, sent before
// propagation/consensus completes (spec.md §4.5 "send REQ_ACK to
// sender").
type ReqAck struct {
	ReqKey plenum.RequestKey
}

func (*ReqAck) MessageType() string { return "REQACK" }

// ReqNack rejects a request outright at static-validation time
// (spec.md §7 "Static validation failure... REQ_NACK to client").
type ReqNack struct {
	ReqKey plenum.RequestKey
	Reason string
}

func (*ReqNack) MessageType() string { return "REQNACK" }

// Reply carries a committed transaction back to the client that
// submitted it, grounded on original_source/plenum/server/node.py's
// `transmitToClient(Reply(result), frm)`.
type Reply struct {
	ReqKey plenum.RequestKey
	LedgerID plenum.LedgerID
	SeqNo    uint64
	Result   []byte
}

func (*Reply) MessageType() string { return "REPLY" }

// Reject carries a dynamic-validation failure discovered during batch
// formation (spec.md §7 "Dynamic validation failure... emit Reject").
type Reject struct {
	ReqKey plenum.RequestKey
	Reason string
}

func (*Reject) MessageType() string { return "REJECT" }

// unsignedWhitelist is the exact set of message types exempt from
// per-sender signature verification, per spec.md §6. BATCH is included
// only because its inner messages are checked individually once
// unpacked.
var unsignedWhitelist = map[string]struct{}{
	"PRE-PREPARE": {}, "PREPARE": {}, "COMMIT": {}, "CHECKPOINT": {},
	"THREE_PC_STATE": {}, "INSTANCE_CHANGE": {}, "VIEW_CHANGE_DONE": {},
	"CURRENT_STATE": {}, "FUTURE_VIEW_CHANGE_DONE": {},
	"LEDGER_STATUS": {}, "CONSISTENCY_PROOF": {}, "CATCHUP_REQ": {}, "CATCHUP_REP": {},
	"MESSAGE_REQ": {}, "MESSAGE_REP": {}, "BATCH": {},
}

// RequiresSignature reports whether a message of this type tag must
// carry a verified per-sender signature before being dispatched.
func RequiresSignature(messageType string) bool {
	_, exempt := unsignedWhitelist[messageType]
	return !exempt
}
