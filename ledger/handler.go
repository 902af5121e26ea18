/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package ledger defines the narrow, external-collaborator contracts
// spec.md §6 specifies for request handlers, ledgers and authenticated
// state -- storage engines and application semantics are explicitly out
// of scope (spec.md §1), so only interfaces live here.
package ledger

import (
	"github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// Txn is an opaque, committed transaction record as returned by Commit.
type Txn struct {
	SeqNo  uint64
	ReqKey plenum.RequestKey
	Digest plenum.Digest
	Raw    []byte
}

// RequestHandler is the per-ledger contract of spec.md §6. The core
// treats "request handler for ledger L" as an abstract interface; BLS
// key management and concrete domain/config/pool handlers are out of
// scope (spec.md §1).
type RequestHandler interface {
	// OperationTypes is the set of txn type tags this handler claims.
	OperationTypes() []string

	// DoStaticValidation checks a request is well-formed, independent of
	// current state.
	DoStaticValidation(req wire.RequestData) error

	// Validate checks a request can be applied given current state
	// (dynamic validation, spec.md §7).
	Validate(req wire.RequestData) error

	// Apply pre-commits a request against uncommitted state and returns
	// the sequence number and provisional txn it will become.
	Apply(req wire.RequestData, consensusTime int64) (seqNo uint64, txn *Txn, err error)

	// ApplyForced applies a request as a pre-consensus, "forced" state
	// change (spec.md §4.5 request pipeline).
	ApplyForced(req wire.RequestData) error

	// Commit finalizes the last `count` applied requests, returning the
	// committed transactions in order.
	Commit(count int, stateRoot, txnRoot []byte, consensusTime int64) ([]*Txn, error)

	// UpdateState feeds catch-up or replay transactions into the
	// handler's state, optionally marking them already committed.
	UpdateState(txns []*Txn, isCommitted bool) error
}

// Ledger is the narrow append-only-log contract a Replica/catchup
// component needs; on-disk format is out of scope (spec.md §1).
type Ledger interface {
	Append(txn *Txn) error
	Discard(count int) error
	GetBySeqNo(seqNo uint64) (*Txn, bool)
	Size() uint64
	MerkleRoot() []byte
	// ConsistencyProof returns the Merkle path proving the ledger at
	// upTo was a prefix of the ledger at the current size.
	ConsistencyProof(upTo uint64) [][]byte
}

// State is the narrow authenticated-pruning-state-trie contract.
type State interface {
	Head() []byte
	RevertToHead(head []byte) error
}

// Registry maps ledger ids and txn types to handlers (spec.md §6
// "Lookup: txnType → handler (unique); ledgerId → handler").
type Registry struct {
	byLedger map[plenum.LedgerID]RequestHandler
	byTxn    map[string]RequestHandler
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byLedger: map[plenum.LedgerID]RequestHandler{},
		byTxn:    map[string]RequestHandler{},
	}
}

// Register binds a handler to a ledger id and all of its operation
// types. It panics if a txn type is already claimed by another handler
// -- spec.md §6 requires the mapping be unique, so a collision is a
// local invariant violation, not a runtime condition to recover from.
func (r *Registry) Register(id plenum.LedgerID, h RequestHandler) {
	r.byLedger[id] = h
	for _, t := range h.OperationTypes() {
		if existing, ok := r.byTxn[t]; ok && existing != h {
			panic("dev sanity test: txn type " + t + " claimed by two handlers")
		}
		r.byTxn[t] = h
	}
}

// ForLedger looks up the handler for a ledger id.
func (r *Registry) ForLedger(id plenum.LedgerID) (RequestHandler, bool) {
	h, ok := r.byLedger[id]
	return h, ok
}

// ForTxnType looks up the handler for a txn type tag; LedgerForTxnType
// resolves its ledger id.
func (r *Registry) ForTxnType(txnType string) (RequestHandler, bool) {
	h, ok := r.byTxn[txnType]
	return h, ok
}

// LedgerForTxnType resolves the ledger id a txn type routes to.
func (r *Registry) LedgerForTxnType(txnType string) (plenum.LedgerID, bool) {
	for id, h := range r.byLedger {
		for _, t := range h.OperationTypes() {
			if t == txnType {
				return id, true
			}
		}
	}
	return 0, false
}
