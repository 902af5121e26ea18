/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package pool implements the Ledger Registry & Pool Parameters
// component of spec.md §4.1: the validator node registry, derived
// Byzantine bound, quorum sizes, and deterministic primary selection
// (spec.md §4.6). Grounded on
// original_source/plenum/server/pool_manager.py (_set_nodes,
// node_names_ordered_by_rank) and
// original_source/plenum/client/pool_manager.py.
package pool

import (
	"sort"

	plenum "github.com/hyperledger-labs/plenum-go"
)

// TxnKind distinguishes the pool-transaction effects spec.md's
// distillation collapses into "add/remove": N counts voting nodes, so
// Add, Remove, Demote and Promote all change it; Demote keeps the node
// in NodeReg for routing/catch-up purposes but removes it from
// voting-quorum accounting, matching
// original_source/plenum/server/pool_manager.py's services-based
// add/demote/promote distinction.
type TxnKind int

const (
	TxnAdd TxnKind = iota
	TxnRemove
	TxnDemote
	TxnPromote
	TxnAliasChange
)

// PoolTxn is a committed pool-ledger transaction.
type PoolTxn struct {
	Kind     TxnKind
	Name     plenum.NodeID
	Endpoint string
}

// Endpoint is the minimal addressing information the registry tracks
// per node; transport itself is out of scope (spec.md §1).
type Endpoint struct {
	Name     plenum.NodeID
	Address  string
	Voting   bool
}

// Quorums exposes the quorum sizes derived from N, per spec.md §4.1 and
// the Open Question resolution in DESIGN.md (PREPARE quorum fixed at 2f
// excluding the primary).
type Quorums struct {
	N       int
	F       int
	Strong  int // 2f+1: COMMIT, CHECKPOINT stability, INSTANCE_CHANGE, real view change
	Weak    int // f+1: propagation finalization, propagate-primary
	Prepare int // 2f: PREPARE quorum excluding the primary
}

// Registry holds nodeReg and the quantities derived from it, recomputed
// atomically on every membership change (spec.md §4.1 invariant).
type Registry struct {
	nodes   map[plenum.NodeID]Endpoint
	ordered []plenum.NodeID // sorted by rank, voting members only
	all     []plenum.NodeID // sorted by rank, including demoted
	quorums Quorums
}

// NewRegistry builds a registry from an initial set of voting nodes.
func NewRegistry(initial []plenum.NodeID) *Registry {
	r := &Registry{nodes: map[plenum.NodeID]Endpoint{}}
	for _, n := range initial {
		r.nodes[n] = Endpoint{Name: n, Voting: true}
	}
	r.recompute()
	return r
}

func (r *Registry) recompute() {
	r.ordered = r.ordered[:0]
	r.all = r.all[:0]
	for name, ep := range r.nodes {
		r.all = append(r.all, name)
		if ep.Voting {
			r.ordered = append(r.ordered, name)
		}
	}
	sort.Slice(r.all, func(i, j int) bool { return r.all[i] < r.all[j] })
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i] < r.ordered[j] })

	n := len(r.ordered)
	f := (n - 1) / 3
	if f < 0 {
		f = 0
	}
	r.quorums = Quorums{
		N:       n,
		F:       f,
		Strong:  2*f + 1,
		Weak:    f + 1,
		Prepare: 2 * f,
	}
}

// OnPoolTxnCommitted applies a pool-ledger transaction, updating nodeReg
// and recomputing the derived quantities (spec.md §4.1
// "onPoolTxnCommitted").
func (r *Registry) OnPoolTxnCommitted(txn PoolTxn) {
	switch txn.Kind {
	case TxnAdd:
		r.nodes[txn.Name] = Endpoint{Name: txn.Name, Address: txn.Endpoint, Voting: true}
	case TxnRemove:
		delete(r.nodes, txn.Name)
	case TxnDemote:
		if ep, ok := r.nodes[txn.Name]; ok {
			ep.Voting = false
			r.nodes[txn.Name] = ep
		}
	case TxnPromote:
		if ep, ok := r.nodes[txn.Name]; ok {
			ep.Voting = true
			r.nodes[txn.Name] = ep
		}
	case TxnAliasChange:
		if ep, ok := r.nodes[txn.Name]; ok {
			ep.Address = txn.Endpoint
			r.nodes[txn.Name] = ep
		}
	}
	r.recompute()
}

// N is the number of voting nodes.
func (r *Registry) N() int { return r.quorums.N }

// F is the Byzantine bound floor((N-1)/3).
func (r *Registry) F() int { return r.quorums.F }

// RequiredInstances is f+1, the number of protocol instances the node
// must run (spec.md §4.1).
func (r *Registry) RequiredInstances() int { return r.quorums.F + 1 }

// Quorums returns a consistent snapshot of the derived quorum sizes.
func (r *Registry) Quorums() Quorums { return r.quorums }

// NodeReg returns the voting nodes in rank order.
func (r *Registry) NodeReg() []plenum.NodeID {
	out := make([]plenum.NodeID, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// RankOf returns the deterministic lexicographic rank of name among the
// voting nodeReg, or -1 if name is not a voting member.
func (r *Registry) RankOf(name plenum.NodeID) int {
	for i, n := range r.ordered {
		if n == name {
			return i
		}
	}
	return -1
}

// NodeAtRank returns the voting node at the given rank, modulo N.
func (r *Registry) NodeAtRank(rank int) (plenum.NodeID, bool) {
	n := len(r.ordered)
	if n == 0 {
		return "", false
	}
	rank = ((rank % n) + n) % n
	return r.ordered[rank], true
}

// Contains reports whether name is a currently known node, voting or not.
func (r *Registry) Contains(name plenum.NodeID) bool {
	_, ok := r.nodes[name]
	return ok
}
