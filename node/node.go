/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package node implements the Node Orchestrator of spec.md §4.5: it
// hosts the Replica(s), ViewChanger and LedgerManager, routes inbound
// messages, runs the client request pipeline (static validation →
// PROPAGATE → finalize → enqueue), executes ordered batches against
// request-handlers, monitors master performance, and drives the
// starting → discovering → syncing → participating lifecycle.
//
// Grounded on original_source/plenum/server/node.py (processPropagate,
// processRequest, executeBatch, checkPerformance) and the teacher's
// Processor/ParallelProcessor (processor.go) for the persist-then-
// transmit-then-apply staging discipline: every sub-component
// (replica.Replica, viewchange.ViewChanger, catchup.Manager) returns
// *plenum.Actions and never calls back into Node, resolving the §9
// cyclic-reference concern with a one-way, data-only boundary.
package node

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/catchup"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/replica"
	"github.com/hyperledger-labs/plenum-go/viewchange"
	"github.com/hyperledger-labs/plenum-go/wire"
	"hash"
)

// Phase is the Node's own lifecycle, spec.md §4.5 "starting →
// discovering (pool ledger syncing) → syncing (config/domain) → synced
// → participating. Only participating enables application-level batch
// commit."
type Phase int

const (
	PhaseStarting Phase = iota
	PhaseDiscovering
	PhaseSyncing
	PhaseSynced
	PhaseParticipating
)

func (p Phase) String() string {
	switch p {
	case PhaseDiscovering:
		return "discovering"
	case PhaseSyncing:
		return "syncing"
	case PhaseSynced:
		return "synced"
	case PhaseParticipating:
		return "participating"
	default:
		return "starting"
	}
}

// Clock returns unix nanos; shared abstraction with replica.Clock and
// viewchange.Clock so a test can drive every component off one fake
// clock.
type Clock func() int64

// Config bundles the construction-time dependencies of a Node.
type Config struct {
	ID       plenum.NodeID
	Plenum   *plenum.Config
	Pool     *pool.Registry
	Hasher   func() hash.Hash
	Clock    Clock
	Handlers *ledger.Registry
	Ledgers  map[plenum.LedgerID]ledger.Ledger
	States   map[plenum.LedgerID]ledger.State
	Monitor  Monitor
}

// Node is the top-level orchestrator for one validator.
type Node struct {
	id     plenum.NodeID
	cfg    *plenum.Config
	logger plenum.Logger
	poolr  *pool.Registry
	hasher func() hash.Hash
	clock  Clock

	handlers *ledger.Registry
	ledgers  map[plenum.LedgerID]ledger.Ledger
	states   map[plenum.LedgerID]ledger.State

	replicas   map[plenum.InstanceID]*replica.Replica
	vc         *viewchange.ViewChanger
	catchupMgr *catchup.Manager
	monitor    Monitor

	phase Phase

	requests      map[plenum.RequestKey]*requestRecord
	orderedIndex  map[plenum.RequestKey]orderedLocation
	digestToKey   map[plenum.Digest]plenum.RequestKey

	// futureInstances holds messages addressed to a protocol instance
	// this node hasn't grown a Replica for yet, keyed by instance
	// (spec.md §5 "Future-instance messages → msgsForFutureReplicas").
	// Drained by growReplicas once the instance is created.
	futureInstances map[plenum.InstanceID][]pendingInstanceMsg

	lastPerfCheck int64

	// primaryDisconnectedAt/-Node implement spec.md §4.5 "Primary loss":
	// the transport layer calls OnPrimaryDisconnected when it notices the
	// master primary has dropped, and Tick escalates to INSTANCE_CHANGE
	// once ToleratePrimaryDisconnection has elapsed without a reconnect.
	primaryDisconnectedAt   int64
	primaryDisconnectedNode plenum.NodeID

	blacklist map[plenum.NodeID]struct{}
}

// requestRecord tracks one client request through propagation and
// finalization (spec.md §3 "Requests" lifecycle).
type requestRecord struct {
	Body        wire.RequestData
	ClientID    string
	Digest      plenum.Digest
	Propagators map[plenum.NodeID]struct{}
	Finalized   bool
	LedgerID    plenum.LedgerID
}

// orderedLocation is where an already-ordered request landed, for the
// Node's digest→(ledgerId,seqNo) replay index (spec.md §4.5 "check
// already-ordered by digest→(ledgerId,seqNo) map").
type orderedLocation struct {
	LedgerID plenum.LedgerID
	SeqNo    uint64
}

// pendingInstanceMsg is one envelope stashed in futureInstances.
type pendingInstanceMsg struct {
	Sender plenum.NodeID
	Env    plenum.Envelope
}

// New constructs a Node at PhaseStarting with one Replica per required
// instance (spec.md §4.1 "requiredInstances = f+1"); instance 0 is
// always the master.
func New(c Config) *Node {
	n := &Node{
		id:              c.ID,
		cfg:             c.Plenum,
		logger:          c.Plenum.Logger,
		poolr:           c.Pool,
		hasher:          c.Hasher,
		clock:           c.Clock,
		handlers:        c.Handlers,
		ledgers:         c.Ledgers,
		states:          c.States,
		replicas:        map[plenum.InstanceID]*replica.Replica{},
		monitor:         c.Monitor,
		requests:        map[plenum.RequestKey]*requestRecord{},
		orderedIndex:    map[plenum.RequestKey]orderedLocation{},
		digestToKey:     map[plenum.Digest]plenum.RequestKey{},
		blacklist:       map[plenum.NodeID]struct{}{},
		futureInstances: map[plenum.InstanceID][]pendingInstanceMsg{},
	}
	if n.clock == nil {
		n.clock = func() int64 { return 0 }
	}
	if n.monitor == nil {
		n.monitor = NewThroughputMonitor(n.cfg.PerformanceCheckFrequency)
	}

	n.vc = viewchange.New(viewchange.Config{
		NodeID: c.ID,
		Plenum: c.Plenum,
		Pool:   c.Pool,
		Clock:  viewchange.Clock(n.clock),
	})
	n.catchupMgr = catchup.New(catchup.Config{
		Plenum:   c.Plenum,
		Pool:     c.Pool,
		Ledgers:  c.Ledgers,
		Handlers: c.Handlers,
	})
	n.growReplicas() // nothing can be stashed before a message has arrived
	return n
}

// growReplicas ensures one Replica exists per required instance
// (spec.md §4.1 "triggers Node to grow/shrink replicas"), called at
// construction and again after a pool membership change once the pool
// ledger has caught up. A newly grown instance replays whatever it
// accumulated in futureInstances while it didn't exist yet (spec.md §5
// "Future-instance messages → msgsForFutureReplicas").
func (n *Node) growReplicas() *plenum.Actions {
	actions := &plenum.Actions{}
	required := n.poolr.RequiredInstances()
	for i := 0; i < required; i++ {
		inst := plenum.InstanceID(i)
		if _, ok := n.replicas[inst]; ok {
			continue
		}
		n.replicas[inst] = replica.New(replica.Config{
			ID:       plenum.ReplicaID{Node: n.id, Instance: inst},
			Master:   inst == 0,
			Plenum:   n.cfg,
			Pool:     n.poolr,
			Hasher:   replica.Hasher(n.hasher),
			Clock:    replica.Clock(n.clock),
			Handlers: n.handlers,
			Ledgers:  n.ledgers,
			States:   n.states,
		})
		pending := n.futureInstances[inst]
		delete(n.futureInstances, inst)
		for _, tm := range pending {
			n.dispatch(tm.Sender, tm.Env, actions)
		}
	}
	for inst := range n.replicas {
		if int(inst) >= required {
			delete(n.replicas, inst)
		}
	}
	return actions
}

// Phase returns the Node's current lifecycle phase.
func (n *Node) Phase() Phase { return n.phase }

// Participating reports whether application batches may commit
// (spec.md §4.5 "Only participating enables application-level batch
// commit").
func (n *Node) Participating() bool { return n.phase == PhaseParticipating }

func (n *Node) digest(data ...[]byte) plenum.Digest {
	h := n.hasher()
	for _, d := range data {
		h.Write(d)
	}
	return plenum.Digest(h.Sum(nil))
}
