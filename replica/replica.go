/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package replica implements the per-instance three-phase commit engine
// of spec.md §4.2: PRE-PREPARE/PREPARE/COMMIT, checkpointing and
// watermarks, stashing, and ordered-batch emission. One Replica exists
// per protocol instance per node; instance 0 is always the master.
//
// Grounded on original_source/plenum/server/replica.py (doSendPrePrepare,
// processPrePrepare, processPrepare, processCommit, processCheckpoint)
// and the teacher-lineage per-sequence bookkeeping in
// other_examples/6be82e50_vukolic-mirbft__sequence.go.go. Like the
// teacher, process()/tick() never block: every wait is a stash
// (spec.md §5).
package replica

import (
	"time"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/wire"
	"go.uber.org/zap"
)

// Clock returns the current wall-clock time as unix nanos; abstracted so
// tests can inject a fake clock (spec.md I6 "within ACCEPTABLE_DEVIATION
// of replicas' wall clocks").
type Clock func() int64

func RealClock() int64 { return time.Now().UnixNano() }

// Replica is the three-phase commit engine for a single protocol
// instance.
type Replica struct {
	ID     plenum.ReplicaID
	Master bool

	cfg    *plenum.Config
	logger plenum.Logger
	poolr  *pool.Registry
	hasher Hasher
	clock  Clock

	// handlers/ledgers/states are handed to every instance, but only the
	// master instance validates, applies or commits through them; backup
	// instances run 3PC purely to monitor master throughput and never
	// apply application state (glossary "Backup instance").
	handlers *ledger.Registry
	ledgers  map[plenum.LedgerID]ledger.Ledger
	states   map[plenum.LedgerID]ledger.State

	view    plenum.ViewNo
	primary plenum.NodeID

	nextPpSeqNo plenum.PpSeqNo // next sequence number this replica assigns as primary

	lastAcceptedPpTime int64
	lastBatchTime      int64

	sequences       map[plenum.ThreePCKey]*sequence
	known           map[plenum.RequestKey]plenum.Digest // every finalized digest ever enqueued, until GC'd
	queues          *ledgerQueues
	ckpt            *checkpointTracker
	stash           *stashes
	lastOrdered     plenum.ThreePCKey
	orderedInView   map[plenum.ViewNo]map[plenum.PpSeqNo]struct{}
	orderingViewOf  map[plenum.ThreePCKey]plenum.ViewNo

	// lastPreparedBeforeVC resolves the §9 open question on ordered
	// retention across views: a batch at (v,s) with v < currentView may
	// still be ordered only if it is covered by this key.
	lastPreparedBeforeVC plenum.ThreePCKey
	viewChanging         bool

	stats Stats
}

// Stats are plain observability counters, restored from the original's
// TPCStat enum (original_source/plenum/server/replica.py); they have no
// protocol effect.
type Stats struct {
	PrePreparesRcvd int
	PreparesRcvd    int
	CommitsRcvd     int
	Ordered         int
}

// Config bundles the construction-time dependencies of a Replica.
type Config struct {
	ID       plenum.ReplicaID
	Master   bool
	Plenum   *plenum.Config
	Pool     *pool.Registry
	Hasher   Hasher
	Clock    Clock
	Handlers *ledger.Registry
	Ledgers  map[plenum.LedgerID]ledger.Ledger
	States   map[plenum.LedgerID]ledger.State
}

// New constructs a Replica at view 0, sequence 1.
func New(c Config) *Replica {
	clock := c.Clock
	if clock == nil {
		clock = RealClock
	}
	r := &Replica{
		ID:             c.ID,
		Master:         c.Master,
		cfg:            c.Plenum,
		logger:         c.Plenum.Logger,
		poolr:          c.Pool,
		hasher:         c.Hasher,
		clock:          clock,
		handlers:       c.Handlers,
		ledgers:        c.Ledgers,
		states:         c.States,
		nextPpSeqNo:    1,
		sequences:      map[plenum.ThreePCKey]*sequence{},
		known:          map[plenum.RequestKey]plenum.Digest{},
		queues:         newLedgerQueues(),
		ckpt:           newCheckpointTracker(c.Plenum.CheckpointFreq, c.Plenum.LogSize, c.Hasher, c.Plenum.StashedCheckpointsBeforeCatchup),
		stash:          newStashes(),
		orderedInView:  map[plenum.ViewNo]map[plenum.PpSeqNo]struct{}{},
		orderingViewOf: map[plenum.ThreePCKey]plenum.ViewNo{},
	}
	if primary, ok := c.Pool.PrimaryFor(0, c.ID.Instance); ok {
		r.primary = primary
	}
	return r
}

func (r *Replica) isPrimary() bool { return r.primary == r.ID.Node }

// EnqueueFinalizedRequest records a request the Node has finalized
// (spec.md §4.2 "enqueueFinalizedRequest"). body is only read by the
// master instance at batch-formation time; backups queue it alongside
// the digest but never apply it.
func (r *Replica) EnqueueFinalizedRequest(key plenum.RequestKey, digest plenum.Digest, ledgerID plenum.LedgerID, body wire.RequestData) {
	r.known[key] = digest
	r.queues.enqueue(finalizedRequest{Key: key, Digest: digest, LedgerID: ledgerID, Body: body})
}

// Process handles one inbound message from sender (spec.md §4.2
// "process(message, sender)").
func (r *Replica) Process(sender plenum.NodeID, msg plenum.MessagePayload) *plenum.Actions {
	switch m := msg.(type) {
	case *wire.PrePrepare:
		r.stats.PrePreparesRcvd++
		return r.processPrePrepare(sender, m)
	case *wire.Prepare:
		r.stats.PreparesRcvd++
		return r.processPrepare(sender, m)
	case *wire.Commit:
		r.stats.CommitsRcvd++
		return r.processCommit(sender, m)
	case *wire.Checkpoint:
		return r.processCheckpoint(sender, m)
	default:
		return &plenum.Actions{}
	}
}

// Tick drives batch formation, watermark checks and stash rescans
// (spec.md §4.2 "tick()").
func (r *Replica) Tick() *plenum.Actions {
	actions := &plenum.Actions{}
	if r.isPrimary() && !r.viewChanging {
		actions.Append(r.tryFormBatch())
	}
	actions.Append(r.rescanOutOfOrderCommits())
	return actions
}

// onViewChangeStart / onViewChangeDone / onCatchupComplete ----------------

// OnViewChangeStart cancels in-flight batching and records the highest
// locally-PREPARE-quorumed key so COMMITs belonging to it can still be
// processed during the view change (spec.md §4.3).
func (r *Replica) OnViewChangeStart() {
	r.viewChanging = true
	best := plenum.ThreePCKey{}
	for key, seq := range r.sequences {
		if seq.state >= seqPrepared && best.Less(key) {
			best = key
		}
	}
	r.lastPreparedBeforeVC = best
}

// OnViewChangeDone installs the new view/primary, resets the ordering
// window (spec.md §4.2 I2: fresh primary emits consecutive ppSeqNo
// starting at 1 in the new view), and replays whatever this replica
// stashed in msgsForFutureViews while waiting to reach this view.
func (r *Replica) OnViewChangeDone(view plenum.ViewNo, newPrimary plenum.NodeID) *plenum.Actions {
	r.view = view
	r.primary = newPrimary
	r.nextPpSeqNo = 1
	r.lastAcceptedPpTime = 0
	r.viewChanging = false

	actions := &plenum.Actions{}
	waiting := r.stash.futureViews[view]
	for v := range r.stash.futureViews {
		if v <= view {
			delete(r.stash.futureViews, v)
		}
	}
	for _, tm := range waiting {
		actions.Append(r.Process(tm.Sender, tm.Msg))
	}
	return actions
}

// OnCatchupComplete sets last_ordered_3pc from catch-up and advances h
// accordingly (spec.md §4.4 "the Replica uses it to set last_ordered_3pc
// and advance h").
func (r *Replica) OnCatchupComplete(lastCaughtUp plenum.ThreePCKey) {
	r.lastOrdered = lastCaughtUp
	if r.orderedInView[lastCaughtUp.View] == nil {
		r.orderedInView[lastCaughtUp.View] = map[plenum.PpSeqNo]struct{}{}
	}
	r.orderedInView[lastCaughtUp.View][lastCaughtUp.SeqNo] = struct{}{}
	r.ckpt.advanceWatermark(lastCaughtUp.SeqNo)
	r.stash.gcBelow(lastCaughtUp.SeqNo)
}

// Status exposes read-only counters and watermarks for reporting.
func (r *Replica) Status() (low, high plenum.PpSeqNo, stats Stats) {
	return r.ckpt.lowMark, r.ckpt.highWatermark(), r.stats
}

func (r *Replica) logF(msg string, fields ...zap.Field) {
	r.logger.Debug(msg, fields...)
}
