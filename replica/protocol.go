/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	"golang.org/x/exp/maps"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

func (r *Replica) suspect(a *plenum.Actions, code plenum.SuspicionCode, sender plenum.NodeID, key plenum.ThreePCKey, detail string) {
	a.Suspicions = append(a.Suspicions, &plenum.Suspicion{
		Code: code, Sender: sender, Instance: r.ID.Instance, Key: key, Detail: detail,
	})
}

func (r *Replica) broadcast(a *plenum.Actions, payload plenum.MessagePayload) {
	a.Broadcast = append(a.Broadcast, plenum.Envelope{Instance: r.ID.Instance, Payload: payload})
}

func (r *Replica) unicast(a *plenum.Actions, to plenum.NodeID, payload plenum.MessagePayload) {
	a.Unicast = append(a.Unicast, plenum.Unicast{Target: to, Msg: plenum.Envelope{Instance: r.ID.Instance, Payload: payload}})
}

func (r *Replica) isOrdered(key plenum.ThreePCKey) bool {
	m, ok := r.orderedInView[key.View]
	if !ok {
		return false
	}
	_, ok = m[key.SeqNo]
	return ok
}

// processPrePrepare implements spec.md §4.2 "PRE-PREPARE acceptance
// (backup of an instance)".
func (r *Replica) processPrePrepare(sender plenum.NodeID, pp *wire.PrePrepare) *plenum.Actions {
	actions := &plenum.Actions{}
	key := plenum.ThreePCKey{View: pp.ViewNo, SeqNo: pp.PpSeqNo}

	// A correct new primary's first PRE-PREPARE in a view this replica
	// hasn't locally finished view-changing into must not be judged
	// against the stale cached primary for the old view (spec.md §5
	// "Future-view messages → msgsForFutureViews"); stash it instead.
	if pp.ViewNo > r.view {
		r.stash.futureViews[pp.ViewNo] = append(r.stash.futureViews[pp.ViewNo], taggedEnvelope{Sender: sender, Msg: pp})
		return actions
	}

	expectedPrimary, ok := r.poolr.PrimaryFor(pp.ViewNo, r.ID.Instance)
	if !ok || sender != expectedPrimary {
		r.suspect(actions, plenum.SuspPPRNotFromPrimary, sender, key, "sender is not this instance's primary")
		return actions
	}
	if sender == r.ID.Node {
		r.suspect(actions, plenum.SuspPPRToPrimary, sender, key, "primary sent pre-prepare to itself")
		return actions
	}

	if existing, ok := r.sequences[key]; ok && existing.prePrepare != nil {
		if existing.prePrepare.BatchDigest != pp.BatchDigest {
			r.suspect(actions, plenum.SuspDuplicatePPRSent, sender, key, "differing content for an already-accepted 3pc-key")
		}
		return actions
	}

	if r.isOrdered(key) || (key.View == r.lastOrdered.View && key.SeqNo <= r.lastOrdered.SeqNo) {
		r.suspect(actions, plenum.SuspPPRFromStale, sender, key, "older than last accepted")
		return actions
	}

	if pp.ViewNo == r.view && !r.ckpt.inWatermarks(key.SeqNo) {
		r.stash.outsideWatermarks[key] = append(r.stash.outsideWatermarks[key], plenum.Envelope{
			Instance: r.ID.Instance, Payload: pp,
		})
		return actions
	}

	if missing := r.missingFinalized(pp); len(missing) > 0 {
		r.stash.pendingFinReqs[key] = pp
		actions.NeedPropagates = append(actions.NeedPropagates, missing...)
		return actions
	}

	if pp.ViewNo == r.view && pp.PpSeqNo != r.nextPpSeqNo {
		r.stash.pendingPrevPP[key] = pp
		if pp.PpSeqNo > r.nextPpSeqNo && uint64(pp.PpSeqNo-r.nextPpSeqNo) <= r.cfg.CheckpointFreq {
			for missing := r.nextPpSeqNo; missing < pp.PpSeqNo; missing++ {
				r.unicast(actions, r.primary, &wire.MessageReq{
					Instance: r.ID.Instance, ViewNo: pp.ViewNo, PpSeqNo: missing, Kind: "PRE-PREPARE",
				})
			}
		}
		return actions
	}

	if !r.timeAcceptable(pp) {
		r.stash.badTime[key] = pp
		return actions
	}

	return r.acceptPrePrepare(key, pp, actions)
}

// missingFinalized returns the request keys referenced by pp that this
// replica has not yet seen finalized (spec.md §4.2 "pending-finalization").
func (r *Replica) missingFinalized(pp *wire.PrePrepare) []plenum.RequestKey {
	var missing []plenum.RequestKey
	for _, rid := range pp.ReqIDs {
		if known, ok := r.known[rid.Key]; !ok || known != rid.Digest {
			missing = append(missing, rid.Key)
		}
	}
	return missing
}

func (r *Replica) timeAcceptable(pp *wire.PrePrepare) bool {
	if pp.PpTime < r.lastAcceptedPpTime {
		return false
	}
	now := r.clock()
	dev := r.cfg.AcceptableDeviation.Nanoseconds()
	return pp.PpTime >= now-dev && pp.PpTime <= now+dev
}

// acceptPrePrepare runs the master-only apply checks (if this is the
// master instance) and, if everything matches, installs the
// PRE-PREPARE and broadcasts this replica's PREPARE.
func (r *Replica) acceptPrePrepare(key plenum.ThreePCKey, pp *wire.PrePrepare, actions *plenum.Actions) *plenum.Actions {
	if r.Master {
		ok, detail, code := r.applyAndVerify(pp)
		if !ok {
			r.suspect(actions, code, r.primary, key, detail)
			return actions
		}
	}

	seq := newSequence(key)
	seq.prePrepare = pp
	seq.state = seqPrePrepared
	seq.ledgerID = pp.LedgerID
	seq.discarded = pp.Discarded
	r.sequences[key] = seq

	r.lastAcceptedPpTime = pp.PpTime
	if pp.ViewNo == r.view {
		r.nextPpSeqNo = pp.PpSeqNo + 1
	}

	if !r.isPrimary() {
		r.broadcast(actions, &wire.Prepare{
			ViewNo: pp.ViewNo, PpSeqNo: pp.PpSeqNo, PpTime: pp.PpTime,
			BatchDigest: pp.BatchDigest, StateRoot: pp.StateRoot, TxnRoot: pp.TxnRoot,
		})
	}

	actions.Append(r.drainWaitingPrepares(key))
	actions.Append(r.drainWaitingCommits(key))
	actions.Append(r.drainPendingPrevPP(pp.ViewNo, pp.PpSeqNo+1))
	return actions
}

// applyAndVerify runs the master-only sanity checks available to a
// backup instance that only holds request digests, not bodies (spec.md
// §3 keeps PRE-PREPARE to digests only; full RequestData lives with the
// Node's finalization pipeline). Full dynamic-validation replay happens
// once, on the primary, inside tryFormBatch; a backup can still catch a
// primary that lies about its own bookkeeping.
func (r *Replica) applyAndVerify(pp *wire.PrePrepare) (ok bool, detail string, code plenum.SuspicionCode) {
	if _, found := r.handlers.ForLedger(pp.LedgerID); !found {
		return false, "no handler for ledger", plenum.SuspPPRStateWrong
	}
	if pp.Discarded < 0 || pp.Discarded > len(pp.ReqIDs) {
		return false, "discarded count out of range", plenum.SuspPPRDigestWrong
	}
	for i, rid := range pp.ReqIDs {
		if known, ok := r.known[rid.Key]; ok && known != rid.Digest {
			return false, "request digest disagrees with locally finalized digest", plenum.SuspPPRDigestWrong
		}
		_ = i
	}
	return true, "", plenum.SuspNone
}

func (r *Replica) drainWaitingPrepares(key plenum.ThreePCKey) *plenum.Actions {
	actions := &plenum.Actions{}
	waiting := r.stash.preparesWaiting[key]
	delete(r.stash.preparesWaiting, key)
	for _, tp := range waiting {
		actions.Append(r.processPrepare(tp.Sender, tp.Msg))
	}
	return actions
}

func (r *Replica) drainWaitingCommits(key plenum.ThreePCKey) *plenum.Actions {
	actions := &plenum.Actions{}
	waiting := r.stash.commitsWaiting[key]
	delete(r.stash.commitsWaiting, key)
	for _, tc := range waiting {
		actions.Append(r.processCommit(tc.Sender, tc.Msg))
	}
	return actions
}

func (r *Replica) drainPendingPrevPP(view plenum.ViewNo, seq plenum.PpSeqNo) *plenum.Actions {
	actions := &plenum.Actions{}
	key := plenum.ThreePCKey{View: view, SeqNo: seq}
	if pp, ok := r.stash.pendingPrevPP[key]; ok {
		delete(r.stash.pendingPrevPP, key)
		actions.Append(r.processPrePrepare(r.primary, pp))
	}
	return actions
}

// processPrepare implements spec.md §4.2 "PREPARE / COMMIT".
func (r *Replica) processPrepare(sender plenum.NodeID, p *wire.Prepare) *plenum.Actions {
	actions := &plenum.Actions{}
	key := plenum.ThreePCKey{View: p.ViewNo, SeqNo: p.PpSeqNo}

	if sender == r.primary {
		r.suspect(actions, plenum.SuspPRFromPrimary, sender, key, "primary sent prepare for its own batch")
		return actions
	}

	seq, ok := r.sequences[key]
	if !ok {
		seq = newSequence(key)
		r.sequences[key] = seq
	}
	if seq.prePrepare == nil {
		r.stash.preparesWaiting[key] = append(r.stash.preparesWaiting[key], taggedPrepare{Sender: sender, Msg: p})
		actions.Append(r.maybeRescueBadTime(key, p))
		return actions
	}
	if !seq.matchesAccepted(p.BatchDigest, p.StateRoot, p.TxnRoot) {
		r.suspect(actions, plenum.SuspPRDigestWrong, sender, key, "prepare mismatches accepted pre-prepare")
		return actions
	}

	seq.prepares[sender] = p
	if seq.state < seqPrepared && seq.prepareCount(r.primary) >= r.poolr.Quorums().Prepare {
		seq.state = seqPrepared
		r.broadcast(actions, &wire.Commit{ViewNo: key.View, PpSeqNo: key.SeqNo})
		// count our own commit immediately, matching the spec's "including
		// its own" clause for the commit quorum.
		actions.Append(r.processCommit(r.ID.Node, &wire.Commit{ViewNo: key.View, PpSeqNo: key.SeqNo}))
	}
	return actions
}

// maybeRescueBadTime un-stashes a PRE-PREPARE held for a bad timestamp
// once enough PREPAREs agree on the same ppTime (spec.md §4.2,
// scenario 3).
func (r *Replica) maybeRescueBadTime(key plenum.ThreePCKey, p *wire.Prepare) *plenum.Actions {
	actions := &plenum.Actions{}
	pp, held := r.stash.badTime[key]
	if !held || pp.PpTime != p.PpTime {
		return actions
	}
	// p itself is already in preparesWaiting, so the loop counts it.
	count := 0
	for _, waiting := range r.stash.preparesWaiting[key] {
		if waiting.Msg.PpTime == p.PpTime {
			count++
		}
	}
	if count >= r.poolr.Quorums().Weak {
		delete(r.stash.badTime, key)
		r.acceptPrePrepare(key, pp, actions)
	}
	return actions
}

func (r *Replica) processCommit(sender plenum.NodeID, c *wire.Commit) *plenum.Actions {
	actions := &plenum.Actions{}
	key := plenum.ThreePCKey{View: c.ViewNo, SeqNo: c.PpSeqNo}

	seq, ok := r.sequences[key]
	if !ok || seq.prePrepare == nil {
		if !ok {
			seq = newSequence(key)
			r.sequences[key] = seq
		}
		r.stash.commitsWaiting[key] = append(r.stash.commitsWaiting[key], taggedCommit{Sender: sender, Msg: c})
		return actions
	}

	seq.commits[sender] = c
	if seq.state < seqCommitted && seq.commitCount() >= r.poolr.Quorums().Strong {
		seq.state = seqCommitted
		actions.Append(r.tryOrder(key))
	}
	return actions
}

// canOrder implements invariant I4 (ordering precedence) and the §9
// open-question resolution on ordering across views.
func (r *Replica) canOrder(key plenum.ThreePCKey) bool {
	if key.SeqNo == 1 {
		return key.View == r.view || key.View <= r.lastPreparedBeforeVC.View
	}
	prev := plenum.ThreePCKey{View: key.View, SeqNo: key.SeqNo - 1}
	if r.isOrdered(prev) {
		return true
	}
	if key.View < r.view {
		return !r.lastPreparedBeforeVC.Less(key)
	}
	return false
}

func (r *Replica) tryOrder(key plenum.ThreePCKey) *plenum.Actions {
	actions := &plenum.Actions{}
	if !r.canOrder(key) {
		r.stash.markOutOfOrderCommit(key.View, key.SeqNo)
		return actions
	}
	r.order(key, actions)
	// a lower-seqno commit ordering may unblock stashed higher ones.
	actions.Append(r.rescanOutOfOrderCommits())
	return actions
}

func (r *Replica) order(key plenum.ThreePCKey, actions *plenum.Actions) {
	seq := r.sequences[key]
	seq.state = seqOrdered
	if r.orderedInView[key.View] == nil {
		r.orderedInView[key.View] = map[plenum.PpSeqNo]struct{}{}
	}
	r.orderedInView[key.View][key.SeqNo] = struct{}{}
	r.orderingViewOf[key] = key.View
	r.lastOrdered = key
	r.stash.dropOutOfOrderCommit(key.View, key.SeqNo)
	r.stats.Ordered++

	// ReqIDs holds valid requests first, discarded ones last (spec.md
	// §4.5 "valid-before-invalid ordering"); discarded is the count of
	// valid requests, i.e. the index the discarded tail starts at
	// (spec.md §4.5 "discarded = |valid|") -- keep only that prefix for
	// the Node to execute.
	all := seq.prePrepare.ReqIDs
	keep := seq.discarded
	reqKeys := make([]plenum.RequestKey, 0, keep)
	for i, rid := range all {
		if i >= keep {
			break
		}
		reqKeys = append(reqKeys, rid.Key)
	}

	actions.Ordered = append(actions.Ordered, &plenum.OrderedBatch{
		Instance:         r.ID.Instance,
		Key:              key,
		PpTime:           seq.prePrepare.PpTime,
		ReqIDs:           reqKeys,
		LedgerID:         seq.ledgerID,
		StateRoot:        seq.prePrepare.StateRoot,
		TxnRoot:          seq.prePrepare.TxnRoot,
		Discarded:        seq.discarded,
		AlreadyCommitted: seq.selfFormed,
	})

	r.queues.drop(seq.ledgerID, reqKeys)

	if chk := r.ckpt.recordOrdered(key.View, key.SeqNo, seq.prePrepare.BatchDigest); chk != nil {
		r.broadcast(actions, chk)
	}
}

// rescanOutOfOrderCommits periodically retries stashed commits whose gap
// may have just closed (spec.md §4.2 "Out-of-order commits").
func (r *Replica) rescanOutOfOrderCommits() *plenum.Actions {
	actions := &plenum.Actions{}
	for view, seqs := range r.stash.outOfOrderCommits {
		for seq := range seqs {
			key := plenum.ThreePCKey{View: view, SeqNo: seq}
			if r.canOrder(key) {
				delete(seqs, seq)
				r.order(key, actions)
			}
		}
	}
	return actions
}

// processCheckpoint implements spec.md §4.2 "Checkpointing & watermarks".
func (r *Replica) processCheckpoint(sender plenum.NodeID, c *wire.Checkpoint) *plenum.Actions {
	actions := &plenum.Actions{}

	if c.ViewNo > r.view {
		r.ckpt.stashCheckpoint(sender, c)
		if end, ok := r.ckpt.quorumedStashedEnd(r.poolr.Quorums().Strong); ok && end > r.ckpt.lowMark {
			r.raiseWatermark(end, actions)
			if !r.Master || !r.isPrimary() {
				actions.CatchupNeeded = append(actions.CatchupNeeded, plenum.PoolLedger, plenum.ConfigLedger, plenum.DomainLedger)
			}
		}
		return actions
	}

	if r.ckpt.applyCheckpoint(sender, c, r.poolr.Quorums().Strong) {
		r.raiseWatermark(c.SeqNoEnd, actions)
	}
	return actions
}

func (r *Replica) raiseWatermark(end plenum.PpSeqNo, actions *plenum.Actions) {
	r.ckpt.advanceWatermark(end)
	r.stash.gcBelow(end)
	// r.sequences is the sentPrePrepares/prePrepares container spec.md §9
	// calls out; maps.Keys gives a stable snapshot to range over while
	// deleting from the map itself.
	for _, key := range maps.Keys(r.sequences) {
		if key.SeqNo <= end {
			delete(r.sequences, key)
		}
	}
	for key := range r.known {
		// request keys are only GC'd by the Node once it observes the
		// stable checkpoint too; the replica only drops its own 3PC
		// bookkeeping here (spec.md §4.2 "free ordered request keys").
		_ = key
	}
	actions.Stable = append(actions.Stable, plenum.PoolLedger, plenum.ConfigLedger, plenum.DomainLedger)

	// re-process anything stashed purely for being outside the old
	// watermarks.
	for key, envs := range r.stash.outsideWatermarks {
		if key.SeqNo <= r.ckpt.highWatermark() {
			delete(r.stash.outsideWatermarks, key)
			for _, e := range envs {
				if pp, ok := e.Payload.(*wire.PrePrepare); ok {
					actions.Append(r.processPrePrepare(r.primary, pp))
				}
			}
		}
	}
}
