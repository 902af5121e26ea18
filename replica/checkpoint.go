/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	"golang.org/x/exp/slices"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// checkpointInterval accumulates digests for ordered batches
// [start,end] and the per-sender CHECKPOINT votes observed for it
// (spec.md §4.2 "Checkpointing & watermarks").
type checkpointInterval struct {
	start, end plenum.PpSeqNo
	view       plenum.ViewNo

	batchDigests []plenum.Digest // accumulated as each seqNo in range orders
	ownDigest    plenum.Digest   // set once start..end are all ordered

	votes  map[plenum.NodeID]plenum.Digest
	stable bool
}

func newCheckpointInterval(view plenum.ViewNo, start, end plenum.PpSeqNo) *checkpointInterval {
	return &checkpointInterval{
		view:  view,
		start: start,
		end:   end,
		votes: map[plenum.NodeID]plenum.Digest{},
	}
}

// checkpointTracker owns the sliding window of checkpoint intervals and
// the low/high watermarks derived from the last stable one (spec.md I1,
// I8).
type checkpointTracker struct {
	freq       uint64
	logSize    uint64
	hasher     Hasher
	intervals  []*checkpointInterval // ordered by start seqno
	lowMark    plenum.PpSeqNo        // h
	stashed    map[plenum.NodeID][]*wire.Checkpoint // future-view checkpoints, spec.md §5 stashedRecvdCheckpoints
	stashedMin int                                   // count threshold before forced jump
}

func newCheckpointTracker(freq, logSize uint64, hasher Hasher, stashedMin int) *checkpointTracker {
	return &checkpointTracker{
		freq:       freq,
		logSize:    logSize,
		hasher:     hasher,
		stashed:    map[plenum.NodeID][]*wire.Checkpoint{},
		stashedMin: stashedMin,
	}
}

func (ct *checkpointTracker) highWatermark() plenum.PpSeqNo {
	return ct.lowMark + plenum.PpSeqNo(ct.logSize)
}

func (ct *checkpointTracker) inWatermarks(seq plenum.PpSeqNo) bool {
	return seq > ct.lowMark && seq <= ct.highWatermark()
}

// intervalFor returns (creating if needed) the interval containing seq.
// ct.intervals is kept ordered by start seqno (spec.md §9 "sorted
// interval containers... implement over an ordered map keyed by
// (viewNo, ppSeqNo)") so a stable checkpoint's predecessors are always a
// contiguous prefix for advanceWatermark to drop.
func (ct *checkpointTracker) intervalFor(view plenum.ViewNo, seq plenum.PpSeqNo) *checkpointInterval {
	start := ((uint64(seq) - 1) / ct.freq) * ct.freq + 1
	end := start + ct.freq - 1
	if idx := slices.IndexFunc(ct.intervals, func(iv *checkpointInterval) bool {
		return plenum.PpSeqNo(start) == iv.start
	}); idx >= 0 {
		return ct.intervals[idx]
	}
	iv := newCheckpointInterval(view, plenum.PpSeqNo(start), plenum.PpSeqNo(end))
	ct.intervals = append(ct.intervals, iv)
	slices.SortFunc(ct.intervals, func(a, b *checkpointInterval) int { return int(a.start) - int(b.start) })
	return iv
}

// recordOrdered accumulates a newly-ordered batch's digest into its
// checkpoint interval, emitting a CHECKPOINT once the interval is full
// (spec.md §4.2 "Every CHK_FREQ orderings emit a CHECKPOINT").
func (ct *checkpointTracker) recordOrdered(view plenum.ViewNo, seq plenum.PpSeqNo, batchDigest plenum.Digest) (emit *wire.Checkpoint) {
	iv := ct.intervalFor(view, seq)
	iv.batchDigests = append(iv.batchDigests, batchDigest)
	if uint64(len(iv.batchDigests)) < ct.freq {
		return nil
	}
	h := ct.hasher()
	for _, d := range iv.batchDigests {
		h.Write([]byte(d))
	}
	iv.ownDigest = plenum.Digest(h.Sum(nil))
	return &wire.Checkpoint{
		ViewNo:     iv.view,
		SeqNoStart: iv.start,
		SeqNoEnd:   iv.end,
		Digest:     iv.ownDigest,
	}
}

// applyCheckpoint records a peer's CHECKPOINT vote and reports whether
// it just reached stability quorum for its interval (spec.md I5,
// "CHECKPOINT stability quorum = 2f+1").
func (ct *checkpointTracker) applyCheckpoint(sender plenum.NodeID, msg *wire.Checkpoint, quorum int) (newlyStable bool) {
	iv := ct.intervalFor(msg.ViewNo, msg.SeqNoEnd)
	if iv.stable {
		return false
	}
	iv.votes[sender] = msg.Digest

	count := 0
	for _, d := range iv.votes {
		if d == msg.Digest {
			count++
		}
	}
	if count >= quorum {
		iv.stable = true
		return true
	}
	return false
}

// advanceWatermark raises h to the given stable interval's end and
// garbage-collects every interval at or below it.
func (ct *checkpointTracker) advanceWatermark(end plenum.PpSeqNo) {
	if end <= ct.lowMark {
		return
	}
	ct.lowMark = end
	kept := ct.intervals[:0]
	for _, iv := range ct.intervals {
		if iv.end > end {
			kept = append(kept, iv)
		}
	}
	ct.intervals = kept
}

// stashCheckpoint buffers a checkpoint received for a future view
// (spec.md §5 msgsForFutureViews / stashedRecvdCheckpoints).
func (ct *checkpointTracker) stashCheckpoint(sender plenum.NodeID, msg *wire.Checkpoint) {
	ct.stashed[sender] = append(ct.stashed[sender], msg)
}

// quorumedStashedEnd returns the highest SeqNoEnd among stashed future
// checkpoints with quorum matching digests, or false while fewer than
// stashedMin distinct ends (and at least one) qualify (spec.md §4.2
// "STASHED_CHECKPOINTS_BEFORE_CATCHUP").
func (ct *checkpointTracker) quorumedStashedEnd(quorum int) (plenum.PpSeqNo, bool) {
	tally := map[plenum.PpSeqNo]map[plenum.Digest]int{}
	for _, msgs := range ct.stashed {
		for _, m := range msgs {
			if tally[m.SeqNoEnd] == nil {
				tally[m.SeqNoEnd] = map[plenum.Digest]int{}
			}
			tally[m.SeqNoEnd][m.Digest]++
		}
	}
	var best plenum.PpSeqNo
	qualifying := 0
	for end, byDigest := range tally {
		for _, c := range byDigest {
			if c >= quorum {
				qualifying++
				if end > best {
					best = end
				}
				break
			}
		}
	}
	return best, qualifying > 0 && qualifying >= ct.stashedMin
}
