/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package viewchange

import "time"

// throttler rate-limits sendInstanceChange per spec.md §4.3 ("rate-
// limited by a ratcheting throttler; a node votes at most once per
// (proposedView)"). Grounded on original_source/plenum/server/
// view_change/view_changer.py's InstanceChangeProvider throttling, which
// doubles the wait between unsuccessful rounds up to a cap.
type throttler struct {
	initial time.Duration
	maxDoublings int

	votedFor map[uint64]struct{} // proposedView already voted for, by this node
	rounds   int                 // consecutive escalations since last successful view change
}

func newThrottler(initial time.Duration, maxDoublings int) *throttler {
	return &throttler{
		initial:      initial,
		maxDoublings: maxDoublings,
		votedFor:     map[uint64]struct{}{},
	}
}

// allow reports whether this node may vote for proposedView now, and if
// so marks it as voted.
func (t *throttler) allow(proposedView uint64) bool {
	if _, done := t.votedFor[proposedView]; done {
		return false
	}
	t.votedFor[proposedView] = struct{}{}
	return true
}

// nextTimeout returns the ratcheted timeout for the next round: doubles
// each consecutive escalation, capped at maxDoublings doublings of the
// initial value.
func (t *throttler) nextTimeout() time.Duration {
	d := t.initial
	rounds := t.rounds
	if rounds > t.maxDoublings {
		rounds = t.maxDoublings
	}
	for i := 0; i < rounds; i++ {
		d *= 2
	}
	return d
}

// recordEscalation bumps the ratchet after an unsuccessful round.
func (t *throttler) recordEscalation() { t.rounds++ }

// reset clears the ratchet and vote history after a successful view
// change.
func (t *throttler) reset() {
	t.rounds = 0
	t.votedFor = map[uint64]struct{}{}
}
