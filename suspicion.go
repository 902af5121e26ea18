/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package plenum

import "fmt"

// SuspicionCode classifies peer misbehavior observed while processing a
// message (spec.md §7 "Suspicion"). Grounded on
// original_source/plenum/server/suspicion_codes.py.
type SuspicionCode int

const (
	// SuspNone is the zero value; never raised.
	SuspNone SuspicionCode = iota

	// Three-phase commit suspicions.
	SuspPPRNotFromPrimary
	SuspPPRToPrimary
	SuspPPRDuplicate
	SuspPPRFromStale
	SuspPPRDigestWrong
	SuspPPRStateWrong
	SuspPPRTxnWrong
	SuspPPRTimeWrong
	SuspPRFromPrimary
	SuspPRDigestWrong
	SuspDuplicatePPRSent
	SuspOrderingOutOfTurn

	// Primary-related suspicions; these escalate to view change
	// (spec.md §7 "primary-related codes escalate to view change").
	SuspPrimaryDegraded
	SuspPrimaryDisconnected
	SuspPrimaryInconsistentVCD

	// View-change suspicions.
	SuspInstChangeTimeout
	SuspViewChangeTimeout
)

func (c SuspicionCode) String() string {
	switch c {
	case SuspNone:
		return "none"
	case SuspPPRNotFromPrimary:
		return "pre-prepare not from primary"
	case SuspPPRToPrimary:
		return "pre-prepare sent to primary by itself"
	case SuspPPRDuplicate:
		return "duplicate 3pc-key"
	case SuspPPRFromStale:
		return "pre-prepare older than last accepted"
	case SuspPPRDigestWrong:
		return "batch digest mismatch"
	case SuspPPRStateWrong:
		return "state root mismatch"
	case SuspPPRTxnWrong:
		return "txn root mismatch"
	case SuspPPRTimeWrong:
		return "pre-prepare time out of bounds"
	case SuspPRFromPrimary:
		return "prepare from primary for own batch"
	case SuspPRDigestWrong:
		return "prepare mismatches accepted pre-prepare"
	case SuspDuplicatePPRSent:
		return "duplicate pre-prepare with differing content"
	case SuspOrderingOutOfTurn:
		return "batch ordered out of 3pc sequence"
	case SuspPrimaryDegraded:
		return "primary degraded"
	case SuspPrimaryDisconnected:
		return "primary disconnected"
	case SuspPrimaryInconsistentVCD:
		return "inconsistent view-change-done vector"
	case SuspInstChangeTimeout:
		return "instance change timed out"
	case SuspViewChangeTimeout:
		return "view change timed out"
	default:
		return fmt.Sprintf("suspicion-%d", int(c))
	}
}

// Escalates reports whether this suspicion code should, on its own,
// cause the local node to vote for an instance change.
func (c SuspicionCode) Escalates() bool {
	switch c {
	case SuspPPRNotFromPrimary, SuspPPRToPrimary, SuspDuplicatePPRSent,
		SuspPrimaryDegraded, SuspPrimaryDisconnected, SuspPrimaryInconsistentVCD:
		return true
	default:
		return false
	}
}

// Suspicion is a single coded classification of misbehavior, attributing
// a sender and the 3PC-key (if any) it concerns.
type Suspicion struct {
	Code     SuspicionCode
	Sender   NodeID
	Instance InstanceID
	Key      ThreePCKey
	Detail   string
}

func (s *Suspicion) Error() string {
	return fmt.Sprintf("suspicion %s from %s at %s: %s", s.Code, s.Sender, s.Key, s.Detail)
}
