/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package plenum

import "time"

// Config carries every tunable named in spec.md §5 and §9. Field names
// mirror the spec's own (shouty, original-Plenum-derived) constant names
// where the original_source uses them verbatim
// (original_source/plenum/config.py), translated to Go case for the
// rest.
type Config struct {
	ID     NodeID
	Logger Logger

	// CheckpointFreq is CHK_FREQ: batches per checkpoint interval. The
	// worked scenarios in spec.md §8 use 3.
	CheckpointFreq uint64

	// LogSize bounds H = h + LogSize, the high watermark.
	LogSize uint64

	// AcceptableDeviation bounds how far a PRE-PREPARE's ppTime may
	// diverge from a replica's local wall clock, in either direction.
	AcceptableDeviation time.Duration

	// MaxBatchSize is the maximum number of requests in one batch.
	MaxBatchSize int

	// MaxBatchWait is the maximum time a non-empty queue waits before a
	// (possibly short) batch is cut anyway.
	MaxBatchWait time.Duration

	// StashedCheckpointsBeforeCatchup is the number of quorum-attested
	// future checkpoints that trigger a forced watermark jump / catch-up
	// request (spec.md §4.2).
	StashedCheckpointsBeforeCatchup int

	// ViewChangeTimeout bounds how long a VIEW_CHANGING episode may run
	// before the local node escalates to the next view.
	ViewChangeTimeout time.Duration

	// InitialProposeViewChangeTimeout is used the first time a primary is
	// suspected, before any backoff.
	InitialProposeViewChangeTimeout time.Duration

	// TolerateDisconnection bounds how long a node waits after its
	// primary disconnects before raising INSTANCE_CHANGE.
	TolerateDisconnection time.Duration

	// MinTimeoutCatchupsDuringViewChange bounds the minimum time allotted
	// to the forced catch-up a view change triggers, even if ledgers are
	// already locally synced.
	MinTimeoutCatchupsDuringViewChange time.Duration

	// PerformanceCheckFrequency governs how often the Node asks its
	// monitor whether the master instance is degraded.
	PerformanceCheckFrequency time.Duration

	// MaxInstanceChangeTimeouts bounds the ratchet applied by the
	// instance-change throttler (spec.md §4.3 "rate-limited by a
	// ratcheting throttler").
	MaxInstanceChangeTimeouts int
}

// DefaultConfig matches original_source/plenum/config.py's defaults
// closely enough to drive the spec.md §8 worked scenarios (CHK_FREQ=3).
func DefaultConfig(id NodeID, logger Logger) *Config {
	if logger == nil {
		logger = NopLogger()
	}
	return &Config{
		ID:                                 id,
		Logger:                             logger,
		CheckpointFreq:                     3,
		LogSize:                            3 * 3,
		AcceptableDeviation:                15 * time.Second,
		MaxBatchSize:                       100,
		MaxBatchWait:                       50 * time.Millisecond,
		StashedCheckpointsBeforeCatchup:    1,
		ViewChangeTimeout:                  60 * time.Second,
		InitialProposeViewChangeTimeout:    60 * time.Second,
		TolerateDisconnection:              30 * time.Second,
		MinTimeoutCatchupsDuringViewChange: 5 * time.Second,
		PerformanceCheckFrequency:          5 * time.Second,
		MaxInstanceChangeTimeouts:          8,
	}
}
