/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package node

import (
	"time"

	plenum "github.com/hyperledger-labs/plenum-go"
)

// Monitor watches the master instance's throughput against the backup
// instances' and flags degradation (spec.md §4.6 "Master performance
// monitor"). Backups order the same requests the master does but never
// commit them to the application ledgers, so a healthy master should
// keep pace with (or outrun) the average backup.
type Monitor interface {
	OnMasterOrdered(batchSize int, latency time.Duration)
	OnBackupOrdered(instance plenum.InstanceID, batchSize int, latency time.Duration)
	IsMasterDegraded() bool
	Reset()
}

// ThroughputMonitor is grounded on spec.md §4.6's throughput-ratio
// check: accumulate ordered-request counts for the master and for the
// average backup over a window, and flag degradation when the master's
// share falls below degradedRatio of the backup average.
type ThroughputMonitor struct {
	window        time.Duration
	degradedRatio float64

	masterOrdered int
	backupOrdered int
	backupInsts   map[plenum.InstanceID]struct{}
}

// NewThroughputMonitor constructs a monitor with the default
// degradation ratio of 0.5 (spec.md §4.6 "master throughput falling
// below half the backup average is considered degraded").
func NewThroughputMonitor(window time.Duration) *ThroughputMonitor {
	return &ThroughputMonitor{
		window:        window,
		degradedRatio: 0.5,
		backupInsts:   map[plenum.InstanceID]struct{}{},
	}
}

func (m *ThroughputMonitor) OnMasterOrdered(batchSize int, _ time.Duration) {
	m.masterOrdered += batchSize
}

func (m *ThroughputMonitor) OnBackupOrdered(instance plenum.InstanceID, batchSize int, _ time.Duration) {
	m.backupOrdered += batchSize
	m.backupInsts[instance] = struct{}{}
}

// IsMasterDegraded compares the master's ordered count this window
// against the average backup's. With no backups (requiredInstances==1)
// degradation can never be observed this way.
func (m *ThroughputMonitor) IsMasterDegraded() bool {
	if len(m.backupInsts) == 0 {
		return false
	}
	avgBackup := float64(m.backupOrdered) / float64(len(m.backupInsts))
	if avgBackup == 0 {
		return false
	}
	return float64(m.masterOrdered)/avgBackup < m.degradedRatio
}

// Reset clears the accumulated counts at the start of a new window.
func (m *ThroughputMonitor) Reset() {
	m.masterOrdered = 0
	m.backupOrdered = 0
	m.backupInsts = map[plenum.InstanceID]struct{}{}
}
