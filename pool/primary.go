/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package pool

import plenum "github.com/hyperledger-labs/plenum-go"

// MasterPrimary returns the deterministic master-instance primary for a
// view: the node at rank (viewNo mod N) in the current nodeReg
// (spec.md §4.6).
func (r *Registry) MasterPrimary(view plenum.ViewNo) (plenum.NodeID, bool) {
	n := r.N()
	if n == 0 {
		return "", false
	}
	return r.NodeAtRank(int(uint64(view) % uint64(n)))
}

// BackupPrimaries returns the primary for every backup instance
// 1..requiredInstances-1, in instance order. Each backup instance's
// primary is the next rank after (masterRank+i) mod N that isn't
// already a primary of a lower instance (spec.md §4.6).
func (r *Registry) BackupPrimaries(view plenum.ViewNo) map[plenum.InstanceID]plenum.NodeID {
	n := r.N()
	result := map[plenum.InstanceID]plenum.NodeID{}
	if n == 0 {
		return result
	}
	masterRank := int(uint64(view) % uint64(n))
	assigned := map[plenum.NodeID]struct{}{}
	if master, ok := r.NodeAtRank(masterRank); ok {
		assigned[master] = struct{}{}
	}

	required := r.RequiredInstances()
	for i := 1; i < required; i++ {
		rank := masterRank + i
		for {
			candidate, ok := r.NodeAtRank(rank)
			if !ok {
				break
			}
			if _, taken := assigned[candidate]; !taken {
				result[plenum.InstanceID(i)] = candidate
				assigned[candidate] = struct{}{}
				break
			}
			rank++
		}
	}
	return result
}

// PrimaryFor returns the expected primary of a given instance at a
// given view, used both by the primary itself (to announce) and by
// peers (to validate PRE-PREPARE senders and VIEW_CHANGE_DONE votes).
func (r *Registry) PrimaryFor(view plenum.ViewNo, instance plenum.InstanceID) (plenum.NodeID, bool) {
	if instance == 0 {
		return r.MasterPrimary(view)
	}
	backups := r.BackupPrimaries(view)
	name, ok := backups[instance]
	return name, ok
}
