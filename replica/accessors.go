/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package replica

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// View returns the view this instance currently believes is current.
func (r *Replica) View() plenum.ViewNo { return r.view }

// Primary returns the node this instance currently believes is primary.
func (r *Replica) Primary() plenum.NodeID { return r.primary }

// IsPrimary reports whether this node is the primary of this instance.
func (r *Replica) IsPrimary() bool { return r.isPrimary() }

// LastOrdered returns the highest 3PC-key this instance has ordered.
func (r *Replica) LastOrdered() plenum.ThreePCKey { return r.lastOrdered }

// PrePrepareAt returns the PRE-PREPARE this instance holds for key, if
// any -- used by the Node to answer MESSAGE_REQ point-to-point recovery
// requests (spec.md §6 "MESSAGE_REQ / MESSAGE_REP").
func (r *Replica) PrePrepareAt(key plenum.ThreePCKey) (*wire.PrePrepare, bool) {
	seq, ok := r.sequences[key]
	if !ok || seq.prePrepare == nil {
		return nil, false
	}
	return seq.prePrepare, true
}

// OwnPrepareAt returns this instance's own PREPARE vote for key, if any.
func (r *Replica) OwnPrepareAt(key plenum.ThreePCKey) (*wire.Prepare, bool) {
	seq, ok := r.sequences[key]
	if !ok {
		return nil, false
	}
	p, ok := seq.prepares[r.ID.Node]
	return p, ok
}

// OwnCommitAt returns this instance's own COMMIT vote for key, if any.
func (r *Replica) OwnCommitAt(key plenum.ThreePCKey) (*wire.Commit, bool) {
	seq, ok := r.sequences[key]
	if !ok {
		return nil, false
	}
	c, ok := seq.commits[r.ID.Node]
	return c, ok
}
