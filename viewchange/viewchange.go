/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package viewchange implements the View Changer of spec.md §4.3:
// instance-change voting, view transitions, new-primary selection, and
// integration with catch-up before a new view is finalized. Grounded on
// original_source/plenum/server/view_change/view_changer.py
// (startViewChange, _send_instance_change, processInstanceChange,
// processViewChangeDone / processFutureViewChangeDone) combined with
// the teacher-lineage epochChanger/epochTarget bookkeeping shape. Like
// replica, Process()/Tick() never block (spec.md §5); every wait is
// either a vote tally or a scheduled timeout check driven by Tick.
package viewchange

import (
	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/wire"
)

// State is the view changer's own lifecycle, distinct from the Node's
// (spec.md §4.3 "NORMAL → VIEW_CHANGING → NORMAL").
type State int

const (
	StateNormal State = iota
	StateViewChanging
)

func (s State) String() string {
	if s == StateViewChanging {
		return "view-changing"
	}
	return "normal"
}

// Clock returns unix nanos; abstracted so tests can inject a fake clock,
// matching replica.Clock.
type Clock func() int64

// Config bundles the construction-time dependencies of a ViewChanger.
type Config struct {
	NodeID plenum.NodeID
	Plenum *plenum.Config
	Pool   *pool.Registry
	Clock  Clock
}

// ViewChanger drives view-change voting for one node across all of its
// protocol instances (view changes are pool-wide, not per-instance).
type ViewChanger struct {
	nodeID plenum.NodeID
	cfg    *plenum.Config
	logger plenum.Logger
	poolr  *pool.Registry
	clock  Clock

	state State
	view  plenum.ViewNo // last view this node has fully accepted

	// masterPrimaryKnown gates the relaxed propagate-primary quorum path
	// strictly to `viewNo == 0 && masterPrimaryName == ""`, per the §9
	// open-question resolution recorded in DESIGN.md.
	masterPrimaryKnown bool

	instChange *instanceChangeTracker
	vcd        *viewChangeDoneTracker
	throttle   *throttler

	proposedView        plenum.ViewNo // view being voted/transitioned to, while state == StateViewChanging
	viewChangeStartedAt int64         // clock() value when state became VIEW_CHANGING
	pendingCatchup      bool          // true once we've asked for a forced catch-up and are waiting
}

// New constructs a ViewChanger at view 0, NORMAL, with no known primary.
func New(c Config) *ViewChanger {
	clock := c.Clock
	if clock == nil {
		clock = func() int64 { return 0 }
	}
	return &ViewChanger{
		nodeID:     c.NodeID,
		cfg:        c.Plenum,
		logger:     c.Plenum.Logger,
		poolr:      c.Pool,
		clock:      clock,
		instChange: newInstanceChangeTracker(),
		vcd:        newViewChangeDoneTracker(),
		throttle:   newThrottler(c.Plenum.InitialProposeViewChangeTimeout, c.Plenum.MaxInstanceChangeTimeouts),
	}
}

// View returns the last view this node has fully accepted.
func (vc *ViewChanger) View() plenum.ViewNo { return vc.view }

// InProgress reports whether a view change is currently underway.
func (vc *ViewChanger) InProgress() bool { return vc.state == StateViewChanging }

func (vc *ViewChanger) broadcast(a *plenum.Actions, payload plenum.MessagePayload) {
	a.Broadcast = append(a.Broadcast, plenum.Envelope{Payload: payload})
}

func (vc *ViewChanger) unicast(a *plenum.Actions, to plenum.NodeID, payload plenum.MessagePayload) {
	a.Unicast = append(a.Unicast, plenum.Unicast{Target: to, Msg: plenum.Envelope{Payload: payload}})
}

// Process dispatches one inbound message to the appropriate handler
// (spec.md §4.3 "process").
func (vc *ViewChanger) Process(sender plenum.NodeID, msg plenum.MessagePayload) *plenum.Actions {
	switch m := msg.(type) {
	case *wire.InstanceChange:
		return vc.processInstanceChange(sender, m)
	case *wire.ViewChangeDone:
		return vc.processViewChangeDone(sender, m)
	case *wire.FutureViewChangeDone:
		return vc.processFutureViewChangeDone(sender, m)
	default:
		return &plenum.Actions{}
	}
}

// Tick escalates to the next view if the current VIEW_CHANGING episode
// has run longer than ViewChangeTimeout (spec.md §4.3 "Throttling and
// safety").
func (vc *ViewChanger) Tick() *plenum.Actions {
	actions := &plenum.Actions{}
	if vc.state != StateViewChanging {
		return actions
	}
	if vc.clock()-vc.viewChangeStartedAt < vc.cfg.ViewChangeTimeout.Nanoseconds() {
		return actions
	}
	vc.throttle.recordEscalation()
	target := vc.nextProposedView()
	actions.Append(vc.voteInstanceChange(target, plenum.SuspViewChangeTimeout))
	return actions
}

// OnMasterPrimaryObserved records that this node now knows a master
// primary, closing the propagate-primary relaxed-quorum window for
// view 0 (DESIGN.md Open Question #2).
func (vc *ViewChanger) OnMasterPrimaryObserved() {
	vc.masterPrimaryKnown = true
}

func (vc *ViewChanger) nextProposedView() plenum.ViewNo {
	if vc.instChange.highestProposed > vc.view {
		return vc.instChange.highestProposed + 1
	}
	return vc.view + 1
}
