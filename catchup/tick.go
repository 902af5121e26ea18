/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package catchup

import plenum "github.com/hyperledger-labs/plenum-go"

// Tick declares a ledger Synced with no catch-up needed once a weak
// quorum of peers has replied to our LEDGER_STATUS without claiming to
// be ahead of us (spec.md §4.4: no CONSISTENCY_PROOF means they're at
// or behind our size, so our broadcasted status stands unchallenged).
// It then re-evaluates whether the episode as a whole has completed.
func (m *Manager) Tick() *plenum.Actions {
	actions := &plenum.Actions{}
	if !m.active {
		return actions
	}
	for _, id := range m.order {
		if m.state[id] != NotSynced || !m.eligible(id) {
			continue
		}
		if len(m.heardFrom[id]) >= m.poolr.Quorums().Weak {
			m.state[id] = Synced
		}
	}
	m.advanceEligible(actions)
	if done := m.checkAllSynced(); done != nil {
		actions.CatchupComplete = done
	}
	return actions
}
