/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package catchup_test

import (
	"testing"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/catchup"
	"github.com/hyperledger-labs/plenum-go/ledger"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/wire"
	"github.com/stretchr/testify/require"
)

type emptyLedger struct{}

func (emptyLedger) Append(*ledger.Txn) error                 { return nil }
func (emptyLedger) Discard(int) error                        { return nil }
func (emptyLedger) GetBySeqNo(uint64) (*ledger.Txn, bool)     { return nil, false }
func (emptyLedger) Size() uint64                             { return 0 }
func (emptyLedger) MerkleRoot() []byte                        { return nil }
func (emptyLedger) ConsistencyProof(uint64) [][]byte          { return nil }

func newManager(t *testing.T) *catchup.Manager {
	t.Helper()
	poolr := pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
	ledgers := map[plenum.LedgerID]ledger.Ledger{plenum.DomainLedger: emptyLedger{}}
	return catchup.New(catchup.Config{
		Plenum:   plenum.DefaultConfig("N1", nil),
		Pool:     poolr,
		Ledgers:  ledgers,
		Handlers: ledger.NewRegistry(),
	})
}

func TestStartBroadcastsLedgerStatusForFirstEligibleLedger(t *testing.T) {
	m := newManager(t)
	actions := m.Start([]plenum.LedgerID{plenum.DomainLedger})
	require.Len(t, actions.Broadcast, 1)
	status, ok := actions.Broadcast[0].Payload.(*wire.LedgerStatus)
	require.True(t, ok)
	require.Equal(t, plenum.DomainLedger, status.LedgerID)
}

func TestPeersAtEqualSizeSyncOnTick(t *testing.T) {
	m := newManager(t)
	m.Start([]plenum.LedgerID{plenum.DomainLedger})

	status := &wire.LedgerStatus{LedgerID: plenum.DomainLedger, Size: 0}
	m.Process("N2", status)
	m.Process("N3", status)

	actions := m.Tick()
	require.True(t, m.AllSynced())
	require.NotNil(t, actions.CatchupComplete)
}

func TestNotAllSyncedUntilWeakQuorumHeardFrom(t *testing.T) {
	m := newManager(t)
	m.Start([]plenum.LedgerID{plenum.DomainLedger})

	m.Process("N2", &wire.LedgerStatus{LedgerID: plenum.DomainLedger, Size: 0})
	actions := m.Tick()

	require.False(t, m.AllSynced())
	require.Nil(t, actions.CatchupComplete)
}

func TestPeerAheadOnlyRecordsStatusVote(t *testing.T) {
	m := newManager(t)
	m.Start([]plenum.LedgerID{plenum.DomainLedger})

	actions := m.Process("N2", &wire.LedgerStatus{LedgerID: plenum.DomainLedger, Size: 5, MerkleRoot: []byte("root5")})
	require.Empty(t, actions.Unicast, "processLedgerStatus only unicasts a proof when WE are ahead of the sender")
	require.False(t, m.AllSynced())
}
