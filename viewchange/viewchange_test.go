/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package viewchange_test

import (
	"testing"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/hyperledger-labs/plenum-go/viewchange"
	"github.com/hyperledger-labs/plenum-go/wire"
	"github.com/stretchr/testify/require"
)

func fourNodeChanger(t *testing.T, id plenum.NodeID) *viewchange.ViewChanger {
	t.Helper()
	poolr := pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
	return viewchange.New(viewchange.Config{
		NodeID: id,
		Plenum: plenum.DefaultConfig(id, nil),
		Pool:   poolr,
		Clock:  func() int64 { return 0 },
	})
}

func TestProposeViewChangeVotesLocally(t *testing.T) {
	vc := fourNodeChanger(t, "N1")
	actions := vc.ProposeViewChange(plenum.SuspPrimaryDisconnected)
	require.NotEmpty(t, actions.Broadcast)
	require.Equal(t, plenum.ViewNo(0), vc.View(), "a single vote is below quorum")
}

func TestInstanceChangeQuorumEntersViewChanging(t *testing.T) {
	vc := fourNodeChanger(t, "N1")
	ic := &wire.InstanceChange{ProposedView: 1, SuspicionCode: plenum.SuspPrimaryDisconnected}

	actions := vc.Process("N1", ic)
	require.False(t, vc.InProgress())

	actions = vc.Process("N2", ic)
	require.False(t, vc.InProgress())

	actions = vc.Process("N3", ic)
	require.True(t, vc.InProgress(), "2f+1=3 votes should enter VIEW_CHANGING")
	require.NotNil(t, actions.ViewChangeStarting)
	require.Equal(t, []plenum.LedgerID{plenum.PoolLedger, plenum.ConfigLedger, plenum.DomainLedger}, actions.CatchupNeeded)
}

func TestDuplicateInstanceChangeFromSameSenderDoesNotDoubleCount(t *testing.T) {
	vc := fourNodeChanger(t, "N1")
	ic := &wire.InstanceChange{ProposedView: 1, SuspicionCode: plenum.SuspPrimaryDisconnected}

	vc.Process("N1", ic)
	vc.Process("N1", ic)
	vc.Process("N2", ic)
	require.False(t, vc.InProgress(), "only two distinct voters so far, quorum is 3")
}

func TestViewChangeDoneQuorumDeclaresNewPrimary(t *testing.T) {
	vc := fourNodeChanger(t, "N1")
	ic := &wire.InstanceChange{ProposedView: 1, SuspicionCode: plenum.SuspPrimaryDisconnected}
	vc.Process("N1", ic)
	vc.Process("N2", ic)
	vc.Process("N3", ic)
	require.True(t, vc.InProgress())

	summary := []wire.LedgerSummary{
		{LedgerID: plenum.PoolLedger, Size: 1, MerkleRoot: []byte("p")},
		{LedgerID: plenum.ConfigLedger, Size: 1, MerkleRoot: []byte("c")},
		{LedgerID: plenum.DomainLedger, Size: 1, MerkleRoot: []byte("d")},
	}
	vc.OnCatchupComplete(summary)

	vcd := &wire.ViewChangeDone{ViewNo: 1, NewPrimary: "N2", LedgerSummary: summary}
	vc.Process("N1", vcd)
	vc.Process("N2", vcd)
	actions := vc.Process("N3", vcd)

	require.False(t, vc.InProgress())
	require.NotNil(t, actions.ViewChangeDone)
	require.Equal(t, plenum.ViewNo(1), actions.ViewChangeDone.View)
	require.Equal(t, plenum.NodeID("N2"), actions.ViewChangeDone.Primaries[0])
}
