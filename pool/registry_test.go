/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

package pool_test

import (
	"testing"

	plenum "github.com/hyperledger-labs/plenum-go"
	"github.com/hyperledger-labs/plenum-go/pool"
	"github.com/stretchr/testify/require"
)

func fourNodes() *pool.Registry {
	return pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
}

func TestQuorumMonotonicity(t *testing.T) {
	r := fourNodes()
	q := r.Quorums()
	require.Equal(t, 4, q.N)
	require.Equal(t, 1, q.F)
	require.Equal(t, 3, q.Strong)
	require.Equal(t, 2, q.Weak)
	require.Equal(t, 2, q.Prepare)
	require.Equal(t, 2, r.RequiredInstances())
}

func TestMasterPrimaryView0(t *testing.T) {
	r := fourNodes()
	primary, ok := r.MasterPrimary(0)
	require.True(t, ok)
	require.Equal(t, plenum.NodeID("N1"), primary)
}

func TestMasterPrimaryRotatesWithView(t *testing.T) {
	r := fourNodes()
	primary, ok := r.MasterPrimary(1)
	require.True(t, ok)
	require.Equal(t, plenum.NodeID("N2"), primary)
}

func TestBackupPrimariesSkipAlreadyAssigned(t *testing.T) {
	r := fourNodes()
	backups := r.BackupPrimaries(0)
	require.Len(t, backups, 1)
	require.Equal(t, plenum.NodeID("N2"), backups[1])
}

func TestOnPoolTxnCommittedAddRecomputesQuorums(t *testing.T) {
	r := pool.NewRegistry([]plenum.NodeID{"N1", "N2", "N3", "N4"})
	r.OnPoolTxnCommitted(pool.PoolTxn{Kind: pool.TxnAdd, Name: "N5", Endpoint: "N5:9700"})
	r.OnPoolTxnCommitted(pool.PoolTxn{Kind: pool.TxnAdd, Name: "N6", Endpoint: "N6:9700"})
	r.OnPoolTxnCommitted(pool.PoolTxn{Kind: pool.TxnAdd, Name: "N7", Endpoint: "N7:9700"})
	q := r.Quorums()
	require.Equal(t, 7, q.N)
	require.Equal(t, 2, q.F)
	require.Equal(t, 5, q.Strong)
}

func TestDemoteKeepsNodeInRegistryButDropsVotingWeight(t *testing.T) {
	r := fourNodes()
	r.OnPoolTxnCommitted(pool.PoolTxn{Kind: pool.TxnDemote, Name: "N4"})
	require.True(t, r.Contains("N4"))
	require.Equal(t, 3, r.N())
	require.Equal(t, -1, r.RankOf("N4"))
}

func TestRankOfIsLexicographic(t *testing.T) {
	r := fourNodes()
	require.Equal(t, 0, r.RankOf("N1"))
	require.Equal(t, 3, r.RankOf("N4"))
}
