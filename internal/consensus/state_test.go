package consensus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adeboyed/Parliament/internal/snapshot"
	"github.com/adeboyed/Parliament/internal/storage/wal"
	"github.com/adeboyed/Parliament/pkg/types"
)

func TestParseAddresses(t *testing.T) {
	self, err := ParseSelf("10.0.0.1:3060:3061:3062")
	require.NoError(t, err)
	assert.Equal(t, Self{IP: "10.0.0.1", ConPort: 3060, WorkerPort: 3061, UserPort: 3062}, self)

	leader, err := ParseLeader("10.0.0.2:3060")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:3060", leader.Addr())
	assert.Equal(t, LeaderID, leader.ID)

	m, err := ParseMaster("host:1240:1241", 7)
	require.NoError(t, err)
	assert.Equal(t, types.MasterMachine{ID: 7, IP: "host", WorkerPort: 1240, UserPort: 1241}, m)

	for _, bad := range []string{"", "a:1:2", "a:b:2:3", "a:1:2:99999"} {
		_, err := ParseSelf(bad)
		assert.Error(t, err, bad)
	}
	_, err = ParseLeader("nohost")
	assert.Error(t, err)
	_, err = ParseMaster("h:1", 2)
	assert.Error(t, err)
}

func TestLeaderStateNumbering(t *testing.T) {
	s, err := NewLeaderState(Self{IP: "l", ConPort: 1}, []string{"a:1:2", "b:3:4"})
	require.NoError(t, err)

	assert.True(t, s.IsLeader())
	assert.Equal(t, LeaderID, s.ID())
	masters := s.Masters()
	require.Len(t, masters, 2)
	assert.Equal(t, 2, masters[0].ID)
	assert.Equal(t, 3, masters[1].ID)
	assert.Equal(t, []types.ConsensusMachine{{ID: 1, IP: "l", Port: 1}}, s.Consensuses())

	assert.Equal(t, uint32(1), s.NextConflictingID())
	assert.Equal(t, uint32(2), s.NextConflictingID())

	id, cons, _ := s.RegisterFollower("f", 9)
	assert.Equal(t, 2, id)
	assert.Len(t, cons, 2)
	id, _, _ = s.RegisterFollower("g", 9)
	assert.Equal(t, 3, id)
}

func TestUniqueIDsNeverRepeat(t *testing.T) {
	s, err := NewLeaderState(Self{}, []string{"a:1:2"})
	require.NoError(t, err)

	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id := s.NextUniqueID()
		assert.Len(t, id, 5)
		assert.False(t, seen[id], id)
		seen[id] = true
	}
}

func TestSnapshotRestoreOnlyMovesForward(t *testing.T) {
	s, err := NewLeaderState(Self{}, []string{"a:1:2"})
	require.NoError(t, err)
	s.NextConflictingID()
	s.NextUniqueID()

	snap := s.Snapshot()
	assert.Equal(t, uint32(2), snap.ConflictingCounter)
	assert.Len(t, snap.UniqueIDs, 1)

	fresh, err := NewLeaderState(Self{}, []string{"a:1:2"})
	require.NoError(t, err)
	fresh.Restore(snapshot.LeaderState{ConflictingCounter: 40, ConsensusCounter: 6, UniqueIDs: []string{"abcde"}})
	assert.Equal(t, uint32(40), fresh.NextConflictingID())
	id, _, _ := fresh.RegisterFollower("f", 1)
	assert.Equal(t, 6, id)

	fresh.Restore(snapshot.LeaderState{ConflictingCounter: 3})
	assert.Equal(t, uint32(41), fresh.NextConflictingID())
}

func TestApplyJournaledIssuance(t *testing.T) {
	s, err := NewLeaderState(Self{}, []string{"a:1:2"})
	require.NoError(t, err)

	require.NoError(t, s.Apply(wal.Event{Type: wal.EventConflicting, Value: "9"}))
	require.NoError(t, s.Apply(wal.Event{Type: wal.EventConflicting, Value: "4"}))
	require.NoError(t, s.Apply(wal.Event{Type: wal.EventConsensus, Value: "5"}))
	require.NoError(t, s.Apply(wal.Event{Type: wal.EventUnique, Value: "zzzzz"}))

	assert.Equal(t, uint32(10), s.NextConflictingID())
	id, _, _ := s.RegisterFollower("f", 1)
	assert.Equal(t, 6, id)
	assert.Contains(t, s.Snapshot().UniqueIDs, "zzzzz")

	assert.Error(t, s.Apply(wal.Event{Type: wal.EventConflicting, Value: "x"}))
	assert.Error(t, s.Apply(wal.Event{Type: "BOGUS"}))
}

func TestReconcile(t *testing.T) {
	s := NewFollowerState(Self{}, types.ConsensusMachine{ID: 1})
	s.Join(3,
		[]types.ConsensusMachine{{ID: 1}, {ID: 2}, {ID: 3}},
		[]types.MasterMachine{{ID: 2, Active: true}, {ID: 3}, {ID: 4}},
	)

	cons, masters := s.Reconcile(2,
		// 2 is gone; 5 is unknown here and another follower cannot vouch for it
		[]types.ConsensusMachine{{ID: 1}, {ID: 3}, {ID: 5}},
		// 2 was dropped by the peer and 3 promoted; 6 is unknown here
		[]types.MasterMachine{{ID: 3, Active: true}, {ID: 4}, {ID: 6, Active: true}},
	)

	assert.Equal(t, []types.ConsensusMachine{{ID: 1}, {ID: 3}}, cons)
	assert.Equal(t, []types.MasterMachine{{ID: 3, Active: true}, {ID: 4}}, masters)
	assert.Equal(t, cons, s.Consensuses())
	assert.Equal(t, masters, s.Masters())
}

func TestReconcileLearnsReplicasFromLeader(t *testing.T) {
	s := NewFollowerState(Self{}, types.ConsensusMachine{ID: 1})
	s.Join(3,
		[]types.ConsensusMachine{{ID: 1}, {ID: 2}, {ID: 3}},
		[]types.MasterMachine{{ID: 2, Active: true}, {ID: 3}, {ID: 4}},
	)

	cons, masters := s.Reconcile(LeaderID,
		[]types.ConsensusMachine{{ID: 1}, {ID: 3}, {ID: 5}},
		[]types.MasterMachine{{ID: 3, Active: true}, {ID: 4}, {ID: 6}},
	)

	assert.Equal(t, []types.ConsensusMachine{{ID: 1}, {ID: 3}, {ID: 5}}, cons)
	assert.Equal(t, []types.MasterMachine{{ID: 3, Active: true}, {ID: 4}}, masters, "masters are never learned")
}

func TestReconcileDoesNotRestoreDroppedMaster(t *testing.T) {
	s, err := NewLeaderState(Self{}, []string{"a:1:2", "b:1:2", "c:1:2"})
	require.NoError(t, err)
	m, ok := s.PopMaster()
	require.True(t, ok)
	m.Active = true
	s.PushMaster(m)

	dropped, promoted := s.DropMasters(func(m types.MasterMachine) bool { return m.ID != 4 })
	require.Len(t, dropped, 1)
	require.NotNil(t, promoted)
	assert.Equal(t, 2, promoted.ID)

	// A follower that has not seen the drop yet still reports 4 as active.
	_, masters := s.Reconcile(3,
		[]types.ConsensusMachine{{ID: 1}, {ID: 3}},
		[]types.MasterMachine{{ID: 2}, {ID: 3}, {ID: 4, Active: true}},
	)

	var ids, active []int
	for _, m := range masters {
		ids = append(ids, m.ID)
		if m.Active {
			active = append(active, m.ID)
		}
	}
	assert.Equal(t, []int{2, 3}, ids)
	assert.Equal(t, []int{2}, active)
}

func TestDropMastersPromotesFirstSurvivor(t *testing.T) {
	s, err := NewLeaderState(Self{}, []string{"a:1:2", "b:1:2", "c:1:2"})
	require.NoError(t, err)
	m, ok := s.PopMaster()
	require.True(t, ok)
	m.Active = true
	s.PushMaster(m)

	dropped, promoted := s.DropMasters(func(m types.MasterMachine) bool { return m.ID != 4 })
	require.Len(t, dropped, 1)
	assert.Equal(t, 4, dropped[0].ID)
	require.NotNil(t, promoted)
	assert.Equal(t, 2, promoted.ID)

	masters := s.Masters()
	require.Len(t, masters, 2)
	assert.True(t, masters[0].Active)
	assert.False(t, masters[1].Active)

	dropped, promoted = s.DropMasters(func(m types.MasterMachine) bool { return m.ID == 2 })
	assert.Len(t, dropped, 1)
	assert.Nil(t, promoted, "the active master survived")
}
