package backend

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
)

func balKey(addr byte) stateKey {
	return stateKey{Kind: kindBalance, Addr: common.Address{addr}}
}

func TestSnapshotManager_IncreasingIDs(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))

	id0 := s.Snapshot()
	id1 := s.Snapshot()
	id2 := s.Snapshot()
	require.Less(t, id0, id1)
	require.Less(t, id1, id2)
	require.Equal(t, []uint64{id0, id1, id2}, s.Live())

	// Ids keep increasing even after a revert consumed earlier ones.
	_, err := s.Revert(id1)
	require.NoError(t, err)
	id3 := s.Snapshot()
	require.Greater(t, id3, id2)
	require.Equal(t, []uint64{id0, id3}, s.Live())
}

func TestSnapshotManager_SingleUse(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))

	id := s.Snapshot()
	_, err := s.Revert(id)
	require.NoError(t, err)
	_, err = s.Revert(id)
	require.ErrorIs(t, err, ErrUnknownSnapshot)
}

func TestSnapshotManager_RevertInvalidatesNewer(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))

	id0 := s.Snapshot()
	id1 := s.Snapshot()
	_, err := s.Revert(id0)
	require.NoError(t, err)

	// id1 was discarded along with id0.
	_, err = s.Revert(id1)
	require.ErrorIs(t, err, ErrUnknownSnapshot)
	require.Empty(t, s.Live())
}

func TestSnapshotManager_UnknownID(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))
	_, err := s.Revert(99)
	require.ErrorIs(t, err, ErrUnknownSnapshot)
}

func TestSnapshotManager_RecordNeedsOpenSegment(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))

	// Writes without a snapshot are permanent: nothing to undo them with.
	require.False(t, s.Record(balKey(1), func() {}))

	s.Snapshot()
	require.True(t, s.Record(balKey(1), func() {}))
}

func TestSnapshotManager_RecordDedupPerSegment(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))

	id := s.Snapshot()
	require.True(t, s.Record(balKey(1), func() {}))
	// A second write to the same key keeps the first undo record, which
	// holds the value as of the snapshot instant.
	require.False(t, s.Record(balKey(1), func() {}))
	require.True(t, s.Record(balKey(2), func() {}))

	recs, err := s.Revert(id)
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestSnapshotManager_RevertOrder(t *testing.T) {
	s := NewSnapshotManager(testlog.Logger(t, log.LevelError))

	var order []int
	id0 := s.Snapshot()
	require.True(t, s.Record(balKey(1), func() { order = append(order, 0) }))
	s.Snapshot()
	require.True(t, s.Record(balKey(1), func() { order = append(order, 1) }))
	s.Snapshot()
	require.True(t, s.Record(balKey(1), func() { order = append(order, 2) }))

	recs, err := s.Revert(id0)
	require.NoError(t, err)
	for _, r := range recs {
		r.restore()
	}
	// Newest segments are undone first, so the oldest value wins.
	require.Equal(t, []int{2, 1, 0}, order)
}
