package backend

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

// entryKind discriminates the per-field state entries tracked by the
// undo log.
type entryKind uint8

const (
	kindBalance entryKind = iota
	kindNonce
	kindCode
	kindStorage
)

func (k entryKind) String() string {
	switch k {
	case kindBalance:
		return "balance"
	case kindNonce:
		return "nonce"
	case kindCode:
		return "code"
	case kindStorage:
		return "storage"
	default:
		return "invalid"
	}
}

// stateKey identifies a single cached state entry. Slot is only set for
// kindStorage keys.
type stateKey struct {
	Kind entryKind
	Addr common.Address
	Slot common.Hash
}

func (k stateKey) String() string {
	if k.Kind == kindStorage {
		return fmt.Sprintf("%s:%s:%s", k.Kind, k.Addr.Hex(), k.Slot.Hex())
	}
	return fmt.Sprintf("%s:%s", k.Kind, k.Addr.Hex())
}

type undoRecord struct {
	key stateKey
	// restore reinstates the value (and origin) the entry had when the
	// record was written, or deletes the entry if it did not exist.
	restore func()
}

type undoSegment struct {
	id      uint64
	seen    map[stateKey]struct{}
	records []undoRecord
}

// SnapshotManager keeps an undo log of local state mutations, cut into
// numbered segments. Snapshot ids form a strictly increasing sequence and
// each id is revertable exactly once: reverting to id n replays and discards
// every segment with id >= n and invalidates all of them for future reverts.
type SnapshotManager struct {
	mu       sync.Mutex
	nextID   uint64
	segments []*undoSegment // ascending by id

	log log.Logger
}

func NewSnapshotManager(logger log.Logger) *SnapshotManager {
	return &SnapshotManager{log: logger}
}

// Snapshot opens a new undo-log segment and returns its id.
func (s *SnapshotManager) Snapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.segments = append(s.segments, &undoSegment{
		id:   id,
		seen: make(map[stateKey]struct{}),
	})
	s.log.Debug("Opened snapshot", "id", id)
	return id
}

// Record appends an undo record to the currently-open segment. Only the
// first mutation of a key per segment is recorded, so replay restores the
// value as of the snapshot instant. Returns false when nothing was recorded:
// no snapshot is open, or the key was already captured in this segment.
func (s *SnapshotManager) Record(key stateKey, restore func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.segments) == 0 {
		return false
	}
	seg := s.segments[len(s.segments)-1]
	if _, ok := seg.seen[key]; ok {
		return false
	}
	seg.seen[key] = struct{}{}
	seg.records = append(seg.records, undoRecord{key: key, restore: restore})
	return true
}

// Revert discards every segment with id >= the target and returns their undo
// records ordered most-recent segment first, ready to be replayed. The target
// id itself is consumed: a second revert to the same id fails with
// ErrUnknownSnapshot, as does any id that was never issued or was invalidated
// by an earlier revert.
func (s *SnapshotManager) Revert(id uint64) ([]undoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, seg := range s.segments {
		if seg.id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSnapshot, id)
	}
	var out []undoRecord
	for i := len(s.segments) - 1; i >= idx; i-- {
		out = append(out, s.segments[i].records...)
	}
	s.log.Debug("Reverting snapshot", "id", id, "segments", len(s.segments)-idx, "records", len(out))
	s.segments = s.segments[:idx]
	return out, nil
}

// Live returns the ids of not-yet-reverted segments, ascending.
func (s *SnapshotManager) Live() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint64, 0, len(s.segments))
	for _, seg := range s.segments {
		ids = append(ids, seg.id)
	}
	return ids
}
