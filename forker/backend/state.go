package backend

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"

	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
	"github.com/voltaire-labs/forkd/metrics"
)

// storageKey addresses a single storage slot of an account.
type storageKey struct {
	Addr common.Address
	Slot common.Hash
}

func (k storageKey) String() string {
	return k.Addr.Hex() + ":" + k.Slot.Hex()
}

// cacheEntry is a cached state value plus its provenance tag.
type cacheEntry[T any] struct {
	Val    T
	Origin fktypes.Origin
}

// ForkedStateStore serves account state pinned at the fork block. Reads are
// resolved through fetch coordinators, always against the fork block on a
// miss. Local writes overwrite the entry, tag it Local, pin it, and record
// an undo entry in the open snapshot segment.
type ForkedStateStore struct {
	log     log.Logger
	m       metrics.Metricer
	forkID  fktypes.ForkID
	remote  RemoteSource
	timeout time.Duration

	// forkBlock is the pinned historical block; every remote state fetch
	// is made at this block, never at "latest".
	forkBlock hexutil.Uint64

	balances *FetchCoordinator[common.Address, cacheEntry[*big.Int]]
	nonces   *FetchCoordinator[common.Address, cacheEntry[uint64]]
	codes    *FetchCoordinator[common.Address, cacheEntry[[]byte]]
	storage  *FetchCoordinator[storageKey, cacheEntry[common.Hash]]

	snaps *SnapshotManager

	// writeMu serializes local mutations and reverts, so the peek-record-put
	// sequence for a key is atomic with respect to other writers.
	writeMu sync.Mutex
}

func NewForkedStateStore(logger log.Logger, m metrics.Metricer, forkID fktypes.ForkID,
	remote RemoteSource, forkBlock uint64, timeout time.Duration, maxCacheSize int,
	snaps *SnapshotManager) *ForkedStateStore {
	s := &ForkedStateStore{
		log:       logger,
		m:         m,
		forkID:    forkID,
		remote:    remote,
		timeout:   timeout,
		forkBlock: hexutil.Uint64(forkBlock),
		snaps:     snaps,
	}
	s.balances = NewFetchCoordinator[common.Address, cacheEntry[*big.Int]](s.addrOpts("balance", maxCacheSize))
	s.nonces = NewFetchCoordinator[common.Address, cacheEntry[uint64]](s.addrOpts("nonce", maxCacheSize))
	s.codes = NewFetchCoordinator[common.Address, cacheEntry[[]byte]](s.addrOpts("code", maxCacheSize))
	s.storage = NewFetchCoordinator[storageKey, cacheEntry[common.Hash]](CoordinatorOpts[storageKey]{
		MaxSize:   maxCacheSize,
		KeyString: storageKey.String,
		OnEvict:   func(storageKey) { m.RecordCacheEviction(forkID.String(), "storage") },
		OnGet:     func(hit bool) { m.RecordCacheGet(forkID.String(), "storage", hit) },
	})
	return s
}

func (s *ForkedStateStore) addrOpts(store string, maxCacheSize int) CoordinatorOpts[common.Address] {
	return CoordinatorOpts[common.Address]{
		MaxSize:   maxCacheSize,
		KeyString: common.Address.Hex,
		OnEvict:   func(common.Address) { s.m.RecordCacheEviction(s.forkID.String(), store) },
		OnGet:     func(hit bool) { s.m.RecordCacheGet(s.forkID.String(), store, hit) },
	}
}

func (s *ForkedStateStore) fetchQuantity(method string, args ...any) FetchFn[cacheEntry[*big.Int]] {
	return func(ctx context.Context) (cacheEntry[*big.Int], error) {
		var out hexutil.Big
		done := s.m.RecordRemoteCall(s.forkID.String(), method)
		err := remoteCall(ctx, s.remote, s.timeout, &out, method, args...)
		done(err)
		if err != nil {
			return cacheEntry[*big.Int]{}, err
		}
		return cacheEntry[*big.Int]{Val: (*big.Int)(&out), Origin: fktypes.OriginRemote}, nil
	}
}

// GetBalance returns the account balance at the forked view.
func (s *ForkedStateStore) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	e, err := s.balances.Get(ctx, addr, s.fetchQuantity("eth_getBalance", addr, s.forkBlock))
	if err != nil {
		return nil, err
	}
	return e.Val, nil
}

// GetNonce returns the account nonce at the forked view.
func (s *ForkedStateStore) GetNonce(ctx context.Context, addr common.Address) (uint64, error) {
	e, err := s.nonces.Get(ctx, addr, func(ctx context.Context) (cacheEntry[uint64], error) {
		var out hexutil.Uint64
		done := s.m.RecordRemoteCall(s.forkID.String(), "eth_getTransactionCount")
		err := remoteCall(ctx, s.remote, s.timeout, &out, "eth_getTransactionCount", addr, s.forkBlock)
		done(err)
		if err != nil {
			return cacheEntry[uint64]{}, err
		}
		return cacheEntry[uint64]{Val: uint64(out), Origin: fktypes.OriginRemote}, nil
	})
	if err != nil {
		return 0, err
	}
	return e.Val, nil
}

// GetCode returns the account code at the forked view. An empty result is a
// legitimate value and is cached like any other.
func (s *ForkedStateStore) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	e, err := s.codes.Get(ctx, addr, func(ctx context.Context) (cacheEntry[[]byte], error) {
		var out hexutil.Bytes
		done := s.m.RecordRemoteCall(s.forkID.String(), "eth_getCode")
		err := remoteCall(ctx, s.remote, s.timeout, &out, "eth_getCode", addr, s.forkBlock)
		done(err)
		if err != nil {
			return cacheEntry[[]byte]{}, err
		}
		return cacheEntry[[]byte]{Val: out, Origin: fktypes.OriginRemote}, nil
	})
	if err != nil {
		return nil, err
	}
	return e.Val, nil
}

// GetStorageAt returns the 256-bit value of a storage slot at the forked view.
func (s *ForkedStateStore) GetStorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	key := storageKey{Addr: addr, Slot: slot}
	e, err := s.storage.Get(ctx, key, func(ctx context.Context) (cacheEntry[common.Hash], error) {
		var out common.Hash
		done := s.m.RecordRemoteCall(s.forkID.String(), "eth_getStorageAt")
		err := remoteCall(ctx, s.remote, s.timeout, &out, "eth_getStorageAt", addr, slot, s.forkBlock)
		done(err)
		if err != nil {
			return cacheEntry[common.Hash]{}, err
		}
		return cacheEntry[common.Hash]{Val: out, Origin: fktypes.OriginRemote}, nil
	})
	if err != nil {
		return common.Hash{}, err
	}
	return e.Val, nil
}

// restoreEntry reinstates a prior cache state: the prior value with its
// origin and pin status, or removal if the entry did not exist.
func restoreEntry[K comparable, T any](c *FetchCoordinator[K, cacheEntry[T]], key K, prior cacheEntry[T], had bool) {
	if !had {
		c.Invalidate(key)
		return
	}
	if prior.Origin == fktypes.OriginLocal {
		c.PutPinned(key, prior)
		return
	}
	c.Put(key, prior)
	c.SetPinned(key, false)
}

// setEntry overwrites an entry with a Local-origin value, pins it, and
// records the prior state in the open snapshot segment (first mutation of a
// key per segment wins).
func setEntry[K comparable, T any](s *ForkedStateStore, c *FetchCoordinator[K, cacheEntry[T]], key K, sk stateKey, v T) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	prior, had := c.Peek(key)
	s.snaps.Record(sk, func() {
		restoreEntry(c, key, prior, had)
	})
	c.PutPinned(key, cacheEntry[T]{Val: v, Origin: fktypes.OriginLocal})
}

// SetBalance overrides the account balance locally.
func (s *ForkedStateStore) SetBalance(addr common.Address, v *big.Int) {
	setEntry(s, s.balances, addr, stateKey{Kind: kindBalance, Addr: addr}, new(big.Int).Set(v))
	s.log.Debug("Set balance override", "addr", addr, "balance", v)
}

// SetNonce overrides the account nonce locally.
func (s *ForkedStateStore) SetNonce(addr common.Address, nonce uint64) {
	setEntry(s, s.nonces, addr, stateKey{Kind: kindNonce, Addr: addr}, nonce)
	s.log.Debug("Set nonce override", "addr", addr, "nonce", nonce)
}

// SetCode overrides the account code locally.
func (s *ForkedStateStore) SetCode(addr common.Address, code []byte) {
	setEntry(s, s.codes, addr, stateKey{Kind: kindCode, Addr: addr}, append([]byte(nil), code...))
	s.log.Debug("Set code override", "addr", addr, "size", len(code))
}

// SetStorageAt overrides a storage slot locally.
func (s *ForkedStateStore) SetStorageAt(addr common.Address, slot common.Hash, value common.Hash) {
	key := storageKey{Addr: addr, Slot: slot}
	setEntry(s, s.storage, key, stateKey{Kind: kindStorage, Addr: addr, Slot: slot}, value)
	s.log.Debug("Set storage override", "addr", addr, "slot", slot, "value", value)
}

// RevertTo replays the undo log back to the given snapshot id, restoring
// every mutated entry to its value as of the snapshot instant.
func (s *ForkedStateStore) RevertTo(id uint64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	recs, err := s.snaps.Revert(id)
	if err != nil {
		return err
	}
	for _, r := range recs {
		r.restore()
	}
	s.log.Info("Reverted state snapshot", "id", id, "restored", len(recs))
	return nil
}

// StorageProofEntry is one slot's entry in a synthesized proof response.
type StorageProofEntry struct {
	Key   common.Hash     `json:"key"`
	Value *hexutil.Big    `json:"value"`
	Proof []hexutil.Bytes `json:"proof"`
}

// AccountProof is the response shape of eth_getProof.
//
// Proofs synthesized here are a best-effort reconstruction from cached and
// fetched account data: the proof node lists are empty and the storage hash
// is the empty trie root, because the underlying state trie is not available
// on a forked view. They are NOT cryptographically verifiable merkle proofs.
type AccountProof struct {
	Address      common.Address      `json:"address"`
	AccountProof []hexutil.Bytes     `json:"accountProof"`
	Balance      *hexutil.Big        `json:"balance"`
	CodeHash     common.Hash         `json:"codeHash"`
	Nonce        hexutil.Uint64      `json:"nonce"`
	StorageHash  common.Hash         `json:"storageHash"`
	StorageProof []StorageProofEntry `json:"storageProof"`
}

// GetProof synthesizes a best-effort proof shape for the account and the
// requested storage slots. See the AccountProof doc for the caveats.
func (s *ForkedStateStore) GetProof(ctx context.Context, addr common.Address, slots []common.Hash) (*AccountProof, error) {
	balance, err := s.GetBalance(ctx, addr)
	if err != nil {
		return nil, err
	}
	nonce, err := s.GetNonce(ctx, addr)
	if err != nil {
		return nil, err
	}
	code, err := s.GetCode(ctx, addr)
	if err != nil {
		return nil, err
	}
	codeHash := gethtypes.EmptyCodeHash
	if len(code) > 0 {
		codeHash = crypto.Keccak256Hash(code)
	}
	proof := &AccountProof{
		Address:      addr,
		AccountProof: []hexutil.Bytes{},
		Balance:      (*hexutil.Big)(balance),
		CodeHash:     codeHash,
		Nonce:        hexutil.Uint64(nonce),
		StorageHash:  gethtypes.EmptyRootHash,
		StorageProof: make([]StorageProofEntry, 0, len(slots)),
	}
	for _, slot := range slots {
		val, err := s.GetStorageAt(ctx, addr, slot)
		if err != nil {
			return nil, err
		}
		proof.StorageProof = append(proof.StorageProof, StorageProofEntry{
			Key:   slot,
			Value: (*hexutil.Big)(new(big.Int).SetBytes(val.Bytes())),
			Proof: []hexutil.Bytes{},
		})
	}
	return proof, nil
}
