package backend

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/locks"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/singleflight"

	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
	"github.com/voltaire-labs/forkd/metrics"
)

// blockKey caches the two wire variants of a block separately, since the
// raw response differs by the fullTx flag.
type blockKey struct {
	Number uint64
	FullTx bool
}

func (k blockKey) String() string {
	return strconv.FormatUint(k.Number, 10) + ":" + strconv.FormatBool(k.FullTx)
}

// BlockRecord is a cached block: the raw response as delivered by the remote
// (or synthesized locally for test-mined blocks) plus the header fields the
// store itself needs.
type BlockRecord struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
	Raw        json.RawMessage
}

// blockHeaderLite decodes just the header fields we track from a raw block
// response.
type blockHeaderLite struct {
	Number     *hexutil.Big `json:"number"`
	Hash       common.Hash  `json:"hash"`
	ParentHash common.Hash  `json:"parentHash"`
	Timestamp  *hexutil.Big `json:"timestamp"`
}

// BlockStore serves block queries for the forked view: historical blocks are
// fetched from the remote once and cached, locally test-mined blocks are
// synthesized without contacting the remote. The head pointer starts at the
// fork block and only moves by local mining.
type BlockStore struct {
	log     log.Logger
	m       metrics.Metricer
	forkID  fktypes.ForkID
	remote  RemoteSource
	timeout time.Duration

	forkBlock uint64

	blocks    *FetchCoordinator[blockKey, *BlockRecord]
	hashIndex locks.RWMap[common.Hash, uint64]

	// hashFlights coalesces concurrent by-hash fetches for hashes that are
	// not in the index yet.
	hashFlights singleflight.Group

	head       atomic.Uint64
	timeOffset atomic.Int64

	// mineMu serializes head advances and guards the parent seed below.
	mineMu     sync.Mutex
	parentHash common.Hash
	parentTime uint64
}

func NewBlockStore(logger log.Logger, m metrics.Metricer, forkID fktypes.ForkID,
	remote RemoteSource, forkBlock uint64, forkBlockHash common.Hash, forkBlockTime uint64,
	timeout time.Duration, maxCacheSize int) *BlockStore {
	s := &BlockStore{
		log:       logger,
		m:         m,
		forkID:    forkID,
		remote:    remote,
		timeout:   timeout,
		forkBlock: forkBlock,
	}
	s.blocks = NewFetchCoordinator[blockKey, *BlockRecord](CoordinatorOpts[blockKey]{
		MaxSize:   maxCacheSize,
		KeyString: blockKey.String,
		OnEvict: func(k blockKey) {
			m.RecordCacheEviction(forkID.String(), "blocks")
			// Keep the hash index consistent: only drop the mapping once
			// both variants are gone.
			if rec, ok := s.blocks.Peek(blockKey{Number: k.Number, FullTx: !k.FullTx}); !ok || rec == nil {
				s.pruneHashIndex(k.Number)
			}
		},
		OnGet: func(hit bool) { m.RecordCacheGet(forkID.String(), "blocks", hit) },
	})
	s.head.Store(forkBlock)
	s.parentHash = forkBlockHash
	s.parentTime = forkBlockTime
	if forkBlockHash != (common.Hash{}) {
		s.hashIndex.Set(forkBlockHash, forkBlock)
	}
	return s
}

func (s *BlockStore) pruneHashIndex(number uint64) {
	var stale []common.Hash
	s.hashIndex.Range(func(h common.Hash, n uint64) bool {
		if n == number {
			stale = append(stale, h)
		}
		return true
	})
	for _, h := range stale {
		s.hashIndex.Delete(h)
	}
}

// HeadNumber returns the current local head, initially the fork block.
func (s *BlockStore) HeadNumber() uint64 {
	return s.head.Load()
}

// ResolveTag maps a symbolic block tag to a concrete number on the local
// view. latest/safe/finalized/pending resolve to the local head, earliest to
// block 0. Concrete numbers pass through unchanged.
func (s *BlockStore) ResolveTag(tag rpc.BlockNumber) (uint64, error) {
	switch tag {
	case rpc.LatestBlockNumber, rpc.SafeBlockNumber, rpc.FinalizedBlockNumber, rpc.PendingBlockNumber:
		return s.head.Load(), nil
	case rpc.EarliestBlockNumber:
		return 0, nil
	default:
		if tag < 0 {
			return 0, fmt.Errorf("%w: block tag %d", ErrInvalidParams, tag)
		}
		return uint64(tag), nil
	}
}

// GetBlockByNumber returns the raw block response for the given tag or
// number. Blocks beyond the local head are not found; repeated access to a
// historical block never re-fetches.
func (s *BlockStore) GetBlockByNumber(ctx context.Context, tag rpc.BlockNumber, fullTx bool) (json.RawMessage, error) {
	number, err := s.ResolveTag(tag)
	if err != nil {
		return nil, err
	}
	if number > s.head.Load() {
		return nil, ethereum.NotFound
	}
	rec, err := s.byNumber(ctx, number, fullTx)
	if err != nil {
		return nil, err
	}
	return rec.Raw, nil
}

func (s *BlockStore) byNumber(ctx context.Context, number uint64, fullTx bool) (*BlockRecord, error) {
	key := blockKey{Number: number, FullTx: fullTx}
	return s.blocks.Get(ctx, key, func(ctx context.Context) (*BlockRecord, error) {
		var raw json.RawMessage
		done := s.m.RecordRemoteCall(s.forkID.String(), "eth_getBlockByNumber")
		err := remoteCall(ctx, s.remote, s.timeout, &raw, "eth_getBlockByNumber", hexutil.Uint64(number), fullTx)
		done(err)
		if err != nil {
			return nil, err
		}
		rec, err := s.recordFromRaw(raw)
		if err != nil {
			return nil, err
		}
		s.hashIndex.Set(rec.Hash, rec.Number)
		return rec, nil
	})
}

func (s *BlockStore) recordFromRaw(raw json.RawMessage) (*BlockRecord, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, ethereum.NotFound
	}
	var hdr blockHeaderLite
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return nil, fmt.Errorf("%w: malformed block response: %w", ErrRemoteFetch, err)
	}
	if hdr.Number == nil {
		return nil, fmt.Errorf("%w: block response missing number", ErrRemoteFetch)
	}
	rec := &BlockRecord{
		Number:     hdr.Number.ToInt().Uint64(),
		Hash:       hdr.Hash,
		ParentHash: hdr.ParentHash,
		Raw:        raw,
	}
	if hdr.Timestamp != nil {
		rec.Time = hdr.Timestamp.ToInt().Uint64()
	}
	return rec, nil
}

// GetBlockByHash returns the raw block response for the given hash. Hashes
// already indexed are served from the number cache; unknown hashes fetch from
// the remote (coalesced per hash) and fill both the cache and the index.
func (s *BlockStore) GetBlockByHash(ctx context.Context, hash common.Hash, fullTx bool) (json.RawMessage, error) {
	if number, ok := s.hashIndex.Get(hash); ok {
		rec, err := s.byNumber(ctx, number, fullTx)
		if err != nil {
			return nil, err
		}
		return rec.Raw, nil
	}
	ch := s.hashFlights.DoChan(hash.Hex()+":"+strconv.FormatBool(fullTx), func() (any, error) {
		var raw json.RawMessage
		done := s.m.RecordRemoteCall(s.forkID.String(), "eth_getBlockByHash")
		err := remoteCall(ctx, s.remote, s.timeout, &raw, "eth_getBlockByHash", hash, fullTx)
		done(err)
		if err != nil {
			return nil, err
		}
		rec, err := s.recordFromRaw(raw)
		if err != nil {
			return nil, err
		}
		if rec.Number > s.forkBlock {
			// The remote chain continued past the fork point; numbers past
			// the fork block belong to the locally mined chain.
			return nil, ethereum.NotFound
		}
		s.blocks.fill(blockKey{Number: rec.Number, FullTx: fullTx}, rec)
		s.hashIndex.Set(rec.Hash, rec.Number)
		return rec, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*BlockRecord).Raw, nil
	case <-ctx.Done():
		return nil, asRemoteErr(ctx.Err(), "eth_getBlockByHash")
	}
}

// IncreaseTime adds an offset, in seconds, applied to the timestamp of the
// next locally mined block. Returns the total accumulated offset.
func (s *BlockStore) IncreaseTime(seconds uint64) int64 {
	return s.timeOffset.Add(int64(seconds))
}

// AdvanceHead mines `count` synthetic blocks on top of the local head. This
// is a purely local operation: records are synthesized and pinned, and the
// parent of the first mined block is the fork block header seeded at
// construction, so the remote source is never contacted.
func (s *BlockStore) AdvanceHead(count uint64) uint64 {
	s.mineMu.Lock()
	defer s.mineMu.Unlock()
	parentHash, parentTime := s.parentHash, s.parentTime
	for i := uint64(0); i < count; i++ {
		number := s.head.Load() + 1
		offset := s.timeOffset.Swap(0)
		blockTime := parentTime + 1 + uint64(offset)
		hash := s.syntheticHash(number, parentHash)
		for _, fullTx := range []bool{false, true} {
			rec := &BlockRecord{
				Number:     number,
				Hash:       hash,
				ParentHash: parentHash,
				Time:       blockTime,
				Raw:        syntheticBlockJSON(number, hash, parentHash, blockTime),
			}
			s.blocks.PutPinned(blockKey{Number: number, FullTx: fullTx}, rec)
		}
		s.hashIndex.Set(hash, number)
		s.head.Store(number)
		parentHash, parentTime = hash, blockTime
	}
	s.parentHash, s.parentTime = parentHash, parentTime
	head := s.head.Load()
	s.m.RecordHeadAdvance(s.forkID.String(), head)
	s.log.Info("Advanced local head", "mined", count, "head", head)
	return head
}

func (s *BlockStore) syntheticHash(number uint64, parent common.Hash) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], number)
	return crypto.Keccak256Hash([]byte(s.forkID), buf[:], parent.Bytes())
}

func syntheticBlockJSON(number uint64, hash, parent common.Hash, blockTime uint64) json.RawMessage {
	block := map[string]any{
		"number":           hexutil.Uint64(number),
		"hash":             hash,
		"parentHash":       parent,
		"timestamp":        hexutil.Uint64(blockTime),
		"nonce":            gethtypes.BlockNonce{},
		"mixHash":          common.Hash{},
		"sha3Uncles":       gethtypes.EmptyUncleHash,
		"miner":            common.Address{},
		"difficulty":       (*hexutil.Big)(common.Big0),
		"extraData":        hexutil.Bytes{},
		"gasLimit":         hexutil.Uint64(30_000_000),
		"gasUsed":          hexutil.Uint64(0),
		"baseFeePerGas":    (*hexutil.Big)(common.Big0),
		"stateRoot":        gethtypes.EmptyRootHash,
		"transactionsRoot": gethtypes.EmptyTxsHash,
		"receiptsRoot":     gethtypes.EmptyReceiptsHash,
		"logsBloom":        gethtypes.Bloom{},
		"transactions":     []any{},
		"uncles":           []any{},
	}
	raw, err := json.Marshal(block)
	if err != nil {
		panic(err) // static shape, cannot fail
	}
	return raw
}
