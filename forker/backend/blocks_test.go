package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/optimism/op-service/testlog"

	"github.com/voltaire-labs/forkd/metrics"
)

func fakeBlockHash(number uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(number + 0xb10c))
}

func fakeBlockJSON(number uint64) map[string]any {
	return map[string]any{
		"number":     hexutil.Uint64(number),
		"hash":       fakeBlockHash(number),
		"parentHash": fakeBlockHash(number - 1),
		"timestamp":  hexutil.Uint64(1_700_000_000 + number),
	}
}

// blocksRemote serves a synthetic chain of the given height.
func blocksRemote(chainHead uint64) *fakeRemote {
	return newFakeRemote(func(method string, args []any) (any, error) {
		switch method {
		case "eth_getBlockByNumber":
			number := uint64(args[0].(hexutil.Uint64))
			if number > chainHead {
				return nil, nil // null result
			}
			return fakeBlockJSON(number), nil
		case "eth_getBlockByHash":
			hash := args[0].(common.Hash)
			for n := uint64(0); n <= chainHead; n++ {
				if fakeBlockHash(n) == hash {
					return fakeBlockJSON(n), nil
				}
			}
			return nil, nil
		default:
			return nil, fmt.Errorf("unexpected method %s", method)
		}
	})
}

func newTestBlocks(t *testing.T, remote RemoteSource) *BlockStore {
	logger := testlog.Logger(t, log.LevelError)
	return NewBlockStore(logger, metrics.NoopMetrics{}, "test", remote,
		testForkBlock, fakeBlockHash(testForkBlock), 1_700_000_000+testForkBlock, 0, 100)
}

func TestBlockStore_ResolveTag(t *testing.T) {
	s := newTestBlocks(t, blocksRemote(testForkBlock+5))

	for _, tag := range []rpc.BlockNumber{
		rpc.LatestBlockNumber, rpc.PendingBlockNumber, rpc.SafeBlockNumber, rpc.FinalizedBlockNumber,
	} {
		n, err := s.ResolveTag(tag)
		require.NoError(t, err)
		require.Equal(t, uint64(testForkBlock), n)
	}

	n, err := s.ResolveTag(rpc.EarliestBlockNumber)
	require.NoError(t, err)
	require.Equal(t, uint64(0), n)

	n, err = s.ResolveTag(rpc.BlockNumber(123))
	require.NoError(t, err)
	require.Equal(t, uint64(123), n)

	_, err = s.ResolveTag(rpc.BlockNumber(-10))
	require.ErrorIs(t, err, ErrInvalidParams)
}

func TestBlockStore_HeadIsForkBlock(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)

	require.Equal(t, uint64(testForkBlock), s.HeadNumber())

	// The remote chain continued past the fork point, but the forked view
	// ends at the local head.
	_, err := s.GetBlockByNumber(context.Background(), rpc.BlockNumber(testForkBlock+1), false)
	require.ErrorIs(t, err, ethereum.NotFound)
	require.Equal(t, 0, remote.callCount("eth_getBlockByNumber"))
}

func TestBlockStore_ByNumberCached(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		raw, err := s.GetBlockByNumber(ctx, rpc.BlockNumber(testForkBlock-1), false)
		require.NoError(t, err)
		var hdr blockHeaderLite
		require.NoError(t, json.Unmarshal(raw, &hdr))
		require.Equal(t, fakeBlockHash(testForkBlock-1), hdr.Hash)
	}
	require.Equal(t, 1, remote.callCount("eth_getBlockByNumber"))

	// The fullTx variant is a different wire response, cached separately.
	_, err := s.GetBlockByNumber(ctx, rpc.BlockNumber(testForkBlock-1), true)
	require.NoError(t, err)
	require.Equal(t, 2, remote.callCount("eth_getBlockByNumber"))
}

func TestBlockStore_ByHashIndexed(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)
	ctx := context.Background()

	// The fork block hash is seeded in the index: resolved via the number
	// cache, no by-hash call needed.
	raw, err := s.GetBlockByHash(ctx, fakeBlockHash(testForkBlock), false)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, 0, remote.callCount("eth_getBlockByHash"))

	// An unknown hash goes to the remote once, then is indexed.
	for i := 0; i < 2; i++ {
		_, err = s.GetBlockByHash(ctx, fakeBlockHash(testForkBlock-2), false)
		require.NoError(t, err)
	}
	require.Equal(t, 1, remote.callCount("eth_getBlockByHash"))
}

func TestBlockStore_ByHashBeyondHead(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)

	_, err := s.GetBlockByHash(context.Background(), fakeBlockHash(testForkBlock+3), false)
	require.ErrorIs(t, err, ethereum.NotFound)
}

func TestBlockStore_Mine(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)
	ctx := context.Background()

	head := s.AdvanceHead(1)
	require.Equal(t, uint64(testForkBlock+1), head)
	require.Equal(t, head, s.HeadNumber())
	// Mining is purely local.
	require.Empty(t, remote.calls)

	raw, err := s.GetBlockByNumber(ctx, rpc.LatestBlockNumber, false)
	require.NoError(t, err)
	var hdr blockHeaderLite
	require.NoError(t, json.Unmarshal(raw, &hdr))
	require.Equal(t, uint64(testForkBlock+1), hdr.Number.ToInt().Uint64())
	// The synthetic block chains onto the fork block.
	require.Equal(t, fakeBlockHash(testForkBlock), hdr.ParentHash)
	require.Equal(t, uint64(1_700_000_000+testForkBlock+1), hdr.Timestamp.ToInt().Uint64())

	// Synthesized blocks are served by hash too, without remote contact.
	before := remote.callCount("eth_getBlockByHash")
	byHash, err := s.GetBlockByHash(ctx, hdr.Hash, false)
	require.NoError(t, err)
	require.JSONEq(t, string(raw), string(byHash))
	require.Equal(t, before, remote.callCount("eth_getBlockByHash"))
}

func TestBlockStore_MineBatchChains(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)
	ctx := context.Background()

	head := s.AdvanceHead(3)
	require.Equal(t, uint64(testForkBlock+3), head)

	var prevHash common.Hash
	for n := uint64(testForkBlock + 1); n <= head; n++ {
		raw, err := s.GetBlockByNumber(ctx, rpc.BlockNumber(n), false)
		require.NoError(t, err)
		var hdr blockHeaderLite
		require.NoError(t, json.Unmarshal(raw, &hdr))
		if n > testForkBlock+1 {
			require.Equal(t, prevHash, hdr.ParentHash)
		}
		prevHash = hdr.Hash
	}
	// Mined blocks are served from the pinned cache, never the remote.
	require.Equal(t, 0, remote.callCount("eth_getBlockByNumber"))
}

func TestBlockStore_IncreaseTime(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	s := newTestBlocks(t, remote)
	ctx := context.Background()

	require.Equal(t, int64(100), s.IncreaseTime(100))
	require.Equal(t, int64(150), s.IncreaseTime(50))

	s.AdvanceHead(2)

	timeOf := func(n uint64) uint64 {
		raw, err := s.GetBlockByNumber(ctx, rpc.BlockNumber(n), false)
		require.NoError(t, err)
		var hdr blockHeaderLite
		require.NoError(t, json.Unmarshal(raw, &hdr))
		return hdr.Timestamp.ToInt().Uint64()
	}

	// The accumulated offset applies to the first mined block and resets.
	parentTime := uint64(1_700_000_000 + testForkBlock)
	require.Equal(t, parentTime+1+150, timeOf(testForkBlock+1))
	require.Equal(t, parentTime+1+150+1, timeOf(testForkBlock+2))
}

func TestBlockStore_MinedBlocksSurviveChurn(t *testing.T) {
	remote := blocksRemote(testForkBlock + 5)
	logger := testlog.Logger(t, log.LevelError)
	s := NewBlockStore(logger, metrics.NoopMetrics{}, "test", remote,
		testForkBlock, fakeBlockHash(testForkBlock), 1_700_000_000+testForkBlock, 0, 2)
	ctx := context.Background()

	head := s.AdvanceHead(1)

	// Flood the small cache with historical fetches.
	for n := uint64(1); n <= 10; n++ {
		_, err := s.GetBlockByNumber(ctx, rpc.BlockNumber(n), false)
		require.NoError(t, err)
	}

	before := remote.callCount("eth_getBlockByNumber")
	raw, err := s.GetBlockByNumber(ctx, rpc.BlockNumber(head), false)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, before, remote.callCount("eth_getBlockByNumber"))
}
