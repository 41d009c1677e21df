package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ethereum-optimism/optimism/op-service/eth"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/voltaire-labs/forkd/forker/backend/config"
	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
	"github.com/voltaire-labs/forkd/metrics"
)

// Fork is one forked chain view: a remote endpoint pinned at a historical
// block, plus the local caches, overrides and snapshot log layered on top.
//
// The remote connection is established lazily on the first request, and a
// failed initialization does not poison the fork: the next request retries
// from scratch.
type Fork struct {
	log     log.Logger
	m       metrics.Metricer
	id      fktypes.ForkID
	cfg     *config.ForkEntry
	version string

	// dial produces the remote source on init. Swappable for tests.
	dial func(ctx context.Context) (RemoteSource, error)

	host ExecutionHost

	initMu sync.Mutex
	ready  atomic.Bool

	remote RemoteSource
	snaps  *SnapshotManager
	state  *ForkedStateStore
	blocks *BlockStore
	router *Router
}

// ForkFromConfig sets up a fork that dials the configured EL RPC endpoint
// on first use.
func ForkFromConfig(logger log.Logger, m metrics.Metricer, id fktypes.ForkID, cfg *config.ForkEntry, version string) (*Fork, error) {
	if cfg.ChainID == (eth.ChainID{}) {
		return nil, fmt.Errorf("fork %q: chain_id is required", id)
	}
	f := NewFork(logger, m, id, cfg, version, nil)
	f.dial = func(ctx context.Context) (RemoteSource, error) {
		return rpc.DialContext(ctx, cfg.ELRPC.Value.RPC())
	}
	logger.Info("Configured fork", "fork", id, "chain", cfg.ChainID, "forkBlock", cfg.ForkBlockNumber)
	return f, nil
}

// NewFork wires a fork around an already-connected remote source. Used by
// ForkFromConfig and directly by tests.
func NewFork(logger log.Logger, m metrics.Metricer, id fktypes.ForkID, cfg *config.ForkEntry, version string, remote RemoteSource) *Fork {
	f := &Fork{
		log:     logger.New("fork", id, "chain", cfg.ChainID),
		m:       m,
		id:      id,
		cfg:     cfg,
		version: version,
	}
	if remote != nil {
		f.dial = func(ctx context.Context) (RemoteSource, error) {
			return remote, nil
		}
	}
	return f
}

// SetExecutionHost attaches an execution engine serving eth_call and
// eth_estimateGas locally. Must be called before the first request.
func (f *Fork) SetExecutionHost(host ExecutionHost) {
	f.host = host
}

func (f *Fork) ID() fktypes.ForkID { return f.id }

func (f *Fork) ChainID() eth.ChainID { return f.cfg.ChainID }

// ensureInit connects to the remote and verifies it serves the expected
// chain and fork block. It either completes fully or leaves the fork
// untouched for a retry.
func (f *Fork) ensureInit(ctx context.Context) error {
	if f.ready.Load() {
		return nil
	}
	f.initMu.Lock()
	defer f.initMu.Unlock()
	if f.ready.Load() {
		return nil
	}

	remote, err := f.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to dial remote: %w", ErrInitFailed, err)
	}
	timeout := f.cfg.Timeout()

	var remoteChainID hexutil.Big
	if err := remoteCall(ctx, remote, timeout, &remoteChainID, "eth_chainId"); err != nil {
		remote.Close()
		return fmt.Errorf("%w: failed to fetch remote chain id: %w", ErrInitFailed, err)
	}
	if remoteChainID.ToInt().Cmp(f.cfg.ChainID.ToBig()) != 0 {
		remote.Close()
		return fmt.Errorf("%w: chain id mismatch: config: %s, remote: %s",
			ErrInitFailed, f.cfg.ChainID, remoteChainID.ToInt())
	}

	var header struct {
		Hash      common.Hash `json:"hash"`
		Timestamp hexutil.Big `json:"timestamp"`
	}
	if err := remoteCall(ctx, remote, timeout, &header, "eth_getBlockByNumber",
		hexutil.Uint64(f.cfg.ForkBlockNumber), false); err != nil {
		remote.Close()
		return fmt.Errorf("%w: failed to fetch fork block %d: %w", ErrInitFailed, f.cfg.ForkBlockNumber, err)
	}
	if header.Hash == (common.Hash{}) {
		remote.Close()
		return fmt.Errorf("%w: fork block %d not found on remote", ErrInitFailed, f.cfg.ForkBlockNumber)
	}
	if f.cfg.ForkBlockHash != (common.Hash{}) && header.Hash != f.cfg.ForkBlockHash {
		remote.Close()
		return fmt.Errorf("%w: fork block hash mismatch at %d: config: %s, remote: %s",
			ErrInitFailed, f.cfg.ForkBlockNumber, f.cfg.ForkBlockHash, header.Hash)
	}

	cacheSize := f.cfg.CacheSize()
	f.remote = remote
	f.snaps = NewSnapshotManager(f.log)
	f.state = NewForkedStateStore(f.log, f.m, f.id, remote, f.cfg.ForkBlockNumber, timeout, cacheSize, f.snaps)
	f.blocks = NewBlockStore(f.log, f.m, f.id, remote, f.cfg.ForkBlockNumber,
		header.Hash, header.Timestamp.ToInt().Uint64(), timeout, cacheSize)
	f.router = NewRouter(f.log, f.m, f.id, f.cfg.ChainID, f.version,
		f.state, f.blocks, f.snaps, remote, timeout, f.host)
	f.ready.Store(true)
	f.log.Info("Initialized fork", "forkBlock", f.cfg.ForkBlockNumber, "forkBlockHash", header.Hash)
	return nil
}

// Handle initializes the fork if needed and dispatches the request.
func (f *Fork) Handle(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	if err := f.ensureInit(ctx); err != nil {
		f.log.Warn("Fork init failed", "err", err)
		return nil, err
	}
	return f.router.Handle(ctx, method, params)
}

// Handler returns the fork's raw JSON-RPC HTTP endpoint.
func (f *Fork) Handler() http.Handler {
	return NewRPCHandler(f.log, f.Handle)
}

// Head returns the local head block number, or the configured fork block
// when the fork has not been initialized yet.
func (f *Fork) Head() uint64 {
	if !f.ready.Load() {
		return f.cfg.ForkBlockNumber
	}
	return f.blocks.HeadNumber()
}

// LiveSnapshots reports the ids of snapshots that can still be reverted to.
func (f *Fork) LiveSnapshots() []uint64 {
	if !f.ready.Load() {
		return nil
	}
	return f.snaps.Live()
}

func (f *Fork) Stop(ctx context.Context) error {
	f.initMu.Lock()
	defer f.initMu.Unlock()
	if f.ready.Load() && f.remote != nil {
		f.remote.Close()
	}
	return nil
}
