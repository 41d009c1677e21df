package config

import (
	"context"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/endpoint"
	"github.com/ethereum-optimism/optimism/op-service/eth"
	"github.com/ethereum/go-ethereum/common"

	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
)

const (
	// DefaultMaxCacheSize bounds each per-fork cache store when the entry
	// does not set one.
	DefaultMaxCacheSize = 10_000
	// DefaultRPCTimeout bounds every upstream call when the entry does not
	// set one.
	DefaultRPCTimeout = 10 * time.Second
)

type ForkEntry struct {
	ELRPC endpoint.MustRPC `yaml:"el_rpc"`

	// ChainID is used to sanity-check we are connected to the right chain,
	// and never accidentally serve forked state from a different chain.
	ChainID eth.ChainID `yaml:"chain_id"`

	// ForkBlockNumber pins the historical block all remote state reads are
	// made at. Required: forking at a floating "latest" would make cached
	// remote reads unrepeatable.
	ForkBlockNumber uint64 `yaml:"fork_block_number"`

	// ForkBlockHash optionally pins the exact block. When set, fork
	// initialization verifies the remote block at ForkBlockNumber has this
	// hash, guarding against reorgs and wrong endpoints.
	ForkBlockHash common.Hash `yaml:"fork_block_hash,omitempty"`

	// MaxCacheSize caps each cache store (balances, nonces, codes, storage
	// slots, blocks) of this fork. Zero means DefaultMaxCacheSize.
	MaxCacheSize int `yaml:"max_cache_size,omitempty"`

	// RPCTimeoutSeconds caps every individual upstream request, in seconds.
	// Zero means DefaultRPCTimeout.
	RPCTimeoutSeconds uint64 `yaml:"rpc_timeout_seconds,omitempty"`
}

// CacheSize returns the configured cache bound, applying the default.
func (e *ForkEntry) CacheSize() int {
	if e.MaxCacheSize <= 0 {
		return DefaultMaxCacheSize
	}
	return e.MaxCacheSize
}

// Timeout returns the configured upstream timeout, applying the default.
func (e *ForkEntry) Timeout() time.Duration {
	if e.RPCTimeoutSeconds == 0 {
		return DefaultRPCTimeout
	}
	return time.Duration(e.RPCTimeoutSeconds) * time.Second
}

type Config struct {
	// Forks lists all forks by ID
	Forks map[fktypes.ForkID]*ForkEntry `yaml:"forks,omitempty"`
}

var _ Loader = (*Config)(nil)

// Load is implemented on the Config itself,
// so that a static already-instantiated config can be used for in-process service setup,
// to bypass the YAML loading.
func (c *Config) Load(ctx context.Context) (*Config, error) {
	return c, nil
}
