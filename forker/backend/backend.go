package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/ethereum-optimism/optimism/op-service/eth"
	"github.com/ethereum-optimism/optimism/op-service/locks"

	"github.com/voltaire-labs/forkd/forker/backend/config"
	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
	"github.com/voltaire-labs/forkd/metrics"
)

type APIRouter interface {
	AddRPC(route string) error
	AddAPIToRPC(route string, api rpc.API) error
	AddHandler(path string, handler http.Handler)
}

type Backend struct {
	log log.Logger
	m   metrics.Metricer

	forks locks.RWMap[fktypes.ForkID, *Fork]
}

func FromConfig(log log.Logger, m metrics.Metricer, cfg *config.Config, router APIRouter, version string) (*Backend, error) {
	b := &Backend{
		log: log,
		m:   m,
	}

	for fID, fCfg := range cfg.Forks {
		f, err := ForkFromConfig(log, m, fID, fCfg, version)
		if err != nil {
			return nil, fmt.Errorf("failed to setup fork %q: %w", fID, err)
		}
		b.forks.Set(fID, f)
	}
	// Each fork gets its own raw JSON-RPC endpoint, so that passthrough
	// requests are forwarded without a typed server in between.
	b.forks.Range(func(id fktypes.ForkID, f *Fork) bool {
		router.AddHandler("/fork/"+id.String(), f.Handler())
		return true
	})
	return b, nil
}

// Fork looks up a configured fork by ID.
func (b *Backend) Fork(id fktypes.ForkID) (*Fork, bool) {
	return b.forks.Get(id)
}

// Forks lists all configured forks by ID.
func (b *Backend) Forks() (out map[fktypes.ForkID]eth.ChainID) {
	out = make(map[fktypes.ForkID]eth.ChainID)
	b.forks.Range(func(key fktypes.ForkID, value *Fork) bool {
		out[key] = value.ChainID()
		return true
	})
	return out
}

// ForkHead reports the local head block number of a fork.
func (b *Backend) ForkHead(id fktypes.ForkID) (uint64, error) {
	f, ok := b.forks.Get(id)
	if !ok {
		return 0, fmt.Errorf("unknown fork: %q", id)
	}
	return f.Head(), nil
}

// ForkSnapshots reports the snapshot ids of a fork that can still be
// reverted to.
func (b *Backend) ForkSnapshots(id fktypes.ForkID) ([]uint64, error) {
	f, ok := b.forks.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown fork: %q", id)
	}
	return f.LiveSnapshots(), nil
}

func (b *Backend) Stop(ctx context.Context) error {
	var result error
	b.forks.Range(func(id fktypes.ForkID, f *Fork) bool {
		if err := f.Stop(ctx); err != nil {
			result = errors.Join(result, fmt.Errorf("failed to stop fork %q: %w", id, err))
		}
		return true
	})
	return result
}
