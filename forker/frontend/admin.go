package frontend

import (
	"github.com/ethereum-optimism/optimism/op-service/eth"

	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
)

type AdminBackend interface {
	Forks() map[fktypes.ForkID]eth.ChainID
	ForkHead(id fktypes.ForkID) (uint64, error)
	ForkSnapshots(id fktypes.ForkID) ([]uint64, error)
}

type AdminFrontend struct {
	b AdminBackend
}

func NewAdminFrontend(b AdminBackend) *AdminFrontend {
	return &AdminFrontend{b: b}
}

func (a *AdminFrontend) Forks() map[fktypes.ForkID]eth.ChainID {
	return a.b.Forks()
}

func (a *AdminFrontend) ForkHead(id fktypes.ForkID) (uint64, error) {
	return a.b.ForkHead(id)
}

func (a *AdminFrontend) ForkSnapshots(id fktypes.ForkID) ([]uint64, error) {
	return a.b.ForkSnapshots(id)
}
