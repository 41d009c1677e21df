package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum-optimism/optimism/op-service/eth"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"

	fktypes "github.com/voltaire-labs/forkd/forker/backend/types"
	"github.com/voltaire-labs/forkd/metrics"
)

// methodClass sorts inbound methods into how the router serves them.
type methodClass int

const (
	// classPassthrough forwards the request verbatim to the remote source.
	// Any method the router does not specifically classify is passthrough.
	classPassthrough methodClass = iota
	// classLocalRead is answered from the forked view, no remote contact
	// once cached.
	classLocalRead
	// classLocalWrite mutates the forked state or snapshot log.
	classLocalWrite
	// classExecution requires an execution engine: served by the Host
	// capability when one is configured, otherwise passthrough.
	classExecution
	// classUnsupported is rejected outright, never silently forwarded.
	classUnsupported
)

// methodTable classifies every method the router handles specially,
// following the Ethereum JSON-RPC method catalogue.
var methodTable = map[string]methodClass{
	"eth_getBalance":          classLocalRead,
	"eth_getTransactionCount": classLocalRead,
	"eth_getCode":             classLocalRead,
	"eth_getStorageAt":        classLocalRead,
	"eth_getProof":            classLocalRead,
	"eth_blockNumber":         classLocalRead,
	"eth_getBlockByNumber":    classLocalRead,
	"eth_getBlockByHash":      classLocalRead,
	"eth_chainId":             classLocalRead,
	"net_version":             classLocalRead,
	"web3_clientVersion":      classLocalRead,

	"evm_snapshot":         classLocalWrite,
	"evm_revert":           classLocalWrite,
	"evm_mine":             classLocalWrite,
	"evm_increaseTime":     classLocalWrite,
	"anvil_setBalance":     classLocalWrite,
	"hardhat_setBalance":   classLocalWrite,
	"anvil_setNonce":       classLocalWrite,
	"hardhat_setNonce":     classLocalWrite,
	"anvil_setCode":        classLocalWrite,
	"hardhat_setCode":      classLocalWrite,
	"anvil_setStorageAt":   classLocalWrite,
	"hardhat_setStorageAt": classLocalWrite,

	"eth_call":             classExecution,
	"eth_estimateGas":      classExecution,
	"eth_createAccessList": classExecution,

	"eth_sign":             classUnsupported,
	"eth_signTransaction":  classUnsupported,
	"eth_signTypedData":    classUnsupported,
	"eth_signTypedData_v3": classUnsupported,
	"eth_signTypedData_v4": classUnsupported,
	"eth_accounts":         classUnsupported,
}

// unsupportedPrefixes rejects whole namespaces that need signing keys or
// consensus-layer machinery this service does not have.
var unsupportedPrefixes = []string{"personal_", "miner_", "engine_"}

func classify(method string) methodClass {
	if class, ok := methodTable[method]; ok {
		return class
	}
	for _, p := range unsupportedPrefixes {
		if strings.HasPrefix(method, p) {
			return classUnsupported
		}
	}
	return classPassthrough
}

// ExecutionHost is the optional execution-engine capability. When present,
// execution-dependent methods are served locally against the forked state
// instead of being forwarded.
type ExecutionHost interface {
	Call(ctx context.Context, args json.RawMessage, block rpc.BlockNumber) (json.RawMessage, error)
	EstimateGas(ctx context.Context, args json.RawMessage, block rpc.BlockNumber) (json.RawMessage, error)
}

// Router is the top-level per-fork dispatcher: it classifies every inbound
// method and serves it from the local stores, forwards it verbatim, or
// rejects it.
type Router struct {
	log     log.Logger
	m       metrics.Metricer
	forkID  fktypes.ForkID
	chainID eth.ChainID
	version string

	state  *ForkedStateStore
	blocks *BlockStore
	snaps  *SnapshotManager

	remote  RemoteSource
	timeout time.Duration
	host    ExecutionHost
}

func NewRouter(logger log.Logger, m metrics.Metricer, forkID fktypes.ForkID, chainID eth.ChainID,
	version string, state *ForkedStateStore, blocks *BlockStore, snaps *SnapshotManager,
	remote RemoteSource, timeout time.Duration, host ExecutionHost) *Router {
	return &Router{
		log:     logger,
		m:       m,
		forkID:  forkID,
		chainID: chainID,
		version: version,
		state:   state,
		blocks:  blocks,
		snaps:   snaps,
		remote:  remote,
		timeout: timeout,
		host:    host,
	}
}

// Handle serves a single JSON-RPC request. Locally synthesized results
// follow the wire conventions: quantities as minimal-digit 0x hex, 32-byte
// values zero-padded to 64 hex digits.
func (r *Router) Handle(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	switch classify(method) {
	case classUnsupported:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	case classLocalRead:
		return r.handleRead(ctx, method, params)
	case classLocalWrite:
		return r.handleWrite(ctx, method, params)
	case classExecution:
		if r.host != nil {
			return r.handleExecution(ctx, method, params)
		}
		return r.passthrough(ctx, method, params)
	default:
		return r.passthrough(ctx, method, params)
	}
}

func (r *Router) handleRead(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	switch method {
	case "eth_getBalance":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		if _, err := optionalTagParam(params, 1); err != nil {
			return nil, err
		}
		bal, err := r.state.GetBalance(ctx, addr)
		if err != nil {
			return nil, err
		}
		return (*hexutil.Big)(bal), nil

	case "eth_getTransactionCount":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		if _, err := optionalTagParam(params, 1); err != nil {
			return nil, err
		}
		nonce, err := r.state.GetNonce(ctx, addr)
		if err != nil {
			return nil, err
		}
		return hexutil.Uint64(nonce), nil

	case "eth_getCode":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		if _, err := optionalTagParam(params, 1); err != nil {
			return nil, err
		}
		code, err := r.state.GetCode(ctx, addr)
		if err != nil {
			return nil, err
		}
		return hexutil.Bytes(code), nil

	case "eth_getStorageAt":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		slot, err := hashParam(params, 1, "slot")
		if err != nil {
			return nil, err
		}
		if _, err := optionalTagParam(params, 2); err != nil {
			return nil, err
		}
		val, err := r.state.GetStorageAt(ctx, addr, slot)
		if err != nil {
			return nil, err
		}
		return val, nil

	case "eth_getProof":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		var slotStrs []string
		if err := unmarshalParam(params, 1, "storage keys", &slotStrs); err != nil {
			return nil, err
		}
		slots := make([]common.Hash, 0, len(slotStrs))
		for _, s := range slotStrs {
			h, err := parseHash(s, "storage key")
			if err != nil {
				return nil, err
			}
			slots = append(slots, h)
		}
		if _, err := optionalTagParam(params, 2); err != nil {
			return nil, err
		}
		return r.state.GetProof(ctx, addr, slots)

	case "eth_blockNumber":
		return hexutil.Uint64(r.blocks.HeadNumber()), nil

	case "eth_getBlockByNumber":
		tag, err := tagParam(params, 0)
		if err != nil {
			return nil, err
		}
		fullTx, err := boolParam(params, 1, "fullTx")
		if err != nil {
			return nil, err
		}
		raw, err := r.blocks.GetBlockByNumber(ctx, tag, fullTx)
		if errors.Is(err, ethereum.NotFound) {
			return nullResult, nil
		}
		return raw, err

	case "eth_getBlockByHash":
		var hash common.Hash
		if err := unmarshalParam(params, 0, "block hash", &hash); err != nil {
			return nil, err
		}
		fullTx, err := boolParam(params, 1, "fullTx")
		if err != nil {
			return nil, err
		}
		raw, err := r.blocks.GetBlockByHash(ctx, hash, fullTx)
		if errors.Is(err, ethereum.NotFound) {
			return nullResult, nil
		}
		return raw, err

	case "eth_chainId":
		return (*hexutil.Big)(r.chainID.ToBig()), nil

	case "net_version":
		return r.chainID.String(), nil

	case "web3_clientVersion":
		return "forkd/" + r.version, nil

	default:
		return nil, fmt.Errorf("%w: unrouted local read %s", ErrUnsupportedMethod, method)
	}
}

func (r *Router) handleWrite(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	switch method {
	case "evm_snapshot":
		id := r.snaps.Snapshot()
		r.m.RecordSnapshotOp(r.forkID.String(), "snapshot")
		return hexutil.Uint64(id), nil

	case "evm_revert":
		var id hexutil.Uint64
		if err := unmarshalParam(params, 0, "snapshot id", &id); err != nil {
			return nil, err
		}
		if err := r.state.RevertTo(uint64(id)); err != nil {
			return nil, err
		}
		r.m.RecordSnapshotOp(r.forkID.String(), "revert")
		return true, nil

	case "evm_mine":
		return hexutil.Uint64(r.blocks.AdvanceHead(1)), nil

	case "evm_increaseTime":
		var seconds hexutil.Uint64
		if len(params) > 0 {
			if err := unmarshalParam(params, 0, "seconds", &seconds); err != nil {
				// Tooling conventionally sends this one as a plain number.
				var n uint64
				if err2 := unmarshalParam(params, 0, "seconds", &n); err2 != nil {
					return nil, err
				}
				seconds = hexutil.Uint64(n)
			}
		}
		return hexutil.Uint64(r.blocks.IncreaseTime(uint64(seconds))), nil

	case "anvil_setBalance", "hardhat_setBalance":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		var val hexutil.Big
		if err := unmarshalParam(params, 1, "balance", &val); err != nil {
			return nil, err
		}
		r.state.SetBalance(addr, (*big.Int)(&val))
		return true, nil

	case "anvil_setNonce", "hardhat_setNonce":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		var nonce hexutil.Uint64
		if err := unmarshalParam(params, 1, "nonce", &nonce); err != nil {
			return nil, err
		}
		r.state.SetNonce(addr, uint64(nonce))
		return true, nil

	case "anvil_setCode", "hardhat_setCode":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		var code hexutil.Bytes
		if err := unmarshalParam(params, 1, "code", &code); err != nil {
			return nil, err
		}
		r.state.SetCode(addr, code)
		return true, nil

	case "anvil_setStorageAt", "hardhat_setStorageAt":
		addr, err := addressParam(params, 0)
		if err != nil {
			return nil, err
		}
		slot, err := hashParam(params, 1, "slot")
		if err != nil {
			return nil, err
		}
		value, err := hashParam(params, 2, "value")
		if err != nil {
			return nil, err
		}
		r.state.SetStorageAt(addr, slot, value)
		return true, nil

	default:
		return nil, fmt.Errorf("%w: unrouted local write %s", ErrUnsupportedMethod, method)
	}
}

func (r *Router) handleExecution(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	var args json.RawMessage
	if err := unmarshalParam(params, 0, "call args", &args); err != nil {
		return nil, err
	}
	tag, err := optionalTagParam(params, 1)
	if err != nil {
		return nil, err
	}
	switch method {
	case "eth_call":
		return r.host.Call(ctx, args, tag)
	case "eth_estimateGas":
		return r.host.EstimateGas(ctx, args, tag)
	default:
		// Remaining execution methods are not covered by the Host
		// capability yet and fall back to the remote.
		return r.passthrough(ctx, method, params)
	}
}

// passthrough forwards the request unmodified and returns the remote's
// response exactly as received.
func (r *Router) passthrough(ctx context.Context, method string, params []json.RawMessage) (any, error) {
	r.m.RecordPassthrough(r.forkID.String(), method)
	args := make([]any, len(params))
	for i, p := range params {
		args[i] = p
	}
	var out json.RawMessage
	done := r.m.RecordRemoteCall(r.forkID.String(), method)
	err := remoteCall(ctx, r.remote, r.timeout, &out, method, args...)
	done(err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// nullResult marks a successful request whose result is JSON null
// (e.g. a block that does not exist on the forked view).
var nullResult = json.RawMessage("null")

func unmarshalParam(params []json.RawMessage, i int, name string, out any) error {
	if i >= len(params) {
		return fmt.Errorf("%w: missing %s (param %d)", ErrInvalidParams, name, i)
	}
	if err := json.Unmarshal(params[i], out); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidParams, name, err)
	}
	return nil
}

func addressParam(params []json.RawMessage, i int) (common.Address, error) {
	var addr common.Address
	if err := unmarshalParam(params, i, "address", &addr); err != nil {
		return common.Address{}, err
	}
	return addr, nil
}

func boolParam(params []json.RawMessage, i int, name string) (bool, error) {
	if i >= len(params) {
		return false, nil
	}
	var b bool
	if err := unmarshalParam(params, i, name, &b); err != nil {
		return false, err
	}
	return b, nil
}

// hashParam accepts both minimal quantity hex ("0x2a") and fully padded
// 32-byte hex for slot/value parameters.
func hashParam(params []json.RawMessage, i int, name string) (common.Hash, error) {
	var s string
	if err := unmarshalParam(params, i, name, &s); err != nil {
		return common.Hash{}, err
	}
	return parseHash(s, name)
}

func parseHash(s string, name string) (common.Hash, error) {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Hash{}, fmt.Errorf("%w: %s missing 0x prefix", ErrInvalidParams, name)
	}
	digits := s[2:]
	if len(digits) == 0 || len(digits) > 64 {
		return common.Hash{}, fmt.Errorf("%w: %s has invalid length", ErrInvalidParams, name)
	}
	n, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %s is not hex", ErrInvalidParams, name)
	}
	return common.BigToHash(n), nil
}

func tagParam(params []json.RawMessage, i int) (rpc.BlockNumber, error) {
	var tag rpc.BlockNumber
	if err := unmarshalParam(params, i, "block tag", &tag); err != nil {
		return 0, err
	}
	return tag, nil
}

// optionalTagParam validates a trailing block tag parameter if present.
// The forked view always serves state as of the fork block plus local
// overrides, so the tag is validated but does not select among historical
// states.
func optionalTagParam(params []json.RawMessage, i int) (rpc.BlockNumber, error) {
	if i >= len(params) {
		return rpc.LatestBlockNumber, nil
	}
	return tagParam(params, i)
}
