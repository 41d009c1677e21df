package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
)

var (
	// ErrRemoteFetch wraps any network/protocol failure while resolving a
	// cache miss against the remote source. A legitimate empty or zero
	// result is not a fetch error.
	ErrRemoteFetch = errors.New("remote fetch failed")

	// ErrRemoteTimeout is a RemoteFetchError variant for deadline expiry,
	// so callers can tell a slow remote apart from a broken one.
	ErrRemoteTimeout = errors.New("remote call timed out")

	// ErrUnknownSnapshot is returned when reverting to a snapshot id that
	// was never issued, or was invalidated by an earlier revert.
	ErrUnknownSnapshot = errors.New("unknown or invalidated snapshot")

	// ErrInitFailed wraps a failure to bring up the fork's remote-facing
	// components. It never poisons the fork: the next request retries.
	ErrInitFailed = errors.New("fork initialization failed")

	// ErrUnsupportedMethod is returned for methods that are recognized but
	// intentionally rejected, never silently forwarded.
	ErrUnsupportedMethod = errors.New("unsupported method")

	// ErrInvalidParams is returned for malformed request parameters,
	// before any cache or remote access happens.
	ErrInvalidParams = errors.New("invalid params")
)

// RemoteSource is the consumed remote RPC capability. It is used both for
// cache-miss fetches pinned at the fork block and for verbatim passthrough.
// The geth rpc.Client satisfies it.
type RemoteSource interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	BatchCallContext(ctx context.Context, b []rpc.BatchElem) error
	Close()
}

var _ RemoteSource = (*rpc.Client)(nil)

// remoteCall invokes the remote source with the configured per-call timeout
// and maps transport failures into the RemoteFetchError taxonomy.
func remoteCall(ctx context.Context, src RemoteSource, timeout time.Duration, result any, method string, args ...any) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err := src.CallContext(ctx, result, method, args...)
	return asRemoteErr(err, method)
}

func asRemoteErr(err error, method string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrRemoteTimeout, method, err)
	}
	// JSON-RPC level errors carry the remote's own error object and are
	// returned as-is, so passthrough responses stay unmodified.
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrRemoteFetch, method, err)
}
