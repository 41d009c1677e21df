package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/rpc"
)

var _ RemoteSource = (*fakeRemote)(nil)

// fakeRemote is a scriptable RemoteSource. The handler returns any
// JSON-marshalable value, which is round-tripped into the caller's result
// just like a real client would decode a response.
type fakeRemote struct {
	mu     sync.Mutex
	calls  []rpcCall
	handle func(method string, args []any) (any, error)

	// gate, when set, blocks every call until closed, or until the caller
	// context is done.
	gate chan struct{}
}

type rpcCall struct {
	Method string
	Args   []any
}

func newFakeRemote(handle func(method string, args []any) (any, error)) *fakeRemote {
	return &fakeRemote{handle: handle}
}

func (f *fakeRemote) CallContext(ctx context.Context, result any, method string, args ...any) error {
	f.mu.Lock()
	f.calls = append(f.calls, rpcCall{Method: method, Args: args})
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	v, err := f.handle(method, args)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("fake remote: bad handler value: %w", err)
	}
	return json.Unmarshal(data, result)
}

func (f *fakeRemote) BatchCallContext(ctx context.Context, b []rpc.BatchElem) error {
	for i := range b {
		b[i].Error = f.CallContext(ctx, b[i].Result, b[i].Method, b[i].Args...)
	}
	return nil
}

func (f *fakeRemote) Close() {}

func (f *fakeRemote) callCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}
