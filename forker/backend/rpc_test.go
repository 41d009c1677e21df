package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/require"

	"github.com/ethereum-optimism/optimism/op-service/testlog"
)

func echoHandler(t *testing.T) http.Handler {
	return NewRPCHandler(testlog.Logger(t, log.LevelError),
		func(ctx context.Context, method string, params []json.RawMessage) (any, error) {
			switch method {
			case "test_echo":
				if len(params) == 0 {
					return nil, fmt.Errorf("%w: missing value", ErrInvalidParams)
				}
				return params[0], nil
			case "test_unsupported":
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
			case "test_snapshot":
				return nil, fmt.Errorf("%w: 5", ErrUnknownSnapshot)
			default:
				return nil, fmt.Errorf("boom")
			}
		})
}

func postJSON(t *testing.T, h http.Handler, body string) (int, string) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, strings.TrimSpace(rec.Body.String())
}

func TestRPCHandler_Single(t *testing.T) {
	code, body := postJSON(t, echoHandler(t),
		`{"jsonrpc":"2.0","id":1,"method":"test_echo","params":["0x2a"]}`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":1,"result":"0x2a"}`, body)
}

func TestRPCHandler_Batch(t *testing.T) {
	code, body := postJSON(t, echoHandler(t),
		`[{"jsonrpc":"2.0","id":1,"method":"test_echo","params":["0x1"]},
		  {"jsonrpc":"2.0","id":2,"method":"test_echo","params":["0x2"]}]`)
	require.Equal(t, http.StatusOK, code)
	require.JSONEq(t, `[
		{"jsonrpc":"2.0","id":1,"result":"0x1"},
		{"jsonrpc":"2.0","id":2,"result":"0x2"}]`, body)
}

func TestRPCHandler_BatchOfOneStaysArray(t *testing.T) {
	_, body := postJSON(t, echoHandler(t),
		`[{"jsonrpc":"2.0","id":1,"method":"test_echo","params":["0x1"]}]`)
	require.True(t, strings.HasPrefix(body, "["), "batch response must be an array: %s", body)
}

func TestRPCHandler_ParseError(t *testing.T) {
	_, body := postJSON(t, echoHandler(t), `{not json`)
	require.JSONEq(t, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"failed to parse request"}}`, body)
}

func TestRPCHandler_InvalidRequest(t *testing.T) {
	_, body := postJSON(t, echoHandler(t), `{"jsonrpc":"1.0","id":1,"method":"test_echo"}`)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeInvalidRequest, resp.Error.Code)
}

func TestRPCHandler_ErrorCodes(t *testing.T) {
	h := echoHandler(t)
	cases := []struct {
		method string
		code   int
	}{
		{"test_unsupported", rpcCodeMethodNotFound},
		{"test_echo", rpcCodeInvalidParams}, // no params
		{"test_snapshot", rpcCodeUnknownSnapshot},
		{"test_other", rpcCodeInternal},
	}
	for _, tc := range cases {
		_, body := postJSON(t, h,
			fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"%s"}`, tc.method))
		var resp rpcResponse
		require.NoError(t, json.Unmarshal([]byte(body), &resp))
		require.NotNil(t, resp.Error, tc.method)
		require.Equal(t, tc.code, resp.Error.Code, tc.method)
		require.JSONEq(t, `7`, string(resp.ID))
	}
}

func TestRPCHandler_MethodNotAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	echoHandler(t).ServeHTTP(rec, req)
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRPCHandler_EmptyBatch(t *testing.T) {
	_, body := postJSON(t, echoHandler(t), `[]`)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeInvalidRequest, resp.Error.Code)
}

func TestRPCHandler_NonArrayParams(t *testing.T) {
	_, body := postJSON(t, echoHandler(t),
		`{"jsonrpc":"2.0","id":1,"method":"test_echo","params":{"a":1}}`)
	var resp rpcResponse
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	require.NotNil(t, resp.Error)
	require.Equal(t, rpcCodeInvalidParams, resp.Error.Code)
}
