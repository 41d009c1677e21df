package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	// JSON-RPC 2.0 error codes.
	rpcCodeParse           = -32700
	rpcCodeInvalidRequest  = -32600
	rpcCodeMethodNotFound  = -32601
	rpcCodeInvalidParams   = -32602
	rpcCodeInternal        = -32603
	rpcCodeUnknownSnapshot = -32000

	maxRequestBodyBytes = 10 * 1024 * 1024
	maxBatchSize        = 100
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// paramsList splits the positional params array. Absent or null params are
// an empty list, anything that is not an array is a parameter error.
func (r *rpcRequest) paramsList() ([]json.RawMessage, error) {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil, nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(r.Params, &list); err != nil {
		return nil, ErrInvalidParams
	}
	return list, nil
}

// HandleFunc serves one classified JSON-RPC request.
type HandleFunc func(ctx context.Context, method string, params []json.RawMessage) (any, error)

// rpcHandler is the raw JSON-RPC 2.0 HTTP endpoint of a single fork. It
// speaks the wire format itself rather than going through a typed RPC
// server, so that passthrough requests and responses are forwarded
// byte-for-byte.
type rpcHandler struct {
	log    log.Logger
	handle HandleFunc
}

// NewRPCHandler wraps handle into an HTTP handler accepting single and
// batched JSON-RPC requests.
func NewRPCHandler(logger log.Logger, handle HandleFunc) http.Handler {
	return &rpcHandler{log: logger, handle: handle}
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		writeJSON(w, h.log, errResponse(nil, rpcCodeInvalidRequest, "failed to read request body"))
		return
	}

	if isBatch(body) {
		var reqs []rpcRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			writeJSON(w, h.log, errResponse(nil, rpcCodeParse, "failed to parse batch"))
			return
		}
		if len(reqs) == 0 {
			writeJSON(w, h.log, errResponse(nil, rpcCodeInvalidRequest, "empty batch"))
			return
		}
		if len(reqs) > maxBatchSize {
			writeJSON(w, h.log, errResponse(nil, rpcCodeInvalidRequest, "batch too large"))
			return
		}
		resps := make([]rpcResponse, 0, len(reqs))
		for i := range reqs {
			resps = append(resps, h.serveOne(r.Context(), &reqs[i]))
		}
		writeJSON(w, h.log, resps)
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, h.log, errResponse(nil, rpcCodeParse, "failed to parse request"))
		return
	}
	writeJSON(w, h.log, h.serveOne(r.Context(), &req))
}

func (h *rpcHandler) serveOne(ctx context.Context, req *rpcRequest) rpcResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errResponse(req.ID, rpcCodeInvalidRequest, "invalid request")
	}
	params, err := req.paramsList()
	if err != nil {
		return errResponse(req.ID, rpcCodeInvalidParams, "params must be a positional array")
	}
	result, err := h.handle(ctx, req.Method, params)
	if err != nil {
		h.log.Debug("Request failed", "method", req.Method, "err", err)
		e := errorFor(err)
		return rpcResponse{JSONRPC: "2.0", ID: idOrNull(req.ID), Error: e}
	}
	return rpcResponse{JSONRPC: "2.0", ID: idOrNull(req.ID), Result: result}
}

// errorFor maps internal errors onto JSON-RPC error objects. Errors that
// originate from the remote endpoint keep the remote's own code and data.
func errorFor(err error) *rpcError {
	switch {
	case errors.Is(err, ErrUnsupportedMethod):
		return &rpcError{Code: rpcCodeMethodNotFound, Message: err.Error()}
	case errors.Is(err, ErrInvalidParams):
		return &rpcError{Code: rpcCodeInvalidParams, Message: err.Error()}
	case errors.Is(err, ErrUnknownSnapshot):
		return &rpcError{Code: rpcCodeUnknownSnapshot, Message: err.Error()}
	}
	var remoteErr rpc.Error
	if errors.As(err, &remoteErr) {
		e := &rpcError{Code: remoteErr.ErrorCode(), Message: remoteErr.Error()}
		var dataErr rpc.DataError
		if errors.As(err, &dataErr) {
			e.Data = dataErr.ErrorData()
		}
		return e
	}
	return &rpcError{Code: rpcCodeInternal, Message: err.Error()}
}

func errResponse(id json.RawMessage, code int, msg string) rpcResponse {
	return rpcResponse{
		JSONRPC: "2.0",
		ID:      idOrNull(id),
		Error:   &rpcError{Code: code, Message: msg},
	}
}

func idOrNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func isBatch(body []byte) bool {
	for _, c := range body {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, logger log.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write RPC response", "err", err)
	}
}
