package quorumproxy

import "encoding/json"

// rpcRequest and rpcResponse are the minimal JSON-RPC 2.0 envelope the
// front door decodes and re-encodes; no batching, method validation, or
// authentication is implemented.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// errorToRPCCode maps an internal error to a JSON-RPC error code and
// message.
func errorToRPCCode(err error) (int, string) {
	switch e := err.(type) {
	case *RateLimitedError:
		return -32005, e.Error()
	case *UpstreamError:
		if e.Protocol {
			return -32000, e.Error()
		}
		return -32003, e.Error()
	}
	switch err {
	case ErrNoServers:
		return -32001, err.Error()
	case ErrDeadline:
		return -32002, err.Error()
	case ErrFutureBlock:
		return -32004, err.Error()
	case ErrIncompleteBlock:
		return -32006, err.Error()
	}
	return -32603, err.Error()
}
