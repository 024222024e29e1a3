package gateway

import (
	"encoding/json"
	"fmt"
)

// RpcRequest is a single JSON-RPC 2.0 request envelope.
type RpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// RpcError is the JSON-RPC 2.0 error envelope.
type RpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *RpcError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// RpcResponse is a single JSON-RPC 2.0 response envelope.
type RpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RpcError       `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

// Error codes per the JSON-RPC 2.0 spec and this gateway's extensions.
const (
	ErrCodeParseError     = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternalError  = -32603
	ErrCodeUpstreamError  = -32000

	ErrCodeNoHealthyNode   = -32001
	ErrCodeCircuitOpen     = -32003
	ErrCodeRateLimited     = -32005
	ErrCodeCapabilityMiss  = -32006
	ErrCodeUpstreamTimeout = -32007
)

// parseKind tags the shape of a decoded request body.
type parseKind int

const (
	parseInvalid parseKind = iota
	parseSingle
	parseBatch
)

// ParsedRequest is the centralized validation result: exactly one of
// Single or Batch is populated, or Err is set when the body is neither.
// For a batch, BatchErrors is aligned index-for-index with Batch: a
// non-nil entry means that position failed validation and must be
// answered with its own error response rather than forwarded, while the
// rest of the batch is still processed (spec.md §8's "batch with one
// invalid entry" boundary case).
type ParsedRequest struct {
	Kind        parseKind
	Single      *RpcRequest
	Batch       []RpcRequest
	BatchErrors []*RpcError
	Err         *RpcError
}

// ParseRequestBody decodes a raw JSON-RPC POST body into a tagged sum of
// single | batch | invalid, the single validation step every transport
// (HTTP today) funnels through before reaching RpcProxy.
func ParseRequestBody(body []byte) ParsedRequest {
	trimmed := skipWhitespace(body)
	if len(trimmed) == 0 {
		return ParsedRequest{Kind: parseInvalid, Err: &RpcError{Code: ErrCodeParseError, Message: "empty request body"}}
	}

	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(body, &raw); err != nil {
			return ParsedRequest{Kind: parseInvalid, Err: &RpcError{Code: ErrCodeParseError, Message: "invalid batch JSON: " + err.Error()}}
		}
		if len(raw) == 0 {
			return ParsedRequest{Kind: parseInvalid, Err: &RpcError{Code: ErrCodeInvalidRequest, Message: "batch must not be empty"}}
		}
		batch := make([]RpcRequest, len(raw))
		errs := make([]*RpcError, len(raw))
		for i := range raw {
			if err := json.Unmarshal(raw[i], &batch[i]); err != nil {
				errs[i] = &RpcError{Code: ErrCodeInvalidRequest, Message: "invalid batch entry: " + err.Error()}
				continue
			}
			errs[i] = validateSingle(&batch[i])
		}
		return ParsedRequest{Kind: parseBatch, Batch: batch, BatchErrors: errs}
	}

	var single RpcRequest
	if err := json.Unmarshal(body, &single); err != nil {
		return ParsedRequest{Kind: parseInvalid, Err: &RpcError{Code: ErrCodeParseError, Message: "invalid JSON: " + err.Error()}}
	}
	if err := validateSingle(&single); err != nil {
		return ParsedRequest{Kind: parseInvalid, Err: err}
	}
	return ParsedRequest{Kind: parseSingle, Single: &single}
}

// validateSingle normalizes params in place and checks the fields
// spec.md §3/§4.5 require of every request: protocol version, method,
// and a present id (a request with no id cannot be routed to a caller,
// so it is rejected rather than treated as a notification).
func validateSingle(req *RpcRequest) *RpcError {
	normalizeParams(req)

	if req.JSONRPC != "2.0" {
		return &RpcError{Code: ErrCodeInvalidRequest, Message: "jsonrpc must be \"2.0\""}
	}
	if req.Method == "" {
		return &RpcError{Code: ErrCodeInvalidRequest, Message: "method is required"}
	}
	if len(req.ID) == 0 {
		return &RpcError{Code: ErrCodeInvalidRequest, Message: "id is required"}
	}
	return nil
}

// normalizeParams applies spec.md §3/§4.5's params normalization:
// absent params become an empty array, and a non-array value (object,
// string, number, bool, or null) is wrapped in a single-element array
// so every downstream consumer can treat params uniformly as a list.
func normalizeParams(req *RpcRequest) {
	trimmed := skipWhitespace(req.Params)
	if len(trimmed) == 0 {
		req.Params = json.RawMessage("[]")
		return
	}
	if trimmed[0] == '[' {
		return
	}
	wrapped := make(json.RawMessage, 0, len(trimmed)+2)
	wrapped = append(wrapped, '[')
	wrapped = append(wrapped, trimmed...)
	wrapped = append(wrapped, ']')
	req.Params = wrapped
}

func skipWhitespace(b []byte) []byte {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
		default:
			return b[i:]
		}
	}
	return nil
}

// CanonicalKey produces a stable cache key from a method and its
// params: the method name plus a canonicalized (key-sorted) re-encoding
// of the params, so semantically identical requests with differently
// ordered object keys collide on the same cache entry.
func CanonicalKey(method string, params json.RawMessage) (string, error) {
	if len(params) == 0 {
		return method + ":null", nil
	}
	var v interface{}
	if err := json.Unmarshal(params, &v); err != nil {
		return "", fmt.Errorf("canonicalize params: %w", err)
	}
	canon, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("re-encode params: %w", err)
	}
	return method + ":" + string(canon), nil
}
