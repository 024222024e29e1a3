package gateway

import (
	"encoding/json"
	"testing"
)

func TestParseRequestBodySingle(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`)
	parsed := ParseRequestBody(body)
	if parsed.Kind != parseSingle {
		t.Fatalf("expected single, got kind=%d err=%v", parsed.Kind, parsed.Err)
	}
	if parsed.Single.Method != "eth_chainId" {
		t.Fatalf("unexpected method: %s", parsed.Single.Method)
	}
}

func TestParseRequestBodyBatch(t *testing.T) {
	body := []byte(`[{"jsonrpc":"2.0","method":"eth_chainId","id":1},{"jsonrpc":"2.0","method":"eth_blockNumber","id":2}]`)
	parsed := ParseRequestBody(body)
	if parsed.Kind != parseBatch {
		t.Fatalf("expected batch, got kind=%d err=%v", parsed.Kind, parsed.Err)
	}
	if len(parsed.Batch) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(parsed.Batch))
	}
}

func TestParseRequestBodyInvalid(t *testing.T) {
	cases := [][]byte{
		[]byte(``),
		[]byte(`not json`),
		[]byte(`{"jsonrpc":"1.0","method":"x"}`),
		[]byte(`{"jsonrpc":"2.0"}`),
		[]byte(`[]`),
	}
	for _, body := range cases {
		parsed := ParseRequestBody(body)
		if parsed.Kind != parseInvalid {
			t.Fatalf("expected invalid for body %q, got kind=%d", body, parsed.Kind)
		}
		if parsed.Err == nil {
			t.Fatalf("expected error set for invalid body %q", body)
		}
	}
}

func TestParseRequestBodyBatchPropagatesEntryError(t *testing.T) {
	body := []byte(`[{"jsonrpc":"2.0","method":"eth_chainId","id":1},{"jsonrpc":"1.0","method":"x","id":2}]`)
	parsed := ParseRequestBody(body)
	if parsed.Kind != parseBatch {
		t.Fatalf("expected the valid entry to still be processed as a batch, got kind=%d err=%v", parsed.Kind, parsed.Err)
	}
	if len(parsed.Batch) != 2 || len(parsed.BatchErrors) != 2 {
		t.Fatalf("expected both entries to survive parsing, got batch=%d errs=%d", len(parsed.Batch), len(parsed.BatchErrors))
	}
	if parsed.BatchErrors[0] != nil {
		t.Fatalf("expected the valid entry at index 0 to have no error, got %v", parsed.BatchErrors[0])
	}
	if parsed.BatchErrors[1] == nil || parsed.BatchErrors[1].Code != ErrCodeInvalidRequest {
		t.Fatalf("expected the invalid entry at index 1 to carry -32600, got %v", parsed.BatchErrors[1])
	}
}

func TestValidateSingleRejectsMissingID(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"eth_chainId"}`)
	parsed := ParseRequestBody(body)
	if parsed.Kind != parseInvalid || parsed.Err == nil || parsed.Err.Code != ErrCodeInvalidRequest {
		t.Fatalf("expected a missing id to be rejected with -32600, got kind=%d err=%v", parsed.Kind, parsed.Err)
	}
}

func TestNormalizeParamsWrapsNonArrayScalar(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"eth_getBalance","id":1,"params":"0xabc"}`)
	parsed := ParseRequestBody(body)
	if parsed.Kind != parseSingle {
		t.Fatalf("expected single, got kind=%d err=%v", parsed.Kind, parsed.Err)
	}
	if string(parsed.Single.Params) != `["0xabc"]` {
		t.Fatalf("expected scalar params to be wrapped in a single-element array, got %s", parsed.Single.Params)
	}
}

func TestNormalizeParamsDefaultsAbsentToEmptyArray(t *testing.T) {
	body := []byte(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`)
	parsed := ParseRequestBody(body)
	if parsed.Kind != parseSingle {
		t.Fatalf("expected single, got kind=%d err=%v", parsed.Kind, parsed.Err)
	}
	if string(parsed.Single.Params) != `[]` {
		t.Fatalf("expected absent params to normalize to [], got %s", parsed.Single.Params)
	}
}

func TestCanonicalKeyStableUnderKeyOrder(t *testing.T) {
	a, err := CanonicalKey("eth_call", json.RawMessage(`{"to":"0xabc","data":"0x1"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := CanonicalKey("eth_call", json.RawMessage(`{"data":"0x1","to":"0xabc"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatalf("expected canonical keys to match regardless of param key order: %q vs %q", a, b)
	}
}

func TestCanonicalKeyDiffersByMethod(t *testing.T) {
	a, _ := CanonicalKey("eth_getBalance", json.RawMessage(`["0xabc","latest"]`))
	b, _ := CanonicalKey("eth_getCode", json.RawMessage(`["0xabc","latest"]`))
	if a == b {
		t.Fatalf("expected different methods to produce different keys")
	}
}
