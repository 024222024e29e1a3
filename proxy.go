package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ProxyConfig controls forwarding timeouts and retry behavior.
type ProxyConfig struct {
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		Timeout:       10 * time.Second,
		RetryAttempts: 2,
		RetryDelay:    250 * time.Millisecond,
	}
}

// RpcProxy forwards a validated JSON-RPC request to a selected node,
// retrying on transport failure, classifying the outcome for the
// circuit breaker, and recording cacheable results.
type RpcProxy struct {
	cfg      ProxyConfig
	lb       *LoadBalancer
	breakers *CircuitBreakerRegistry
	cache    *Cache
	client   *http.Client
	log      *zap.Logger
	metrics  *Metrics
}

func NewRpcProxy(cfg ProxyConfig, lb *LoadBalancer, breakers *CircuitBreakerRegistry, cache *Cache, log *zap.Logger) *RpcProxy {
	return &RpcProxy{
		cfg:      cfg,
		lb:       lb,
		breakers: breakers,
		cache:    cache,
		client:   &http.Client{Timeout: cfg.Timeout},
		log:      log,
	}
}

// SetMetrics attaches a Metrics instance for per-request instrumentation.
// Optional: a nil metrics field just skips recording.
func (p *RpcProxy) SetMetrics(m *Metrics) {
	p.metrics = m
}

// HandleSingle validates, selects a node, forwards with retry, and
// returns a fully-formed RpcResponse — never a raw Go error across this
// boundary.
func (p *RpcProxy) HandleSingle(ctx context.Context, req RpcRequest, sel SelectionRequest) RpcResponse {
	start := time.Now()
	resp := RpcResponse{JSONRPC: "2.0", ID: req.ID}
	outcome := "error"
	defer func() {
		if p.metrics != nil {
			p.metrics.RecordRequest(req.Method, outcome, time.Since(start).Seconds())
		}
	}()

	key, err := CanonicalKey(req.Method, req.Params)
	if err != nil {
		resp.Error = &RpcError{Code: ErrCodeInvalidParams, Message: err.Error()}
		return resp
	}

	if Cacheable(req.Method) {
		if cached, ok := p.cache.Get(key, req.Method); ok {
			if p.metrics != nil {
				p.metrics.IncCacheHit()
			}
			resp.Result = cached
			outcome = "cache_hit"
			return resp
		}
		if p.metrics != nil {
			p.metrics.IncCacheMiss()
		}
	}

	node, err := p.lb.Select(sel)
	if err != nil {
		resp.Error = &RpcError{Code: ErrCodeNoHealthyNode, Message: err.Error()}
		return resp
	}

	result, rpcErr := p.forwardWithRetry(ctx, node, req)
	if rpcErr != nil {
		resp.Error = rpcErr
		if p.metrics != nil {
			p.metrics.RecordUpstreamError(node.ID, fmt.Sprintf("%d", rpcErr.Code))
		}
		return resp
	}

	resp.Result = result
	outcome = "success"

	if Cacheable(req.Method) {
		p.cache.Set(key, req.Method, result)
	} else {
		p.cache.InvalidateOnStateChange(req.Method)
	}
	return resp
}

// HandleBatch forwards every entry of a batch independently. errs is
// aligned index-for-index with reqs: a non-nil entry short-circuits
// that position with its own error response (the request's id is still
// echoed back) without affecting any other entry, matching spec.md
// §8's "batch with one invalid entry" boundary case. A whole-batch
// transport failure (e.g. every node down) maps each remaining id to
// the same error; a per-entry upstream error passes through untouched.
func (p *RpcProxy) HandleBatch(ctx context.Context, reqs []RpcRequest, errs []*RpcError, sel SelectionRequest) []RpcResponse {
	out := make([]RpcResponse, len(reqs))
	for i, r := range reqs {
		if i < len(errs) && errs[i] != nil {
			out[i] = RpcResponse{JSONRPC: "2.0", ID: r.ID, Error: errs[i]}
			continue
		}
		out[i] = p.HandleSingle(ctx, r, sel)
	}
	return out
}

// forwardWithRetry POSTs the request to node, retrying on transport
// failure up to RetryAttempts times with a fixed delay (not
// exponential, per spec.md §4.5), recording the outcome against the
// node's circuit breaker on every attempt.
func (p *RpcProxy) forwardWithRetry(ctx context.Context, node Node, req RpcRequest) (json.RawMessage, *RpcError) {
	var lastErr error
	maxAttempts := p.cfg.RetryAttempts + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		result, upstreamErr, err := p.forwardOnce(attemptCtx, node, req)
		cancel()

		if err != nil {
			lastErr = err
			p.breakers.RecordFailure(node.ID)
			p.log.Debug("forward attempt failed",
				zap.String("node_id", node.ID), zap.Int("attempt", attempt), zap.Error(err))

			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return nil, classifyTransportError(ctx.Err())
				case <-time.After(p.cfg.RetryDelay):
				}
				continue
			}
			return nil, classifyTransportError(lastErr)
		}

		p.breakers.RecordSuccess(node.ID)
		if upstreamErr != nil {
			return nil, upstreamErr
		}
		return result, nil
	}

	return nil, classifyTransportError(lastErr)
}

// httpStatusError carries the response status code of a non-200
// upstream reply so classifyTransportError can map it to the right
// gateway error code.
type httpStatusError struct {
	status int
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.status)
}

// classifyTransportError maps a forwarding failure to the gateway error
// code spec.md §4.5's table assigns it: timeout -> internal error,
// connection refused -> circuit-open, HTTP 401 -> no-healthy-node,
// HTTP 429 -> rate-limited, anything else -> generic upstream error.
func classifyTransportError(err error) *RpcError {
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.status {
		case http.StatusUnauthorized:
			return &RpcError{Code: ErrCodeNoHealthyNode, Message: err.Error()}
		case http.StatusTooManyRequests:
			return &RpcError{Code: ErrCodeRateLimited, Message: err.Error()}
		}
		return &RpcError{Code: ErrCodeUpstreamError, Message: err.Error()}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &RpcError{Code: ErrCodeInternalError, Message: err.Error()}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &RpcError{Code: ErrCodeInternalError, Message: err.Error()}
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return &RpcError{Code: ErrCodeCircuitOpen, Message: err.Error()}
	}
	return &RpcError{Code: ErrCodeUpstreamError, Message: err.Error()}
}

// forwardOnce performs a single HTTP round trip. The first return
// error is a transport-level failure (counts against the breaker); a
// non-nil *RpcError with a nil error is a well-formed upstream error
// response (passed through, does not count as a breaker failure).
func (p *RpcProxy) forwardOnce(ctx context.Context, node Node, req RpcRequest) (json.RawMessage, *RpcError, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, node.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s: %w", node.ID, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("node %s returned status %d: %w", node.ID, httpResp.StatusCode, &httpStatusError{status: httpResp.StatusCode})
	}

	var decoded RpcResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, nil, fmt.Errorf("decode response from %s: %w", node.ID, err)
	}

	if decoded.Error != nil {
		return nil, decoded.Error, nil
	}
	return decoded.Result, nil, nil
}
