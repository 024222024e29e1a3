package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"go.uber.org/zap"
)

// evmProber issues a lightweight JSON-RPC call against a node to
// establish liveness. The configured endpoint method (HEALTH_CHECK_ENDPOINT,
// web3_clientVersion by default) is tried first; a node that doesn't
// implement it (rare, but some light clients omit web3_*) falls back to
// eth_chainId, which every EVM-compatible node must answer.
type evmProber struct {
	log      *zap.Logger
	endpoint string
}

func NewEVMProber(log *zap.Logger, endpoint string) Prober {
	if endpoint == "" {
		endpoint = "web3_clientVersion"
	}
	return &evmProber{log: log, endpoint: endpoint}
}

func (p *evmProber) Probe(ctx context.Context, node Node) (time.Duration, error) {
	client, err := rpc.DialContext(ctx, node.URL)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", node.ID, err)
	}
	defer client.Close()

	start := time.Now()

	var clientVersion string
	err = client.CallContext(ctx, &clientVersion, p.endpoint)
	if err == nil {
		return time.Since(start), nil
	}

	p.log.Debug("health check endpoint unsupported, falling back to eth_chainId",
		zap.String("node_id", node.ID), zap.String("endpoint", p.endpoint), zap.Error(err))

	var chainID hexutil.Uint64
	err = client.CallContext(ctx, &chainID, "eth_chainId")
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", node.ID, err)
	}
	p.log.Debug("probed via eth_chainId", zap.String("node_id", node.ID), zap.Uint64("chain_id", uint64(chainID)))
	return time.Since(start), nil
}
