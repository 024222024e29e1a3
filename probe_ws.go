package gateway

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsProber performs an optional secondary liveness check for nodes
// advertising a "ws" capability: dial, subscribe to new-heads, and read
// one response with a deadline. A failure here never flips a node
// unhealthy on its own (see HealthChecker.checkWebSocket) — it is
// surfaced in the health report as a secondary signal only.
type wsProber struct {
	log *zap.Logger
}

func NewWSProber(log *zap.Logger) Prober {
	return &wsProber{log: log}
}

func (p *wsProber) Probe(ctx context.Context, node Node) (time.Duration, error) {
	u, err := url.Parse(node.URL)
	if err != nil {
		return 0, fmt.Errorf("invalid ws url for %s: %w", node.ID, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return 0, fmt.Errorf("unsupported ws scheme %q for %s", u.Scheme, node.ID)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("ws dial %s: %w", node.ID, err)
	}
	defer conn.Close()

	sub := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  []interface{}{"newHeads"},
	}
	if err := conn.WriteJSON(sub); err != nil {
		return 0, fmt.Errorf("ws write %s: %w", node.ID, err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(3 * time.Second)
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, fmt.Errorf("ws set deadline %s: %w", node.ID, err)
	}

	var resp map[string]interface{}
	if err := conn.ReadJSON(&resp); err != nil {
		return 0, fmt.Errorf("ws read %s: %w", node.ID, err)
	}

	return time.Since(start), nil
}
