package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const stickyCookieName = "avax_session"

// NewHTTPServer builds the gateway's HTTP front door: the JSON-RPC POST
// route, a health endpoint, and admin enable/disable routes. Routing
// via gorilla/mux replaces the teacher's Caddy-hosted routing, since
// this gateway ships its own standalone entry point instead of a Caddy
// module.
func NewHTTPServer(g *Gateway, addr string, network Network, log *zap.Logger) *http.Server {
	r := mux.NewRouter()

	r.HandleFunc("/", rpcHandler(g, network, log)).Methods(http.MethodPost)
	r.HandleFunc("/health", healthHandler(g)).Methods(http.MethodGet)
	r.HandleFunc("/admin/nodes/{id}/enable", adminSetHealthHandler(g, true)).Methods(http.MethodPost)
	r.HandleFunc("/admin/nodes/{id}/disable", adminSetHealthHandler(g, false)).Methods(http.MethodPost)

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)

	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// rpcHandler honors spec.md §6's per-request ?network=/?strategy=
// overrides on top of the server's configured defaults, and maps the
// resulting RpcError (if any) to the HTTP status spec.md §6 requires:
// 503 when no backend was selectable, 504 on a gateway-side timeout, 502
// on any other proxy failure, 400 for an empty or unparseable body, 200
// for every other outcome (including a well-formed JSON-RPC error the
// upstream node itself returned).
func rpcHandler(g *Gateway, network Network, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, RpcResponse{
				JSONRPC: "2.0",
				Error:   &RpcError{Code: ErrCodeParseError, Message: "failed to read request body"},
			})
			return
		}

		sessionID := stickySessionID(w, r)
		sel := SelectionRequest{Network: network, SessionID: sessionID}
		q := r.URL.Query()
		if n := q.Get("network"); n != "" {
			sel.Network = Network(n)
		}
		if s := q.Get("strategy"); s != "" {
			sel.Strategy = Strategy(s)
		}

		parsed := ParseRequestBody(body)
		switch parsed.Kind {
		case parseSingle:
			resp := g.HandleSingle(r.Context(), *parsed.Single, sel)
			writeJSON(w, httpStatusForRpcError(resp.Error), resp)
		case parseBatch:
			resp := g.HandleBatch(r.Context(), parsed.Batch, parsed.BatchErrors, sel)
			writeJSON(w, batchHTTPStatus(resp), resp)
		default:
			status := http.StatusOK
			if parsed.Err.Code == ErrCodeParseError {
				status = http.StatusBadRequest
			}
			writeJSON(w, status, RpcResponse{JSONRPC: "2.0", Error: parsed.Err})
		}
	}
}

// httpStatusForRpcError maps a response's RpcError to the HTTP status
// spec.md §6 assigns it. A nil error, or one of the ordinary JSON-RPC
// validation/application errors, is reported as 200 — the JSON-RPC error
// envelope itself carries the failure; only the three conditions spec.md
// names (no backend, gateway timeout, proxy failure) change the HTTP
// status.
func httpStatusForRpcError(e *RpcError) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Code {
	case ErrCodeNoHealthyNode:
		return http.StatusServiceUnavailable
	case ErrCodeInternalError:
		return http.StatusGatewayTimeout
	case ErrCodeUpstreamError, ErrCodeCircuitOpen, ErrCodeRateLimited, ErrCodeUpstreamTimeout:
		return http.StatusBadGateway
	default:
		return http.StatusOK
	}
}

// batchHTTPStatus reports the most severe status among a batch's
// responses (503 outranks 504 outranks 502 outranks 200), since a batch
// HTTP response can only carry one status code for every entry.
func batchHTTPStatus(resps []RpcResponse) int {
	status := http.StatusOK
	for _, r := range resps {
		if s := httpStatusForRpcError(r.Error); statusSeverity(s) > statusSeverity(status) {
			status = s
		}
	}
	return status
}

func statusSeverity(status int) int {
	switch status {
	case http.StatusServiceUnavailable:
		return 3
	case http.StatusGatewayTimeout:
		return 2
	case http.StatusBadGateway:
		return 1
	default:
		return 0
	}
}

// stickySessionID resolves the caller's session from the sticky cookie,
// falling back to the X-Session-Id header (spec.md §6's documented
// alternative carrier for clients that can't use cookies), and mints a
// fresh one otherwise.
func stickySessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(stickyCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	if id := r.Header.Get("X-Session-Id"); id != "" {
		return id
	}

	id := NewSessionID()
	http.SetCookie(w, &http.Cookie{
		Name:     stickyCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   600,
	})
	return id
}

func healthHandler(g *Gateway) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report := g.Health.Report()
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"nodes": report,
			"cache": g.Cache.Metrics(),
		})
	}
}

func adminSetHealthHandler(g *Gateway, healthy bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if ok := g.Health.registry.SetHealth(id, healthy, time.Now()); !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "node not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"id": id, "healthy": boolString(healthy)})
	}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
