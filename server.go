package quorumproxy

import (
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
)

// Server is the thin HTTP/WS front door: it decodes a JSON-RPC envelope,
// forwards it through a BackendGroup, emits one StatRecord, and re-encodes
// the response. It does not implement batching, method-level validation, or
// API-key authentication.
type Server struct {
	log        log.Logger
	group      *BackendGroup
	aggregator *Aggregator
	metrics    *Metrics
	clock      Clock
	period     int64
	upgrader   websocket.Upgrader
}

// NewServer builds a Server over group, emitting stats into aggregator
// bucketed to periodSeconds using clock for the bucket timestamp.
func NewServer(logger log.Logger, group *BackendGroup, aggregator *Aggregator, metrics *Metrics, clock Clock, periodSeconds int64) *Server {
	return &Server{
		log:        logger,
		group:      group,
		aggregator: aggregator,
		metrics:    metrics,
		clock:      clock,
		period:     periodSeconds,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler returns the CORS-wrapped, routed http.Handler for the front door.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleHTTP).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	return cors.New(cors.Options{AllowedOrigins: []string{"*"}, AllowedMethods: []string{http.MethodPost, http.MethodGet}}).Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&req); err != nil {
		writeRPCError(w, nil, -32700, "parse error")
		return
	}
	resp := s.process(r, req)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	for {
		var req rpcRequest
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		resp := s.process(r, req)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) process(r *http.Request, req rpcRequest) rpcResponse {
	start := s.clock.Now()
	requestBytes := uint64(len(req.Params)) + uint64(len(req.Method))

	raw, err := s.group.Forward(r.Context(), req.Method, req.Params)

	elapsedMillis := uint64(s.clock.Since(start).Milliseconds())
	rec := StatRecord{
		Method:          req.Method,
		ErrorResponse:   err != nil,
		PeriodTimestamp: (s.clock.Now().Unix() / s.period) * s.period,
		RequestBytes:    requestBytes,
		BackendRequests: 1,
		ResponseMillis:  elapsedMillis,
	}

	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		if err == ErrNoServers {
			rec.NoServers = 1
		}
		if s.metrics != nil {
			if _, ok := err.(*RateLimitedError); ok {
				s.metrics.IncRateLimited()
			} else if err == ErrNoServers {
				s.metrics.IncNoServers()
			}
		}
		code, msg := errorToRPCCode(err)
		resp.Error = &rpcError{Code: code, Message: msg}
	} else {
		resp.Result = raw
		rec.ResponseBytes = uint64(len(raw))
	}

	if s.aggregator != nil {
		s.aggregator.Ingest(rec)
	}
	return resp
}

func writeRPCError(w http.ResponseWriter, id json.RawMessage, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}})
}
