package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/apc-dev/apc/internal/broadcast"
	"github.com/apc-dev/apc/internal/fault"
	"github.com/apc-dev/apc/internal/log"
	"github.com/apc-dev/apc/internal/orchestrator"
)

// Server exposes the router over HTTP: POST /rpc for commands, GET
// /events for the SSE broadcast bridge, plus /health and /metrics.
type Server struct {
	router *Router
	bcast  *broadcast.Broadcaster
	orch   *orchestrator.Orchestrator

	server   *http.Server
	listener net.Listener
	gatherer prometheus.Gatherer
	port     int
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address, e.g. ":19777". Port 0 asks the OS for
	// a free port; use Port() after NewServer to learn it.
	Addr string
	// Router dispatches the command envelopes (required).
	Router *Router
	// Broadcast feeds GET /events (required).
	Broadcast *broadcast.Broadcaster
	// Orch answers GET /health (required).
	Orch *orchestrator.Orchestrator
	// Gatherer, when set, mounts GET /metrics.
	Gatherer prometheus.Gatherer
	// ReadTimeout bounds reading an entire request.
	ReadTimeout time.Duration
	// WriteTimeout bounds response writes. Zero means none, which SSE
	// needs.
	WriteTimeout time.Duration
}

// NewServer binds the listener immediately so the port is known before
// Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Router == nil {
		return nil, fault.New(fault.Validation, "rpc server needs a router")
	}
	if cfg.Broadcast == nil {
		return nil, fault.New(fault.Validation, "rpc server needs a broadcaster")
	}
	if cfg.Orch == nil {
		return nil, fault.New(fault.Validation, "rpc server needs the orchestrator")
	}

	readTimeout := cfg.ReadTimeout
	if readTimeout == 0 {
		readTimeout = 30 * time.Second
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, fault.Wrap(fault.Fatal, err, "listening on %s", cfg.Addr)
	}
	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	s := &Server{
		router:   cfg.Router,
		bcast:    cfg.Broadcast,
		orch:     cfg.Orch,
		listener: listener,
		gatherer: cfg.Gatherer,
		port:     port,
	}
	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return s, nil
}

// Routes returns the handler with all endpoints registered.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.handleRPC)
	mux.HandleFunc("GET /events", s.streamEvents)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Start serves until Stop or a listener error. It blocks.
func (s *Server) Start() error {
	log.Info(log.CatRPC, "rpc server listening",
		"addr", s.listener.Addr().String(), "port", s.port)
	return s.server.Serve(s.listener)
}

// Stop drains in-flight requests and closes the listener.
func (s *Server) Stop(ctx context.Context) error {
	log.Info(log.CatRPC, "rpc server stopping")
	return s.server.Shutdown(ctx)
}

// Port returns the bound port, which matters when Addr asked for 0.
func (s *Server) Port() int { return s.port }

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest,
			failure(req.ID, fault.Wrap(fault.Validation, err, "malformed request body")))
		return
	}
	// Command-level failures still ride a 200: the envelope's success
	// flag is the contract, not the HTTP status.
	s.writeJSON(w, http.StatusOK, s.router.Dispatch(r.Context(), req))
}

type healthReport struct {
	Status string `json:"status"`
	orchestrator.Snapshot
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.orch.Status()
	status := "ok"
	if !snap.Ready {
		status = "starting"
	}
	s.writeJSON(w, http.StatusOK, healthReport{Status: status, Snapshot: snap})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError,
			failure("", fault.New(fault.Internal, "streaming not supported")))
		return
	}

	events := s.bcast.Subscribe(r.Context())

	_, _ = fmt.Fprintf(w, "event: connected\ndata: {}\n\n")
	flusher.Flush()

	// Comment heartbeats keep idle proxies from reaping the connection.
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = fmt.Fprintf(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				log.Error(log.CatRPC, "event marshal failed", "event", ev.Name, "error", err)
				continue
			}
			_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, data)
			flusher.Flush()
		}
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(log.CatRPC, "response encode failed", "error", err)
	}
}
