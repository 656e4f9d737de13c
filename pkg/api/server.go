package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/burrow-sandbox/burrow/pkg/events"
	"github.com/burrow-sandbox/burrow/pkg/log"
	"github.com/burrow-sandbox/burrow/pkg/machine"
	"github.com/burrow-sandbox/burrow/pkg/metrics"
	"github.com/burrow-sandbox/burrow/pkg/storage"
)

const (
	readTimeout     = 5 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second

	// sseKeepAlive is the comment-ping interval that keeps idle event
	// streams from being reaped by intermediaries
	sseKeepAlive = 30 * time.Second
)

// Config wires the status server to the node's read-side state
type Config struct {
	Addr   string
	Pool   *machine.Pool
	Store  storage.Store
	Events *events.Broker
}

// Server is the node's read-only HTTP surface: the event stream the main
// controller follows, machine and task lookups, health and metrics. It
// never mutates node state; all writes go through the control sockets.
type Server struct {
	pool   *machine.Pool
	store  storage.Store
	events *events.Broker

	httpServer *http.Server
	ln         net.Listener
	logger     zerolog.Logger
}

// NewServer creates the status server
func NewServer(cfg Config) *Server {
	s := &Server{
		pool:   cfg.Pool,
		store:  cfg.Store,
		events: cfg.Events,
		logger: log.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/events", s.handleEvents)
	mux.HandleFunc("/v1/machines", s.handleMachines)
	mux.HandleFunc("/v1/tasks/", s.handleTask)
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/alive", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Addr:        cfg.Addr,
		Handler:     mux,
		ReadTimeout: readTimeout,
		IdleTimeout: idleTimeout,
		// No WriteTimeout: /v1/events is a long-lived stream
	}
	return s
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Status server failed")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	if s.ln == nil {
		return s.httpServer.Addr
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down, closing event streams
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		_ = s.httpServer.Close()
	}
}

// handleEvents serves the node event stream as server-sent events. A
// reconnecting consumer presents Last-Event-Id and missed events still
// held in the broker's ring are replayed before live ones.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	var sub events.Subscriber
	if raw := r.Header.Get("Last-Event-Id"); raw != "" {
		lastID, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid Last-Event-Id", http.StatusBadRequest)
			return
		}
		sub = s.events.SubscribeFrom(lastID)
	} else {
		sub = s.events.Subscribe()
	}
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case ev, open := <-sub:
			if !open {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				s.logger.Error().Err(err).Uint64("event_id", ev.ID).
					Msg("Failed to encode event")
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", ev.ID, data)
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleMachines(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.pool.List())
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimPrefix(r.URL.Path, "/v1/tasks/")
	if taskID == "" || strings.Contains(taskID, "/") {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	rec, err := s.store.GetTask(taskID)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
