package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/surfacehost/internal/channel"
	"github.com/bryanchriswhite/surfacehost/internal/config"
	"github.com/bryanchriswhite/surfacehost/internal/logger"
	"github.com/bryanchriswhite/surfacehost/internal/sink"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Version is reported by the health endpoint
const Version = "0.1.0"

// Server represents the HTTP API server
type Server struct {
	router     *mux.Router
	plugin     *channel.Plugin
	dispatcher *channel.Dispatcher
	stream     *sink.StreamSink
	configMgr  *config.Manager
	upgrader   websocket.Upgrader

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// NewServer creates a new API server. stream and configMgr may be nil.
func NewServer(plugin *channel.Plugin, dispatcher *channel.Dispatcher, stream *sink.StreamSink, configMgr *config.Manager) *Server {
	s := &Server{
		router:     mux.NewRouter(),
		plugin:     plugin,
		dispatcher: dispatcher,
		stream:     stream,
		configMgr:  configMgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Callers are local UI processes
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	// Method channel
	api.HandleFunc("/channel/{name}", s.handleChannel)

	// Registry state
	api.HandleFunc("/surfaces", s.handleGetSurfaces).Methods("GET")

	// Native side
	api.HandleFunc("/sink/current", s.handleSinkCurrent).Methods("GET")
	api.HandleFunc("/sink/stream", s.handleSinkStream)

	// Configuration
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")

	// Health check
	api.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(port int) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = srv
	s.mu.Unlock()

	logger.WithComponent("api").Info().
		Str("addr", srv.Addr).
		Msg("Starting server")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server. A later Start returns immediately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// HTTP Handlers

// handleChannel serves one method channel connection. Calls are answered in
// the order they arrive.
func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if name != s.plugin.Name() {
		http.Error(w, fmt.Sprintf("unknown channel %q", name), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	log := logger.WithComponent("api").With().
		Str("channel", name).
		Str("session", uuid.NewString()).
		Logger()
	log.Debug().Msg("Channel connected")

	for {
		env, err := readEnvelope(conn)
		if err != nil {
			if errors.Is(err, channel.ErrBadArguments) {
				reply := channel.Failure(channel.CodeBadArguments, err.Error()).Reply(0)
				if err := conn.WriteJSON(reply); err != nil {
					return
				}
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("Channel read ended")
			}
			return
		}

		resp, err := s.dispatcher.Call(r.Context(), env.Call())
		if err != nil {
			log.Warn().Err(err).Str("method", env.Method).Msg("Dispatch failed")
			return
		}

		if err := conn.WriteJSON(resp.Reply(env.ID)); err != nil {
			log.Debug().Err(err).Msg("WebSocket write error")
			return
		}
	}
}

// readEnvelope decodes one message keeping numbers exact, so 64-bit player
// handles survive the trip. Undecodable messages wrap channel.ErrBadArguments.
func readEnvelope(conn *websocket.Conn) (channel.Envelope, error) {
	var env channel.Envelope
	_, r, err := conn.NextReader()
	if err != nil {
		return env, err
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return env, fmt.Errorf("%w: %v", channel.ErrBadArguments, err)
	}
	return env, nil
}

func (s *Server) handleGetSurfaces(w http.ResponseWriter, r *http.Request) {
	reg := s.plugin.Registry()
	if reg == nil {
		http.Error(w, "plugin not attached", http.StatusServiceUnavailable)
		return
	}

	writeJSON(w, map[string]interface{}{
		"channel":  s.plugin.Name(),
		"strategy": reg.Strategy().String(),
		"closed":   reg.Closed(),
		"surfaces": reg.Snapshot(),
	})
}

func (s *Server) handleSinkCurrent(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	writeJSON(w, s.stream.Current())
}

// handleSinkStream pushes bind events to an attached renderer
func (s *Server) handleSinkStream(w http.ResponseWriter, r *http.Request) {
	if s.stream == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WithComponent("api").Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	updates := s.stream.Subscribe()
	defer s.stream.Unsubscribe(updates)

	// Replay what is bound right now
	for _, ev := range s.stream.Current() {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}

	// Notice the client going away without blocking on updates
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.WithComponent("api").Debug().Err(err).Msg("WebSocket write error")
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.configMgr == nil {
		http.Error(w, "no configuration", http.StatusNotFound)
		return
	}
	writeJSON(w, s.configMgr.Get())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if reg := s.plugin.Registry(); reg == nil || reg.Closed() {
		status = "detached"
	}
	writeJSON(w, map[string]string{
		"status":  status,
		"version": Version,
	})
}
