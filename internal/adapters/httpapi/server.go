// Package httpapi serves the reading store over HTTP: a JSON snapshot of every
// tag, single-tag lookup, a health probe tied to the session state, and a
// WebSocket stream that pushes the snapshot on an interval. Handlers only
// read from the store.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

const (
	defaultPushInterval = time.Second
	writeWait           = 10 * time.Second
	shutdownWait        = 5 * time.Second
)

// Store is the read side of the reading store.
type Store interface {
	ports.SnapshotSource
	Get(name string) (domain.Reading, bool)
}

// StateSource reports the current session state.
type StateSource interface {
	State() domain.ConnectionState
}

type Config struct {
	PushInterval time.Duration
}

type Server struct {
	store    Store
	conn     StateSource
	obs      ports.Observability
	push     time.Duration
	upgrader websocket.Upgrader
	clients  atomic.Int64
}

func New(store Store, conn StateSource, cfg Config, obs ports.Observability) *Server {
	if cfg.PushInterval <= 0 {
		cfg.PushInterval = defaultPushInterval
	}
	if obs == nil {
		obs = ports.Nop{}
	}
	return &Server{
		store: store,
		conn:  conn,
		obs:   obs,
		push:  cfg.PushInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Dashboards are served from other origins; the API is read-only.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tags", s.handleTags)
	mux.HandleFunc("GET /api/tags/{name}", s.handleTag)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)
	return mux
}

// ListenAndServe serves the API on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	return Serve(ctx, srv, s.obs)
}

// Clients reports the number of connected WebSocket subscribers.
func (s *Server) Clients() int64 { return s.clients.Load() }

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, views(s.store.Snapshot()))
}

func (s *Server) handleTag(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	reading, ok := s.store.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Tag '" + name + "' not found"})
		return
	}
	writeJSON(w, http.StatusOK, view(reading))
}

type health struct {
	Status          string `json:"status"`
	OPCUAConnected  bool   `json:"opcua_connected"`
	ConnectionState string `json:"connection_state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.conn.State()
	h := health{Status: "ok", OPCUAConnected: true, ConnectionState: state.String()}
	code := http.StatusOK
	if state != domain.StateConnected {
		h.Status = "error"
		h.OPCUAConnected = false
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

type pushMessage struct {
	Type            string    `json:"type"`
	ConnectionState string    `json:"connection_state"`
	Tags            []tagView `json:"tags"`
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.obs.LogError("ws_upgrade_failed", err)
		return
	}
	defer conn.Close()

	client := ports.Field{Key: "client", Value: uuid.NewString()}
	s.obs.SetGauge("jupiter_ws_clients", float64(s.clients.Add(1)))
	s.obs.LogInfo("ws_client_connected", client, ports.Field{Key: "remote", Value: r.RemoteAddr})
	defer func() {
		s.obs.SetGauge("jupiter_ws_clients", float64(s.clients.Add(-1)))
		s.obs.LogInfo("ws_client_disconnected", client)
	}()

	// Drain client frames so close and ping are processed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.push)
	defer ticker.Stop()

	for {
		if err := s.pushSnapshot(conn); err != nil {
			s.obs.LogDebug("ws_client_dropped", client, ports.Field{Key: "reason", Value: err.Error()})
			return
		}
		select {
		case <-r.Context().Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(time.Second))
			return
		case <-gone:
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) pushSnapshot(conn *websocket.Conn) error {
	msg := pushMessage{
		Type:            "snapshot",
		ConnectionState: s.conn.State().String(),
		Tags:            views(s.store.Snapshot()),
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Serve runs srv until it fails or ctx is cancelled, then shuts it down.
func Serve(ctx context.Context, srv *http.Server, obs ports.Observability) error {
	errCh := make(chan error, 1)
	go func() {
		obs.LogInfo("http_listening", ports.Field{Key: "addr", Value: srv.Addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		return nil
	}
}
