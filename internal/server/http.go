package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"collabcanvas/internal/admission"
	"collabcanvas/internal/session"
)

// Handler returns the HTTP surface: the WebSocket endpoint and health
// checks, wrapped in an access log.
func (n *Node) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(n.accessLog)
	r.Methods(http.MethodGet).Path("/ws").HandlerFunc(n.serveWS)
	r.Methods(http.MethodGet).Path("/health").HandlerFunc(n.serveHealth)
	r.Methods(http.MethodGet).Path("/ready").HandlerFunc(n.serveReady)
	return r
}

func (n *Node) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		n.logger.Debug("handled", "method", r.Method, "path", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

// serveWS admits, upgrades and then runs one connection until it closes.
// Refused credentials never reach the registry.
func (n *Node) serveWS(w http.ResponseWriter, r *http.Request) {
	ident, err := n.auth.Authenticate(r)
	if err != nil {
		status := admission.Status(err)
		n.logger.Info("Refusing connection", "remote", r.RemoteAddr, "status", status, "error", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	if !n.track() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer n.conns.Done()

	ws, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Debug("Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(n.opts.MaxFrameBytes)

	c := session.NewConn(n.registry.NewID(), ident, ws, session.Options{
		SendBuffer:   n.opts.SendBuffer,
		WriteTimeout: n.opts.WriteTimeout,
	}, n.logger)
	n.registry.Register(c)
	defer n.registry.Unregister(c.ID())
	c.Logger().Info("Client connected", "remote", r.RemoteAddr, "name", ident.DisplayName)

	go c.WritePump()
	c.ReadPump(r.Context(), n.router)
	c.Logger().Info("Client disconnected")
}

func (n *Node) checkOrigin(r *http.Request) bool {
	if len(n.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return slices.Contains(n.opts.AllowedOrigins, "*") || slices.Contains(n.opts.AllowedOrigins, origin)
}

type healthStatus struct {
	Status      string `json:"status"`
	Redis       string `json:"redis"`
	Directory   string `json:"directory"`
	Connections int    `json:"connections"`
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (n *Node) serveHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	h := healthStatus{Status: "ok", Redis: "ok", Directory: "ok", Connections: n.registry.Len()}
	code := http.StatusOK
	if err := n.rdb.Ping(ctx).Err(); err != nil {
		h.Status, h.Redis, code = "degraded", err.Error(), http.StatusServiceUnavailable
	}
	if p, ok := n.directory.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			h.Status, h.Directory, code = "degraded", err.Error(), http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, h, n.logger)
}

func (n *Node) serveReady(w http.ResponseWriter, _ *http.Request) {
	if !n.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"}, n.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, n.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Writing response failed", "error", err)
	}
}
