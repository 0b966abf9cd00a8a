// Package web is the simulator's local control surface: a small JSON API
// for status and manual telemetry triggers, plus a WebSocket stream of
// simulator events. It binds to localhost by default and is optional.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"trackersim/internal/session"
	"trackersim/internal/telemetry"
)

// Simulator is the slice of the telemetry engine the API drives.
type Simulator interface {
	Status() telemetry.Status
	Trigger(telemetry.Command)
}

// Link reports the MQTT session state for the status endpoint.
type Link interface {
	State() session.State
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication on /api/ routes.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithVersion sets the version string reported by /api/version.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the local HTTP server.
type Server struct {
	sim            Simulator
	link           Link
	deviceID       string
	wsHub          *WSHub
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	version        string
	wg             sync.WaitGroup
	unsubEvents    func()
}

// NewServer creates the server and starts broadcasting bus events to
// WebSocket clients. bus may be nil.
func NewServer(sim Simulator, link Link, bus *telemetry.EventBus, deviceID string, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		sim:      sim,
		link:     link,
		deviceID: deviceID,
		logger:   logger.With("component", "web"),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wsHub = NewWSHub(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.wsHub.Run()
	}()

	if bus != nil {
		s.unsubEvents = bus.OnAll(func(event telemetry.Event) {
			s.wsHub.Broadcast(event)
		})
	}

	s.routes()
	return s
}

// Stop unsubscribes from the event bus and shuts down the WebSocket hub.
func (s *Server) Stop() {
	if s.unsubEvents != nil {
		s.unsubEvents()
	}
	s.wsHub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/send/{kind}", s.handleSend)
	s.mux.HandleFunc("GET /api/version", s.handleVersion)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// statusResponse combines the engine snapshot with the session state.
type statusResponse struct {
	DeviceID string           `json:"device_id"`
	Session  string           `json:"session"`
	Engine   telemetry.Status `json:"engine"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		DeviceID: s.deviceID,
		Engine:   s.sim.Status(),
	}
	if s.link != nil {
		resp.Session = string(s.link.State())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// sendKinds maps the /api/send/{kind} path element to engine commands.
var sendKinds = map[string]telemetry.Command{
	"location": telemetry.CmdSendLocation,
	"temp":     telemetry.CmdSendTemp,
	"alert":    telemetry.CmdSendAlert,
	"count":    telemetry.CmdSendCount,
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	cmd, ok := sendKinds[kind]
	if !ok {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown kind " + kind})
		return
	}
	s.sim.Trigger(cmd)
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "kind": kind})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("write response", "err", err)
	}
}
