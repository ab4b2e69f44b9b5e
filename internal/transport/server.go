package transport

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/twelevegg/callcopilot/internal/health"
	"github.com/twelevegg/callcopilot/internal/observe"
	"github.com/twelevegg/callcopilot/pkg/types"
)

// ServerConfig wires the Server's collaborators and CORS policy.
type ServerConfig struct {
	AllowedOrigins []string
	HealthHandler  *health.Handler
	Metrics        *observe.Metrics
}

// Server exposes the Ingress, Monitor, and Notification WebSocket endpoints
// alongside the broadcast, health, and metrics HTTP surface (spec §6).
type Server struct {
	mux      *http.ServeMux
	monitors *ConnectionManager
	notifier *NotificationManager
	ingress  *Ingress
	origins  map[string]struct{}
}

// NewServer builds the HTTP mux for the whole transport surface.
func NewServer(cfg ServerConfig, ingress *Ingress, monitors *ConnectionManager, notifier *NotificationManager) *Server {
	origins := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		origins[o] = struct{}{}
	}

	s := &Server{
		mux:      http.NewServeMux(),
		monitors: monitors,
		notifier: notifier,
		ingress:  ingress,
		origins:  origins,
	}

	monitors.OnCallEnded(func(callID string) { ingress.endCall(callID) })
	monitors.OnOperatorBound(func(callID string, op types.Operator) {
		if ingress.store != nil {
			ingress.store.SetOperator(callID, op)
		}
	})

	// WebSocket upgrade endpoints bypass the observability middleware: it
	// wraps http.ResponseWriter in a type that doesn't forward the
	// http.Hijacker/http.Flusher interfaces the upgrade needs, and "request
	// duration" would otherwise measure the whole connection lifetime rather
	// than a single HTTP exchange.
	s.mux.Handle("/ws/ingress", ingress)
	s.mux.HandleFunc("/ws/monitor", s.handleMonitorUpgrade)
	s.mux.HandleFunc("/ws/notifications", s.handleNotificationUpgrade)

	broadcast := http.HandlerFunc(s.handleBroadcast)
	if cfg.Metrics != nil {
		s.mux.Handle("/broadcast", observe.Middleware(cfg.Metrics)(broadcast))
	} else {
		s.mux.Handle("/broadcast", broadcast)
	}
	s.mux.Handle("/metrics", promhttp.Handler())

	if cfg.HealthHandler != nil {
		cfg.HealthHandler.Register(s.mux)
	}

	return s
}

// ServeHTTP implements http.Handler, applying CORS headers (spec §6, CORS
// origins) ahead of routing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.applyCORS(w, r)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if _, ok := s.origins["*"]; ok {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		return
	}
	if _, ok := s.origins[origin]; ok {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-KEY")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	}
}

func (s *Server) acceptOptions() *websocket.AcceptOptions {
	return AcceptOptionsFromOrigins(s.allowedOrigins())
}

func (s *Server) allowedOrigins() []string {
	out := make([]string, 0, len(s.origins))
	for o := range s.origins {
		out = append(out, o)
	}
	return out
}

// AcceptOptionsFromOrigins builds the [websocket.AcceptOptions] used by every
// upgrade endpoint in this package from the configured CORS allow-list.
func AcceptOptionsFromOrigins(allowedOrigins []string) *websocket.AcceptOptions {
	opts := &websocket.AcceptOptions{}
	opts.OriginPatterns = append(opts.OriginPatterns, allowedOrigins...)
	return opts
}

func (s *Server) handleMonitorUpgrade(w http.ResponseWriter, r *http.Request) {
	callID := r.URL.Query().Get("callId")
	if callID == "" {
		callID = r.URL.Query().Get("call_id")
	}
	if callID == "" {
		http.Error(w, "missing callId", http.StatusBadRequest)
		return
	}
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	// start_time is the earlier of first monitor attach and first turn.
	if s.ingress.store != nil {
		s.ingress.store.MarkStarted(callID)
	}
	s.monitors.HandleConnection(r.Context(), conn, callID)
}

func (s *Server) handleNotificationUpgrade(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	conn, err := websocket.Accept(w, r, s.acceptOptions())
	if err != nil {
		return
	}
	s.notifier.HandleConnection(r.Context(), conn, userID)
}

// handleBroadcast forwards the JSON request body to the notification bus
// (spec §6: "forwards the JSON body to the notification bus").
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var evt NotificationEvent
	if err := json.NewDecoder(r.Body).Decode(&evt); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	s.notifier.Broadcast(evt)
	w.WriteHeader(http.StatusAccepted)
}
