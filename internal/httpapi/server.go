// Package httpapi exposes the gateway's HTTP surface: the Z-API webhook,
// the admin API, and the events WebSocket.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nutriflow/zapgate/internal/buffer"
	"github.com/nutriflow/zapgate/internal/bus"
	"github.com/nutriflow/zapgate/internal/config"
	"github.com/nutriflow/zapgate/internal/store"
)

// ReadMarker marks inbound messages as read on the channel. Best effort.
type ReadMarker interface {
	MarkRead(ctx context.Context, phone, messageID string) error
}

// Server hosts the webhook and admin endpoints.
type Server struct {
	cfg         config.GatewayConfig
	stores      *store.Stores
	manager     *buffer.Manager
	events      bus.Publisher
	marker      ReadMarker
	rateLimiter *WebhookRateLimiter

	// allowFrom holds normalized sender phones; nil means open intake.
	// Guarded separately so config hot-reload can swap it live.
	allowMu   sync.RWMutex
	allowFrom map[string]struct{}

	httpServer *http.Server
}

// NewServer wires the HTTP surface. marker may be nil.
func NewServer(cfg config.GatewayConfig, stores *store.Stores, manager *buffer.Manager,
	events bus.Publisher, marker ReadMarker) *Server {
	s := &Server{
		cfg:         cfg,
		stores:      stores,
		manager:     manager,
		events:      events,
		marker:      marker,
		rateLimiter: NewWebhookRateLimiter(cfg.RateLimitRPM),
	}
	s.UpdateAllowFrom(cfg.AllowFrom)
	return s
}

// UpdateAllowFrom replaces the sender allowlist. Safe to call while serving;
// config hot-reload uses it.
func (s *Server) UpdateAllowFrom(phones []string) {
	var allow map[string]struct{}
	if len(phones) > 0 {
		allow = make(map[string]struct{}, len(phones))
		for _, p := range phones {
			if n := buffer.NormalizePhone(p); n != "" {
				allow[n] = struct{}{}
			}
		}
	}
	s.allowMu.Lock()
	s.allowFrom = allow
	s.allowMu.Unlock()
}

// senderAllowed checks a normalized phone against the allowlist.
func (s *Server) senderAllowed(phone string) bool {
	s.allowMu.RLock()
	defer s.allowMu.RUnlock()
	if s.allowFrom == nil {
		return true
	}
	_, ok := s.allowFrom[phone]
	return ok
}

// Routes builds the full route table.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("GET /v1/buffers", s.authMiddleware(s.handleListBuffers))
	mux.HandleFunc("POST /v1/buffers/{phone}/unlock", s.authMiddleware(s.handleUnlockBuffer))
	mux.HandleFunc("POST /v1/buffers/{phone}/flush", s.authMiddleware(s.handleFlushBuffer))
	mux.HandleFunc("GET /v1/alerts", s.authMiddleware(s.handleListAlerts))
	mux.HandleFunc("GET /v1/stats", s.authMiddleware(s.handleStats))
	mux.HandleFunc("GET /v1/interactions", s.authMiddleware(s.handleListInteractions))
	mux.HandleFunc("GET /v1/contacts", s.authMiddleware(s.handleListContacts))
	mux.HandleFunc("POST /v1/contacts/{phone}/convert", s.authMiddleware(s.handleConvertContact))
	mux.HandleFunc("POST /v1/contacts/{phone}/escalate", s.authMiddleware(s.handleEscalateContact))
	mux.HandleFunc("GET /v1/events", s.authMiddleware(s.handleEvents))

	return mux
}

// Start begins serving and blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("http server listening", "addr", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authMiddleware requires the admin bearer token on /v1 routes. With no
// token configured the admin API is disabled entirely rather than open.
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin API disabled: no admin token configured"})
			return
		}
		if extractBearerToken(r) != s.cfg.AdminToken {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
