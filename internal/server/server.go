// Package server exposes the registry's query surface and command surface
// over HTTP/WebSocket, gated by pairing-issued bearer tokens.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/loppo-llc/tether/internal/auth"
	"github.com/loppo-llc/tether/internal/devicestore"
	"github.com/loppo-llc/tether/internal/notify"
	"github.com/loppo-llc/tether/internal/registry"
	"github.com/loppo-llc/tether/internal/tmux"
)

type Server struct {
	registry *registry.Registry
	probe    *tmux.Probe
	auth     *auth.Manager
	notify   *notify.Manager
	devices  *devicestore.Store
	logger   *slog.Logger
	httpSrv  *http.Server
	version  string
}

type Config struct {
	Addr          string
	Logger        *slog.Logger
	Version       string
	Registry      *registry.Registry
	Probe         *tmux.Probe
	Auth          *auth.Manager
	NotifyManager *notify.Manager
	Devices       *devicestore.Store
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		registry: cfg.Registry,
		probe:    cfg.Probe,
		auth:     cfg.Auth,
		notify:   cfg.NotifyManager,
		devices:  cfg.Devices,
		logger:   logger,
		version:  cfg.Version,
	}

	mux := http.NewServeMux()

	// The pairing routes are the only unauthenticated ones.
	mux.HandleFunc("POST /api/v1/pair", s.handlePair)
	mux.HandleFunc("GET /api/v1/pair/qr", s.handlePairQR)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/info", s.handleInfo)
	protected.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	protected.HandleFunc("GET /api/v1/sessions/{id}/messages", s.handleGetMessages)
	protected.HandleFunc("GET /api/v1/sessions/{id}/status", s.handleGetStatus)
	protected.HandleFunc("GET /api/v1/sessions/{id}/chain", s.handleGetConversationChain)
	protected.HandleFunc("GET /api/v1/summary", s.handleGetServerSummary)
	protected.HandleFunc("GET /api/v1/conversations/{uuid}/session", s.handleGetTmuxSessionForConversation)
	protected.HandleFunc("GET /api/v1/active", s.handleGetActiveConversation)
	protected.HandleFunc("POST /api/v1/active/{name}", s.handleSetActiveSession)
	protected.HandleFunc("DELETE /api/v1/active", s.handleClearActiveSession)
	protected.HandleFunc("POST /api/v1/sessions/{id}/new", s.handleMarkSessionAsNew)
	protected.HandleFunc("POST /api/v1/sessions/{id}/input", s.handleInjectInput)
	protected.HandleFunc("POST /api/v1/sessions/{id}/check-pending", s.handleCheckPendingApproval)
	protected.HandleFunc("GET /api/v1/ws", s.handleWebSocket)

	protected.HandleFunc("GET /api/v1/push/vapid", s.handleVAPIDKey)
	protected.HandleFunc("POST /api/v1/push/subscribe", s.handlePushSubscribe)
	protected.HandleFunc("POST /api/v1/push/unsubscribe", s.handlePushUnsubscribe)

	mux.Handle("/api/v1/", s.auth.Middleware(protected))

	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) ServeTLS(ln net.Listener, certFile, keyFile string) error {
	s.logger.Info("server started (TLS)", "addr", ln.Addr().String())
	return s.httpSrv.ServeTLS(ln, certFile, keyFile)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	if s.devices != nil {
		s.devices.Close()
	}
	return s.httpSrv.Shutdown(ctx)
}

// --- Pairing ---

func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code     string `json:"code"`
		DeviceID string `json:"deviceId"`
		Label    string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if !s.auth.VerifyCode(req.Code) {
		writeError(w, http.StatusUnauthorized, "invalid_code", "pairing code did not verify")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "deviceId is required")
		return
	}

	token, err := s.auth.IssueToken(req.DeviceID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to issue token")
		return
	}
	if s.devices != nil {
		if err := s.devices.UpsertDevice(req.DeviceID, req.Label); err != nil {
			s.logger.Warn("failed to persist paired device", "err", err)
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"token": token})
}

func (s *Server) handlePairQR(w http.ResponseWriter, r *http.Request) {
	png, err := auth.PairingQRPNG(s.auth.PairingURL())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to render qr code")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(png)
}

// --- Query surface ---

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"version": s.version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"sessions": s.registry.ListSessions()})
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSONResponse(w, http.StatusOK, map[string]any{"messages": s.registry.GetMessages(id)})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	status, ok := s.registry.GetStatus(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no status for session: "+id)
		return
	}
	writeJSONResponse(w, http.StatusOK, status)
}

func (s *Server) handleGetConversationChain(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSONResponse(w, http.StatusOK, map[string]any{"chain": s.registry.GetConversationChain(id)})
}

func (s *Server) handleGetServerSummary(w http.ResponseWriter, r *http.Request) {
	var filter []string
	if raw := r.URL.Query().Get("tmux"); raw != "" {
		filter = strings.Split(raw, ",")
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"summary": s.registry.GetServerSummary(filter)})
}

func (s *Server) handleGetTmuxSessionForConversation(w http.ResponseWriter, r *http.Request) {
	uuid := r.PathValue("uuid")
	name, ok := s.registry.GetTmuxSessionForConversation(uuid)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no session mapped to conversation: "+uuid)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"session": name})
}

func (s *Server) handleGetActiveConversation(w http.ResponseWriter, r *http.Request) {
	convID, ok := s.registry.GetActiveConversation()
	if !ok {
		writeJSONResponse(w, http.StatusOK, map[string]any{"conversationId": nil})
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"conversationId": convID})
}

// --- Command surface ---

func (s *Server) handleSetActiveSession(w http.ResponseWriter, r *http.Request) {
	s.registry.SetActiveSession(r.PathValue("name"))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleClearActiveSession(w http.ResponseWriter, r *http.Request) {
	s.registry.ClearActiveSession()
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMarkSessionAsNew(w http.ResponseWriter, r *http.Request) {
	s.registry.MarkSessionAsNew(r.PathValue("id"))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCheckPendingApproval(w http.ResponseWriter, r *http.Request) {
	s.registry.CheckAndEmitPendingApproval(r.PathValue("id"))
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInjectInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if s.probe == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "tmux control not configured")
		return
	}
	if err := s.probe.SendKeys(id, req.Text); err != nil {
		writeError(w, http.StatusBadGateway, "tmux_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Web Push ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.notify.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.notify.Subscribe(&sub)
	if s.devices != nil {
		if deviceID, ok := auth.DeviceIDFromContext(r.Context()); ok {
			_ = s.devices.SaveSubscription(devicestore.Subscription{
				DeviceID: deviceID,
				Endpoint: sub.Endpoint,
				P256dh:   sub.Keys.P256dh,
				Auth:     sub.Keys.Auth,
			})
		}
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.notify == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.notify.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- Helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

