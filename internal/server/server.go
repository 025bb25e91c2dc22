// Package server exposes the operator-facing HTTP surface: kill-switch
// control, health and metrics snapshots. It carries no trading logic of its
// own; every handler delegates to the core runtime's components.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/tradecore/internal/health"
	"github.com/aristath/tradecore/internal/marketdata"
	"github.com/aristath/tradecore/internal/risk"
	"github.com/aristath/tradecore/internal/session"
	"github.com/aristath/tradecore/internal/tokencrypt"
)

// SessionStore is the subset of store.Store session registration needs.
type SessionStore interface {
	SaveSession(ctx context.Context, accountID, value string) error
}

// SessionEstablisher is the subset of *session.Manager session registration
// needs to bring a newly-registered account online immediately rather than
// waiting for the next process restart.
type SessionEstablisher interface {
	GetOrCreate(ctx context.Context, token, accountID string) (*session.Session, error)
}

// Config configures the admin HTTP server.
type Config struct {
	Log            zerolog.Logger
	Port           int
	DevMode        bool
	AdminToken     string
	RiskMgr        *risk.Manager
	HealthMon      *health.Monitor
	MarketDataMgr  *marketdata.Manager
	SessionStore   SessionStore
	SessionMgr     SessionEstablisher
	TokenSealer    *tokencrypt.Sealer
}

// Server is the thin operator HTTP surface in front of the trading runtime.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	log         zerolog.Logger
	adminToken  string
	riskMgr     *risk.Manager
	healthMon   *health.Monitor
	marketdataMgr *marketdata.Manager
	sessionStore  SessionStore
	sessionMgr    SessionEstablisher
	tokenSealer   *tokencrypt.Sealer
}

// New builds a Server and wires its routes; call ListenAndServe to start it.
func New(cfg Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		log:           cfg.Log.With().Str("component", "admin_server").Logger(),
		adminToken:    cfg.AdminToken,
		riskMgr:       cfg.RiskMgr,
		healthMon:     cfg.HealthMon,
		marketdataMgr: cfg.MarketDataMgr,
		sessionStore:  cfg.SessionStore,
		sessionMgr:    cfg.SessionMgr,
		tokenSealer:   cfg.TokenSealer,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdminToken)
		r.Post("/kill-switch/{accountID}/activate", s.handleKillSwitchActivate)
		r.Post("/kill-switch/{accountID}/clear", s.handleKillSwitchClear)
		r.Get("/kill-switch/{accountID}", s.handleKillSwitchStatus)
		r.Get("/metrics/{accountID}", s.handleMetrics)
		r.Get("/marketdata/{accountID}/{symbol}", s.handleMarketData)
		r.Post("/sessions/{accountID}", s.handleSessionRegister)
	})
}

// requireAdminToken rejects admin requests unless they carry the configured
// bearer token, compared in constant time to avoid a timing oracle.
func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.Error(w, "admin surface disabled", http.StatusServiceUnavailable)
			return
		}
		got := r.Header.Get("Authorization")
		want := "Bearer " + s.adminToken
		if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.healthMon.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"components": snapshot,
		"resources":  s.healthMon.LastSample(),
	})
}

func (s *Server) handleKillSwitchActivate(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Reason == "" {
		body.Reason = "manual_halt"
	}
	s.riskMgr.Trigger(accountID, body.Reason, true)
	s.log.Warn().Str("account_id", accountID).Str("reason", body.Reason).Msg("kill switch activated via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "active": true})
}

func (s *Server) handleKillSwitchClear(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	s.riskMgr.Clear(accountID)
	s.log.Info().Str("account_id", accountID).Msg("kill switch cleared via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "active": false})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	writeJSON(w, http.StatusOK, s.riskMgr.Snapshot(accountID))
}

func (s *Server) handleMarketData(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	symbol := chi.URLParam(r, "symbol")
	snap, ok := s.marketdataMgr.Snapshot(accountID, symbol)
	if !ok {
		http.Error(w, "no market data for account/symbol", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSessionRegister seals a freshly-issued bearer token for at-rest
// storage and, unless the upstream socket is already up for this account,
// establishes it immediately so the account doesn't have to wait for a
// process restart to start trading.
func (s *Server) handleSessionRegister(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}
	if s.tokenSealer == nil || s.sessionStore == nil || s.sessionMgr == nil {
		http.Error(w, "session registration not configured", http.StatusServiceUnavailable)
		return
	}

	sealed, err := s.tokenSealer.Seal(body.Token)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("failed to seal session token")
		http.Error(w, "failed to seal token", http.StatusInternalServerError)
		return
	}
	if err := s.sessionStore.SaveSession(r.Context(), accountID, sealed); err != nil {
		s.log.Error().Err(err).Str("account_id", accountID).Msg("failed to persist session")
		http.Error(w, "failed to persist session", http.StatusInternalServerError)
		return
	}
	if _, err := s.sessionMgr.GetOrCreate(r.Context(), body.Token, accountID); err != nil {
		s.log.Warn().Err(err).Str("account_id", accountID).Msg("session persisted but could not connect immediately")
		writeJSON(w, http.StatusAccepted, map[string]any{"account_id": accountID, "connected": false})
		return
	}
	s.log.Info().Str("account_id", accountID).Msg("session registered via admin API")
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "connected": true})
}

func (s *Server) handleKillSwitchStatus(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	writeJSON(w, http.StatusOK, map[string]any{"account_id": accountID, "active": s.riskMgr.IsActive(accountID)})
}

// ListenAndServe starts the HTTP server. It blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("admin server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("admin server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
