package webserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zsprackett/pi-control/internal/db"
	"github.com/zsprackett/pi-control/internal/events"
	"github.com/zsprackett/pi-control/internal/relay"
)

type TLSConfig struct {
	Mode     string
	Domain   string
	CertFile string
	KeyFile  string
	CacheDir string
	// HTTPAddr is where the ACME HTTP-01 challenge listener runs in autocert
	// mode. Defaults to ":80".
	HTTPAddr string
}

type Config struct {
	Port           int
	Host           string
	TLS            TLSConfig
	AllowedOrigins []string
	JWTSecret      string
	TokenTTL       time.Duration
	// MaxMessageBytes caps a single inbound websocket frame.
	MaxMessageBytes int64
}

// Relay is the event router the server feeds. Implemented by *relay.Relay.
type Relay interface {
	Connect(ctx context.Context, p relay.Peer) error
	Disconnect(ctx context.Context, p relay.Peer) error
	Dispatch(ctx context.Context, p relay.Peer, e events.Event) error
	Snapshot(ctx context.Context) (relay.Snapshot, error)
	Catalog() relay.Catalog
}

// AuditReader lists recorded privileged actions. Implemented by *db.DB.
type AuditReader interface {
	ListAuditEvents(limit int) ([]db.AuditEvent, error)
}

type Server struct {
	relay    Relay
	auth     *relay.Authenticator
	audit    AuditReader
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New builds a Server. audit may be nil when the audit log is disabled.
func New(r Relay, auth *relay.Authenticator, audit AuditReader, cfg Config, logger *slog.Logger) *Server {
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = 12 * time.Hour
	}
	if cfg.MaxMessageBytes == 0 {
		cfg.MaxMessageBytes = 64 * 1024
	}
	return &Server{
		relay:    r,
		auth:     auth,
		audit:    audit,
		cfg:      cfg,
		upgrader: makeUpgrader(cfg.AllowedOrigins),
		logger:   logger.With("component", "webserver"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSocket)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.Handle("GET /api/state", s.requireToken(http.HandlerFunc(s.handleState)))
	mux.Handle("GET /api/catalog", s.requireToken(http.HandlerFunc(s.handleCatalog)))
	mux.Handle("GET /api/audit", s.requireToken(http.HandlerFunc(s.handleAudit)))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /", http.FileServer(staticFiles()))
	return mux
}

// Serve listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	tlsCfg, challenge, err := tlsConfig(s.cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	var acmeSrv *http.Server
	if challenge != nil {
		acmeAddr := s.cfg.TLS.HTTPAddr
		if acmeAddr == "" {
			acmeAddr = ":80"
		}
		acmeSrv = &http.Server{Addr: acmeAddr, Handler: challenge, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("acme challenge listener: %w", err)
			}
		}()
		s.logger.Info("acme challenge listener", "addr", acmeAddr)
	}
	go func() {
		var err error
		if tlsCfg != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("listening", "addr", addr, "tls", s.cfg.TLS.Mode)

	var serveErr error
	select {
	case serveErr = <-errCh:
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if acmeSrv != nil {
		acmeSrv.Shutdown(shutdownCtx)
	}
	if err := srv.Shutdown(shutdownCtx); serveErr == nil {
		serveErr = err
	}
	return serveErr
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	snap, err := s.relay.Snapshot(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, snap)
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"tasks": s.relay.Catalog()})
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit log disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, 500)
	}
	evts, err := s.audit.ListAuditEvents(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.logger.Info("audit log read", "subject", subjectFrom(r.Context()), "remote", r.RemoteAddr, "count", len(evts))
	writeJSON(w, map[string]any{"events": evts})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.relay.Snapshot(r.Context())
	if err != nil {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "deviceOnline": snap.Online})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
