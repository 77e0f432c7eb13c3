// Package admin serves the local ops endpoints: liveness, readiness, post
// stats, and the Go pprof handlers.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"postbot/internal/poster"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Engine is the slice of the poster engine the admin API reads from.
type Engine interface {
	Ready(ctx context.Context) bool
	Stats(ctx context.Context) (poster.Stats, error)
	Scheduled(ctx context.Context) ([]storage.Post, error)
}

// Config controls the admin HTTP server.
//
// Binding beyond loopback requires either a token or AllowInsecure; the
// pprof handlers expose heap contents and must not face the open network
// unauthenticated.
type Config struct {
	Enabled       bool
	Addr          string // default 127.0.0.1:6060
	Token         string
	AllowInsecure bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	eng Engine
	ln  net.Listener
	srv *http.Server
}

func New(cfg Config, eng Engine, log logx.Logger) *Service {
	return &Service{cfg: cfg, eng: eng, log: log}
}

// Reconfigure applies cfg, starting, stopping or restarting the listener as
// needed. Safe to call from the hot-reload path.
func (s *Service) Reconfigure(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	running := s.srv != nil
	s.cfg = cfg
	s.mu.Unlock()

	switch {
	case !cfg.Enabled:
		if running {
			s.Stop(ctx)
		}
	case !running:
		s.Start(ctx)
	case prev != cfg:
		s.Stop(ctx)
		s.Start(ctx)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg

	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:6060"
	}
	if !isLoopbackAddr(addr) && cfg.Token == "" {
		if !cfg.AllowInsecure {
			s.log.Error("admin server refused to start: non-loopback addr requires token or allow_insecure",
				logx.String("addr", addr))
			return
		}
		s.log.Warn("admin server without token on non-loopback addr", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("admin listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	srv := &http.Server{
		Handler:      s.routes(cfg.Token),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second, // profile captures run long
		IdleTimeout:  time.Minute,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("admin server started",
		logx.String("addr", ln.Addr().String()), logx.Bool("token_set", cfg.Token != ""))
}

// Addr returns the bound listen address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, ln := s.srv, s.ln
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
	s.log.Info("admin server stopped")
}

func (s *Service) routes(token string) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(token, h) }

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if s.eng == nil || !s.eng.Ready(r.Context()) {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	mux.HandleFunc("/api/stats", auth(s.handleStats))
	mux.HandleFunc("/api/posts/scheduled", auth(s.handleScheduled))

	mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
	mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
	mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
	mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
	mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	return mux
}

func (s *Service) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.eng == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	st, err := s.eng.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, st)
}

func (s *Service) handleScheduled(w http.ResponseWriter, r *http.Request) {
	if s.eng == nil {
		http.Error(w, "engine unavailable", http.StatusServiceUnavailable)
		return
	}
	posts, err := s.eng.Scheduled(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if posts == nil {
		posts = []storage.Post{}
	}
	writeJSON(w, posts)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts either "Authorization: Bearer <token>" or ?token=<token>.
// An empty configured token disables the check.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) &&
			strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
