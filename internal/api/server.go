// Package api serves the enqueue, status and admin HTTP API.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	rtsup "payrelay/internal/runtime/supervisor"
	logx "payrelay/pkg/logx"
)

// Config controls the HTTP listener.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:8080"

type Server struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	backend Backend

	ln   net.Listener
	srv  *http.Server
	sup  *rtsup.Supervisor
	addr string
}

func New(cfg Config, backend Backend, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	return &Server{cfg: cfg, backend: backend, log: log.Named("api")}
}

// Addr reports the actual listen address while running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Start binds the listener and serves under a restart loop. It fails fast
// on an insecure bind or when the address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cfg := s.cfg
	if !cfg.AllowInsecure && cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		return fmt.Errorf("api refused to start: non-loopback addr %s requires token or allow_insecure", cfg.Addr)
	}
	if cfg.Token == "" && !isLoopbackAddr(cfg.Addr) {
		s.log.Warn("api running without token on non-loopback addr (insecure)", logx.String("addr", cfg.Addr))
	}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", cfg.Addr, err)
	}
	s.ln = ln
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup := s.sup

	sup.GoRestart("http.serve", s.serveOnce,
		rtsup.WithPublishFirstError(true),
		rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)
	s.log.Info("api started", logx.String("addr", s.addr), logx.Bool("token_set", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	return nil
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	cfg, ln := s.cfg, s.ln
	if ctx.Err() != nil {
		// Stopped before the first serve.
		if ln != nil {
			_ = ln.Close()
			s.ln = nil
		}
		s.mu.Unlock()
		return context.Canceled
	}
	if ln == nil {
		// A previous Serve closed the listener; bind again.
		var err error
		if ln, err = net.Listen("tcp", cfg.Addr); err != nil {
			s.mu.Unlock()
			return err
		}
		s.ln = ln
		s.addr = ln.Addr().String()
	}
	srv := &http.Server{
		Handler:      s.routes(cfg),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv, s.ln = nil, nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("api server exited unexpectedly")
	}
	return err
}

// Stop shuts the server down gracefully within ctx.
func (s *Server) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	// Cancel first so serveOnce sees a clean exit instead of restarting.
	sup.Cancel()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("api shutdown", logx.Err(err))
			_ = srv.Close()
		}
	}
	_ = sup.Stop(ctx)
	s.log.Info("api stopped")
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// Empty host means all interfaces.
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
