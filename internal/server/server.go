package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/avolkov/drafthorse/internal/engine"
	"github.com/avolkov/drafthorse/internal/store"
)

// Server is the Progress/Approval API: plan submission, status polling,
// event streaming, and escalation gate decisions.
type Server struct {
	config   engine.Config
	store    *store.Store
	engine   *engine.Engine
	registry *BuildRegistry
	baseCtx  context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
	logger   *log.Logger
}

// New creates a Server over an opened store.
func New(cfg engine.Config, st *store.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:   cfg,
		store:    st,
		registry: NewBuildRegistry(),
		baseCtx:  ctx,
		cancel:   cancel,
		logger:   log.New(os.Stderr, "[drafthorse] ", log.LstdFlags),
	}
	s.engine = engine.New(st, cfg)
	s.engine.Sink = s.broadcast

	mux := http.NewServeMux()

	// Go 1.22+ method+pattern routing.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /builds", s.handleSubmitBuild)
	mux.HandleFunc("GET /builds/{id}", s.handleGetBuild)
	mux.HandleFunc("GET /builds/{id}/events", s.handleBuildEvents)
	mux.HandleFunc("POST /builds/{id}/cancel", s.handleCancelBuild)
	mux.HandleFunc("GET /builds/{id}/gates", s.handleListGates)
	mux.HandleFunc("POST /gates/{id}/approve", s.handleApproveGate)
	mux.HandleFunc("POST /gates/{id}/reject", s.handleRejectGate)

	s.httpSrv = &http.Server{
		Handler:      csrfProtect(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE requires no write timeout
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	return s
}

// ListenAndServe starts the server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		s.logger.Printf("received %s, shutting down...", sig)
		s.Shutdown()
	}()

	s.logger.Printf("listening on %s", s.config.Addr)
	s.httpSrv.Addr = s.config.Addr
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// csrfProtect rejects cross-origin POST requests. Browsers set the Origin
// header on cross-origin requests, so checking it blocks CSRF from remote
// pages while allowing CLI callers, which omit Origin or point it locally.
func csrfProtect(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			origin := r.Header.Get("Origin")
			if origin != "" {
				u, err := url.Parse(origin)
				if err != nil {
					http.Error(w, `{"error":"invalid Origin header"}`, http.StatusForbidden)
					return
				}
				host := u.Hostname()
				if host != "localhost" && host != "127.0.0.1" && host != "::1" {
					http.Error(w, `{"error":"cross-origin request blocked"}`, http.StatusForbidden)
					return
				}
			}
		}
		next.ServeHTTP(w, r)
	})
}

// Shutdown gracefully stops the server and cancels running builds; their
// in-flight nodes finish or checkpoint before the builds mark cancelled.
func (s *Server) Shutdown() {
	s.registry.CancelAll("server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	_ = s.httpSrv.Shutdown(shutdownCtx)

	s.cancel()
}

// broadcast is the engine's event sink: fan live events out to any SSE
// clients of this build. Durable persistence already happened in the store.
func (s *Server) broadcast(buildID string, event map[string]any) {
	if bs, ok := s.registry.Get(buildID); ok && bs.Broadcaster != nil {
		bs.Broadcaster.Send(event)
	}
}
