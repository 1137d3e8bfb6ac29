// Package server runs the long-lived serve mode: the worker pool that
// supervises queued runs plus the operational HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/api"
	"github.com/JakeFAU/crawl-supervisor/internal/app"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/worker"
)

// Server owns the worker pool and HTTP listener of one serve process.
type Server struct {
	app       *app.App
	logger    *zap.Logger
	worker    *worker.Worker
	apiServer *api.Server
	addr      string
	shutdown  time.Duration
}

// New wires a Server from the application container.
func New(a *app.App) *Server {
	cfg := a.Config()
	logger := a.Logger()
	return &Server{
		app:       a,
		logger:    logger,
		worker:    worker.New(a.Broker(), a.Jobs(), a.Supervisor(), cfg.Worker, logger, worker.WithObserver(metrics.Broker{})),
		apiServer: api.NewServer(a.Checks(), logger.Named("api")),
		addr:      fmt.Sprintf(":%d", cfg.Server.Port),
		shutdown:  cfg.Server.ShutdownTimeout,
	}
}

// WithAddr overrides the listen address.
func (s *Server) WithAddr(addr string) *Server {
	s.addr = addr
	return s
}

// Run starts the workers and the HTTP server and blocks until ctx is
// canceled or SIGINT/SIGTERM arrives. In-flight runs are aborted and
// recorded before Run returns.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.logger.Info("workers started", zap.Int("concurrency", s.app.Config().Worker.Concurrency))
		s.worker.Run(ctx)
	}()

	srv := &http.Server{
		Handler:           s.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		s.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	s.logger.Info("shutdown initiated")

	timeout := s.shutdown
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("server shutdown error", zap.Error(err))
	}

	wg.Wait()
	s.logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
