// Package gateway exposes the dispatcher over HTTP and gRPC.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/haasonsaas/taskgate/internal/auth"
	"github.com/haasonsaas/taskgate/internal/dispatch"
	"github.com/haasonsaas/taskgate/internal/jobs"
	"github.com/haasonsaas/taskgate/internal/ledger"
	"github.com/haasonsaas/taskgate/internal/observability"
)

// Config holds listener settings.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// MetricsHandler serves /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler

	// Finished fallback jobs older than JobRetention are pruned every
	// PruneInterval. Either at zero disables pruning.
	JobStore      jobs.Store
	JobRetention  time.Duration
	PruneInterval time.Duration

	// RunWatchInterval is how often WatchRun polls the run store.
	RunWatchInterval time.Duration
}

// Server is the dispatch gateway.
type Server struct {
	config     Config
	dispatcher *dispatch.Dispatcher
	gate       *ledger.Gate
	auth       *auth.Service
	metrics    *observability.Metrics
	logger     *slog.Logger
	startTime  time.Time

	wg           sync.WaitGroup
	cancel       context.CancelFunc
	mu           sync.Mutex
	httpServer   *http.Server
	httpListener net.Listener
	grpc         *grpc.Server
	health       *health.Server
}

// NewServer wires the HTTP router and the gRPC server.
func NewServer(cfg Config, dispatcher *dispatch.Dispatcher, gate *ledger.Gate, authService *auth.Service, metrics *observability.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "gateway")

	s := &Server{
		config:     cfg,
		dispatcher: dispatcher,
		gate:       gate,
		auth:       authService,
		metrics:    metrics,
		logger:     logger,
		health:     health.NewServer(),
	}
	s.grpc = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			loggingInterceptor(logger),
			skipHealth(auth.UnaryInterceptor(authService, logger)),
		),
		grpc.ChainStreamInterceptor(
			streamLoggingInterceptor(logger),
			skipHealthStream(auth.StreamInterceptor(authService, logger)),
		),
	)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.grpc.RegisterService(&dispatchServiceDesc, newGRPCService(dispatcher, cfg.RunWatchInterval, logger))
	return s
}

// Start opens the listeners and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	if err := s.startGRPCServer(); err != nil {
		s.stopHTTPServer(ctx)
		return fmt.Errorf("start grpc server: %w", err)
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	bgCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.startJobPruning(bgCtx)
	return nil
}

// startJobPruning periodically removes finished fallback jobs.
func (s *Server) startJobPruning(ctx context.Context) {
	store := s.config.JobStore
	retention := s.config.JobRetention
	interval := s.config.PruneInterval
	if store == nil || retention <= 0 || interval <= 0 {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pruned, err := store.Prune(ctx, retention)
				if err != nil {
					s.logger.Error("job pruning failed", "error", err)
				} else if pruned > 0 {
					s.logger.Info("pruned old jobs", "count", pruned)
				}
			}
		}
	}()
}

func (s *Server) startHTTPServer() error {
	if s.config.HTTPAddr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	s.mu.Lock()
	s.httpServer = server
	s.httpListener = listener
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()
	s.logger.Info("starting http server", "addr", listener.Addr().String())
	return nil
}

func (s *Server) startGRPCServer() error {
	if s.config.GRPCAddr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	go func() {
		if err := s.grpc.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("grpc server error", "error", err)
		}
	}()
	s.logger.Info("starting gRPC server", "addr", listener.Addr().String())
	return nil
}

// HTTPAddr returns the bound HTTP address, or "" before Start.
func (s *Server) HTTPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// Stop drains both servers.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server", "uptime", time.Since(s.startTime).String())
	s.health.Shutdown()

	shutdownCtx := ctx
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.grpc.Stop()
	}
	s.stopHTTPServer(shutdownCtx)

	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) stopHTTPServer(ctx context.Context) {
	s.mu.Lock()
	server := s.httpServer
	s.httpServer = nil
	s.httpListener = nil
	s.mu.Unlock()
	if server == nil {
		return
	}
	if err := server.Shutdown(ctx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
}
