package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrymomot/billing/pkg/logger"
)

// Worker runs next to the server until ctx is canceled. Returning an error
// other than ctx.Err() shuts the server down.
type Worker func(ctx context.Context) error

type namedWorker struct {
	name string
	run  Worker
}

// Server is an http.Server with signal handling, graceful shutdown and
// background workers that share its lifetime.
type Server struct {
	cfg     Config
	log     *slog.Logger
	workers []namedWorker
	ready   chan net.Addr
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// WithWorker runs w for as long as the server runs.
func WithWorker(name string, w Worker) Option {
	if w == nil {
		panic("httpserver: nil worker")
	}
	return func(s *Server) { s.workers = append(s.workers, namedWorker{name: name, run: w}) }
}

// New creates a Server from cfg.
func New(cfg Config, opts ...Option) *Server {
	s := &Server{cfg: cfg.withDefaults(), log: logger.Discard(), ready: make(chan net.Addr, 1)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready yields the listening address once the server accepts connections.
func (s *Server) Ready() <-chan net.Addr {
	return s.ready
}

// Run serves handler until ctx is canceled, SIGINT or SIGTERM arrives, or a
// worker fails. In-flight requests get ShutdownTimeout to finish.
func (s *Server) Run(ctx context.Context, handler http.Handler) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Join(ErrStart, err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.InfoContext(ctx, "http server started", slog.String("addr", ln.Addr().String()))
		s.ready <- ln.Addr()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Join(ErrStart, err)
		}
		return nil
	})
	for _, w := range s.workers {
		g.Go(func() error {
			s.log.InfoContext(gctx, "worker started", slog.String("worker", w.name))
			err := w.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return errors.Join(ErrWorker, fmt.Errorf("%s: %w", w.name, err))
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
		defer cancel()
		s.log.InfoContext(shutdownCtx, "http server shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return errors.Join(ErrShutdown, err)
		}
		return nil
	})

	err = g.Wait()
	if err != nil {
		s.log.ErrorContext(context.WithoutCancel(ctx), "http server stopped", logger.Error(err))
		return err
	}
	s.log.InfoContext(context.WithoutCancel(ctx), "http server stopped")
	return nil
}

// Every returns a Worker that calls fn once per interval. Failures are
// logged and the next tick runs as usual.
func Every(interval time.Duration, log *slog.Logger, fn func(ctx context.Context) error) Worker {
	if interval <= 0 {
		panic("httpserver: interval must be positive")
	}
	return func(ctx context.Context) error {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if err := fn(ctx); err != nil && ctx.Err() == nil {
					log.ErrorContext(ctx, "periodic job failed", logger.Error(err))
				}
			}
		}
	}
}
