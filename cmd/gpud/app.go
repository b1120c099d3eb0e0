package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"

	"github.com/fxnlabs/gpucmd/internal/api"
	"github.com/fxnlabs/gpucmd/internal/config"
	"github.com/fxnlabs/gpucmd/internal/device"
	"github.com/fxnlabs/gpucmd/internal/gpu"
	"github.com/fxnlabs/gpucmd/internal/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// appOptions wires the daemon: backend, engine and HTTP server, each tied
// to the fx lifecycle.
func appOptions(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newBackendManager,
			newEngine,
			newServer,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(func(*server) {}),
	)
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zapLogger, err := logger.New(cfg.Logger.Verbosity)
	if err != nil {
		return nil, err
	}
	return zapLogger.Named("gpud"), nil
}

func newBackendManager(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (*gpu.Manager, error) {
	manager, err := gpu.NewManager(cfg.Backend.Kind, gpu.SimConfig{
		Queues:      cfg.Engine.NumQueues,
		MemoryLimit: cfg.Backend.MemoryLimit,
	}, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return manager.Cleanup()
		},
	})
	return manager, nil
}

func newEngine(lc fx.Lifecycle, manager *gpu.Manager, cfg *config.Config, log *zap.Logger) (*device.Engine, error) {
	engine, err := device.New(manager.GetBackend(), device.ConfigFrom(cfg), log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			// The start context expires once startup completes.
			engine.Start(context.Background())
			return nil
		},
		OnStop: func(context.Context) error {
			return engine.Close()
		},
	})
	return engine, nil
}

type server struct {
	http     *http.Server
	listener net.Listener
}

// Addr returns the address the server listens on once started.
func (s *server) Addr() string {
	if s.listener == nil {
		return s.http.Addr
	}
	return s.listener.Addr().String()
}

func newServer(lc fx.Lifecycle, engine *device.Engine, cfg *config.Config, log *zap.Logger) *server {
	mux := http.NewServeMux()
	api.NewHandler(engine, cfg.Server.WaitTimeout, log).Register(mux)
	if cfg.MetricsEnabled() {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	s := &server{
		http: &http.Server{
			Addr:    net.JoinHostPort(cfg.Server.ListenAddress, strconv.Itoa(cfg.Server.ListenPort)),
			Handler: mux,
		},
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", s.http.Addr)
			if err != nil {
				return err
			}
			s.listener = ln
			log.Info("Starting server", zap.String("address", s.Addr()))
			go func() {
				if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("Server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return s.http.Shutdown(ctx)
		},
	})
	return s
}
