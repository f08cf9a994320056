package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"attendance-service/internal/config"
	"attendance-service/internal/factory"
	"attendance-service/internal/util"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	defer util.Sync()

	if err := cfg.Validate(); err != nil {
		util.Fatal("Invalid configuration", util.ErrorField(err))
	}

	f, err := factory.NewFactory(cfg)
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	if err := run(ctx, f, cfg); err != nil {
		util.Error("Server stopped with error", util.ErrorField(err))
		f.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, f *factory.Factory, cfg *config.Config) error {
	router := f.Router()
	servers := buildServers(f, cfg, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		f.Run(gctx)
		return nil
	})

	for _, s := range servers {
		g.Go(func() error {
			util.Info("Starting server",
				util.String("address", s.srv.Addr),
				util.Bool("tls", s.tls),
				util.String("environment", cfg.Environment),
			)
			var err error
			if s.tls {
				err = s.srv.ListenAndServeTLS("", "")
			} else {
				err = s.srv.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("%s: %w", s.srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		util.Info("Shutdown signal received, draining connections")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, s := range servers {
			if err := s.srv.Shutdown(shutdownCtx); err != nil {
				util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
			}
		}
		return f.Close()
	})

	return g.Wait()
}

type server struct {
	srv *http.Server
	tls bool
}

// buildServers returns the API server and, with AutoCert in production,
// the port 80 ACME challenge server.
func buildServers(f *factory.Factory, cfg *config.Config, router http.Handler) []server {
	api := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if !cfg.Server.EnableTLS {
		util.Warn("Starting HTTP server - TLS is disabled", util.Int("port", cfg.Server.Port))
		return []server{{srv: api}}
	}

	tlsManager := f.TLSManager()
	api.Addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.TLSPort)
	api.TLSConfig = tlsManager.GetTLSConfig()
	servers := []server{{srv: api, tls: true}}

	if acme := tlsManager.GetAutocertManager(); acme != nil && cfg.IsProduction() {
		servers = append(servers, server{srv: &http.Server{
			Addr:              ":80",
			Handler:           acme.HTTPHandler(nil),
			ReadHeaderTimeout: 10 * time.Second,
		}})
	}
	return servers
}
