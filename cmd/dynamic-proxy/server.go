package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/fx"
	"golang.org/x/crypto/acme/autocert"

	"dynamic-proxy-go/internal/config"
)

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	var acmeSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}

			tlsCfg := &cfg.Server.TLS
			if tlsCfg.ACME.Enabled {
				manager := acmeManager(&tlsCfg.ACME)
				e.Server.TLSConfig = manager.TLSConfig()

				acmeSrv = &http.Server{
					Addr:              tlsCfg.ACME.HTTP01Addr,
					Handler:           manager.HTTPHandler(nil),
					ReadHeaderTimeout: e.Server.ReadHeaderTimeout,
				}
				go func() {
					if err := acmeSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("acme http server error", "err", err)
					}
				}()
				logger.Info("acme enabled", "domain", tlsCfg.ACME.Domain, "http01_addr", tlsCfg.ACME.HTTP01Addr)
			}

			logger.Info("starting server",
				"addr", addr,
				"mode", cfg.Proxy.Mode,
				"tls", tlsCfg.Enabled(),
				"cors_buffering", cfg.CORS.Enabled,
			)
			go func() {
				var err error
				switch {
				case tlsCfg.ACME.Enabled:
					err = e.Server.ServeTLS(ln, "", "")
				case tlsCfg.CertFile != "":
					err = e.Server.ServeTLS(ln, tlsCfg.CertFile, tlsCfg.KeyFile)
				default:
					err = e.Server.Serve(ln)
				}
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			if acmeSrv != nil {
				if err := acmeSrv.Shutdown(ctx); err != nil {
					logger.Warn("acme http server shutdown", "err", err)
				}
			}
			return e.Shutdown(ctx)
		},
	})
}

func acmeManager(cfg *config.ACMEConfig) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(cfg.Domain),
		Cache:      autocert.DirCache(cfg.CacheDir),
		Email:      cfg.Email,
	}
}
