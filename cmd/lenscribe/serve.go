package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"lenscribe/internal/emitter"
	"lenscribe/internal/httpapi"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the pipeline behind the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.LogLevel)

			a, err := newApp(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			handler := httpapi.NewServer(cfg, logger, httpapi.Dependencies{
				Engine:         a.engine,
				Recognize:      a.single,
				Correction:     a.corrector,
				Cache:          a.cache,
				Upstream:       a.upstream,
				Metrics:        a.metrics,
				MetricsHandler: a.metrics.Handler(),
			})
			srv := &http.Server{
				Addr:              cfg.ListenAddr,
				Handler:           handler,
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       35 * time.Second,
				WriteTimeout:      cfg.RecognitionTimeout + cfg.CorrectionTimeout + 10*time.Second,
				IdleTimeout:       60 * time.Second,
			}

			var em *emitter.Emitter
			if cfg.MQTTBroker != "" {
				client, err := emitter.Dial(ctx, cfg.MQTTBroker, cfg.MQTTClientID, logger)
				if err != nil {
					return err
				}
				defer client.Disconnect(250)

				em, err = emitter.New(client, a.engine, emitter.Options{
					Topic:    cfg.MQTTTopic,
					QoS:      cfg.MQTTQoS,
					Encoding: cfg.MQTTEncoding,
					Interval: cfg.MQTTPollInterval,
					Retained: true,
				}, logger, a.metrics)
				if err != nil {
					return err
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return a.engine.Run(gctx)
			})
			g.Go(func() error {
				logger.Info("server starting", "addr", cfg.ListenAddr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("shutdown signal received")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})

			if em != nil {
				g.Go(func() error {
					return em.Run(gctx)
				})
			}

			if err := g.Wait(); err != nil {
				logger.Error("server exited", "error", err)
				return err
			}
			logger.Info("server stopped")
			return nil
		},
	}
}
