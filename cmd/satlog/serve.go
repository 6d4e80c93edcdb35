package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/satlog/internal/envelope"
	"github.com/mohammad-safakhou/satlog/internal/eventlog"
	"github.com/mohammad-safakhou/satlog/internal/ingest"
	"github.com/mohammad-safakhou/satlog/internal/runtime"
	srv "github.com/mohammad-safakhou/satlog/internal/server"
)

var version = "dev"

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var noConsumer bool
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the ingest consumer",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := runtime.SignalContext(cmd.Context(), nil)
			defer cancel()

			a, err := openApp(ctx, *cfgPath, "satlog")
			if err != nil {
				return err
			}
			defer a.Close()
			cfg := a.cfg
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}

			tel, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{ServiceVersion: version})
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
				defer done()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					a.logger.Warn("telemetry shutdown", "err", err)
				}
			}()

			el, err := eventlog.Open(ctx, cfg.EventLog, a.rdb)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer el.Close()

			engine, err := a.engine()
			if err != nil {
				return err
			}
			validator := envelope.NewValidator(cfg.Ingest.RedactionMode, cfg.Ingest.MaxPayloadBytes)
			auth, err := runtime.NewAuthenticator(cfg.Server)
			if err != nil {
				return err
			}

			health := ingest.NewHealth(cfg.Ingest.UnhealthyAfter)
			consumer := ingest.NewConsumer(el.Consumer, a.store, engine, validator,
				ingest.WithLogger(a.logger.WithPrefix("ingest")),
				ingest.WithTracer(tracer),
				ingest.WithRetry(cfg.Ingest.RetryInitial, cfg.Ingest.RetryMax),
				ingest.WithHealth(health),
			)

			e := srv.New(srv.Deps{
				Config:    cfg.Server,
				Events:    a.store,
				Reader:    a.store,
				Producer:  el.Producer,
				Validator: validator,
				Replayer:  engine,
				Auth:      auth,
				Health: &srv.HealthChecker{
					Store:       a.store,
					StoreDriver: cfg.Storage.Driver,
					Log:         el.Pinger,
					LogDriver:   el.Driver,
					Redis:       srv.RedisPinger(a.rdb),
					Consumer:    health,
					Timeout:     cfg.General.DefaultTimeout,
				},
				Logger: a.logger.WithPrefix("http"),
			})

			errCh := make(chan error, 2)
			if !noConsumer {
				go func() {
					if err := consumer.Run(ctx); err != nil {
						errCh <- fmt.Errorf("ingest: %w", err)
						return
					}
					errCh <- nil
				}()
			}
			go func() { errCh <- srv.Run(ctx, e, cfg.Server.Address, a.logger) }()

			// The first component to stop takes the other down with it.
			n := 2
			if noConsumer {
				n = 1
			}
			var errs []error
			for i := 0; i < n; i++ {
				if err := <-errCh; err != nil {
					errs = append(errs, err)
				}
				cancel()
			}
			return errors.Join(errs...)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.Flags().BoolVar(&noConsumer, "no-consumer", false, "serve the API without consuming the event log")

	return serve
}
