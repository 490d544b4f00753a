package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandsonmedia/storefront/internal/config"
	"github.com/brandsonmedia/storefront/internal/httpapi"
	"github.com/brandsonmedia/storefront/internal/storage/postgres"
)

func serveCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if migrate && cfg.Storage == config.StoragePostgres {
				if err := postgres.Migrate(ctx, cfg.Database.DSN(), logger); err != nil {
					return err
				}
			}

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			router := httpapi.NewRouter(a.handler(), httpapi.RouterConfig{
				ServiceName: cfg.ServiceName,
				CORSOrigins: cfg.CORSOrigins,
				Logger:      logger,
			})
			srv := &http.Server{
				Addr:         ":" + cfg.Port,
				Handler:      router,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  30 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("storefront listening", "port", cfg.Port, "storage", cfg.Storage)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("failed to start server: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply the schema before serving (postgres storage only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage != config.StoragePostgres {
				return fmt.Errorf("migrate requires STORAGE=%s", config.StoragePostgres)
			}
			return postgres.Migrate(cmd.Context(), cfg.Database.DSN(), logger)
		},
	}
}

func sweepCmd() *cobra.Command {
	var minAge time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Finish reconciliations left between the payment and order updates",
		Long: `Re-processes payment records marked paid whose order was never confirmed,
and asks M-Pesa about STK pushes still pending locally. Meant to be run
periodically by an external scheduler (cron, Kubernetes CronJob).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Storage != config.StoragePostgres {
				return fmt.Errorf("sweep requires STORAGE=%s; in-memory state is private to the server", config.StoragePostgres)
			}
			if minAge <= 0 {
				minAge = cfg.SweepMinAge
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			report, err := a.coordinator.Sweep(ctx, minAge)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d repaired=%d settled=%d failed=%d\n",
				report.Scanned, report.Repaired, report.Settled, report.Failed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&minAge, "min-age", 0, "only repair records older than this (default SWEEP_MIN_AGE)")
	return cmd
}
