package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/rl1809/medstock/internal/adapter/handler"
	"github.com/rl1809/medstock/internal/config"
	"github.com/rl1809/medstock/internal/core/domain"
	"github.com/rl1809/medstock/internal/observability"
)

const healthInterval = 10 * time.Second

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "medstock",
		Short:         "Healthcare stock reservation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	loadConfig := func() (config.Config, error) {
		return config.Load(configPath)
	}
	serve := serveCmd(loadConfig)
	rootCmd.RunE = serve.RunE
	rootCmd.AddCommand(
		serve,
		migrateCmd(loadConfig),
		sweepCmd(loadConfig),
		verifyCmd(loadConfig),
		catalogCmd(loadConfig),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweeper with HTTP and gRPC health endpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func migrateCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the MySQL tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if a.mysql == nil {
				return fmt.Errorf("migrate needs the %s store driver, got %s", config.DriverMySQL, cfg.Store.Driver)
			}
			if err := a.mysql.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate database: %w", err)
			}
			a.logger.Info("schema applied")
			return nil
		},
	}
}

func sweepCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire overdue reservations and scan batch expiry once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.sweeper.SweepOnce(cmd.Context())
			if err != nil {
				return err
			}
			scan, err := a.tracker.ScanBatchExpiry(cmd.Context(), cfg.Sweeper.ExpiryAlertWindow())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reservations: scanned=%d expired=%d skipped=%d failed=%d\n",
				res.Scanned, res.Expired, res.Skipped, res.Failed)
			fmt.Fprintf(cmd.OutOrStdout(), "batches: expired=%d expiring=%d\n", scan.Expired, scan.Expiring)
			return nil
		},
	}
}

func verifyCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var itemID, locationID string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check an item row against its movement ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			check, err := a.movements.VerifyItem(cmd.Context(), itemID, locationID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s/%s on_hand=%d ledger=%d movements=%d consistent=%t\n",
				check.ItemID, check.LocationID, check.OnHand, check.LedgerOnHand, check.Movements, check.Consistent)
			if !check.Consistent {
				return errors.New("item row does not match its ledger")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&itemID, "item", "", "item id")
	cmd.Flags().StringVar(&locationID, "location", "", "location id")
	cmd.MarkFlagRequired("item")
	cmd.MarkFlagRequired("location")
	return cmd
}

func catalogCmd(loadConfig func() (config.Config, error)) *cobra.Command {
	var entry domain.CatalogEntry
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Cache item metadata used to enrich events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if a.redis == nil {
				return errors.New("catalog needs redis.addr to be configured")
			}
			if err := a.redis.PutCatalogEntry(cmd.Context(), entry, cfg.Redis.CatalogTTL); err != nil {
				return fmt.Errorf("put catalog entry: %w", err)
			}
			a.logger.Info("catalog entry cached",
				zap.String("item_id", entry.ItemID),
				zap.Duration("ttl", cfg.Redis.CatalogTTL))
			return nil
		},
	}
	cmd.Flags().StringVar(&entry.ItemID, "item", "", "item id")
	cmd.Flags().StringVar(&entry.Name, "name", "", "display name")
	cmd.Flags().StringVar(&entry.GenericName, "generic", "", "generic name")
	cmd.Flags().StringVar(&entry.Form, "form", "", "dosage form")
	cmd.Flags().StringVar(&entry.Strength, "strength", "", "strength")
	cmd.MarkFlagRequired("item")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runServer(ctx context.Context, cfg config.Config) error {
	shutdownTracing, err := observability.SetupTracing(ctx, observability.TracingOptions{
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger

	var statusSource handler.SweeperStatusSource
	if cfg.Sweeper.Enabled {
		statusSource = a.sweeper
	}
	httpHandler := handler.NewHTTPHandler(a.store, statusSource, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", httpHandler.HealthCheck)
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	healthServer := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reporter := handler.NewHealthReporter(healthServer, a.store, logger)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("listen grpc: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcServer.Serve(lis); err != nil {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return reporter.Run(ctx, healthInterval)
	})
	if cfg.Sweeper.Enabled {
		g.Go(func() error {
			return a.sweeper.Run(ctx)
		})
	}

	// Graceful shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP shutdown", zap.Error(err))
		}
		logger.Info("HTTP server stopped")

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(cfg.GRPC.ShutdownTimeout):
			grpcServer.Stop()
		}
		logger.Info("gRPC server stopped")

		tracingCtx, cancelTracing := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelTracing()
		return shutdownTracing(tracingCtx)
	})

	return g.Wait()
}
