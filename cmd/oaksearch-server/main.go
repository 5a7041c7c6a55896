package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/systemshift/oaksearch/internal/server/app"
	"github.com/systemshift/oaksearch/internal/server/config"
	"github.com/systemshift/oaksearch/internal/server/logging"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "oaksearch-server",
		Short:        "Serve the oak-search content seeder and query runner",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file")

	cmd.AddCommand(&cobra.Command{
		Use:   "seed",
		Short: "Create the test content, users and access control entries, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(configPath)
			if err != nil {
				return err
			}
			return seed(cmd.Context(), cfg)
		},
	})
	return cmd
}

func load(path string) (*config.Configuration, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := logging.Configure(cfg.Logging); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seed(ctx context.Context, cfg *config.Configuration) error {
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	result, err := a.Seeder.Ensure(ctx)
	if err != nil {
		return err
	}
	log.Infof("Seed %s with %d nodes", result.Status, result.Nodes)
	return nil
}

func serve(cfg *config.Configuration) error {
	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HttpPort),
		Handler:     a.Handler(),
		ReadTimeout: 15 * time.Second,
		// Seeding the default layout takes minutes
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	errs := make(chan error, 1)
	go func() {
		log.Infof("Starting oaksearch server on http://localhost:%d", cfg.HttpPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errs:
		a.Close(ctx)
		return fmt.Errorf("server failed: %w", err)
	}

	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("Server forced to shutdown: %v", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		return fmt.Errorf("closing repository: %w", err)
	}

	log.Info("Server exited")
	return nil
}
