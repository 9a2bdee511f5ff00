package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/config"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store/bolt"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/store/postgres"
	"github.com/KiranKumar-Moguluri/urbanfoodride/internal/urbandash"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "urbanfoodride",
		Short:         "Food order and ride request event pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file; environment variables override it")

	load := func() (config.Config, *urbandash.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, nil, err
		}
		log := urbandash.NewLoggerWithConfig(cfg.ServiceName, urbandash.LogConfig{Level: cfg.LogLevel, JSON: cfg.LogJSON})
		return cfg, log, nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the consumer groups and the outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the store schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			s, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer s.Close()
			log.Info("store migrated", map[string]any{"driver": cfg.StoreDriver})
			return nil
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "topics",
		Short: "Create the pipeline topics and their dead-letter topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			client := urbandash.NewClient(cfg.Kafka, log)
			defer client.Close()
			return client.EnsureTopics(cmd.Context(), urbandash.Topics()...)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		stop()
		os.Exit(1)
	}
}

// openStore opens the configured store and brings its schema up to date.
func openStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		return s, nil
	case config.DriverBolt:
		if err := os.MkdirAll(filepath.Clean(cfg.DataDir), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return bolt.Open(cfg.DataDir)
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
