package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Rainerrr/Gestelit-sub005/blobstore"
	"github.com/Rainerrr/Gestelit-sub005/config"
	"github.com/Rainerrr/Gestelit-sub005/eventbus"
	"github.com/Rainerrr/Gestelit-sub005/metrics"
	"github.com/Rainerrr/Gestelit-sub005/reaper"
	"github.com/Rainerrr/Gestelit-sub005/repository"
	"github.com/Rainerrr/Gestelit-sub005/server"
	service_registry "github.com/Rainerrr/Gestelit-sub005/srvreg"
	cmtflags "github.com/cometbft/cometbft/libs/cli/flags"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const defaultLogLevel = "info"

var (
	configPath string

	// populated in PersistentPreRunE
	cfg    *config.Config
	vcfg   *viper.Viper
	logger cmtlog.Logger
)

var rootCmd = &cobra.Command{
	Use:          "floorline",
	Short:        "Production session lifecycle service for factory floor stations",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, v, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg, vcfg = c, v

		base := cmtlog.NewTMLogger(cmtlog.NewSyncWriter(os.Stdout))
		logger, err = cmtflags.ParseLogLevel(cfg.Log.Level, base, defaultLogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, realtime stream and reaper",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		return repo.Close()
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Insert demo workers, stations and a two-step job",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		return multierr.Append(repo.Seed(), repo.Close())
	},
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Abandon every session whose grace window expired, once",
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, err := openRepository()
		if err != nil {
			return err
		}
		defer repo.Close()

		n, err := repo.AbandonExpiredSessions(cmd.Context())
		fmt.Fprintf(cmd.OutOrStdout(), "abandoned %d session(s)\n", n)
		return err
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init <file>",
	Short: "Write a commented default configuration file",
	Args:  cobra.ExactArgs(1),
	// runs without an existing configuration
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		return config.WriteDefault(args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to the configuration file (yaml or toml)")
	configCmd.AddCommand(configPrintCmd, configInitCmd)
	rootCmd.AddCommand(serveCmd, migrateCmd, seedCmd, reapCmd, configCmd)
}

func graceOf(c *config.Config) repository.GraceConfig {
	return repository.GraceConfig{Window: c.Grace.Window, Soft: c.Grace.Soft}
}

// openRepository connects and migrates
func openRepository(opts ...repository.Option) (*repository.Repository, error) {
	opts = append([]repository.Option{
		repository.WithGrace(graceOf(cfg)),
		repository.WithUpstreamConsumption(cfg.WIP.ConsumeUpstream),
	}, opts...)
	repo := repository.NewRepository(logger, opts...)

	logger.Info("Connecting to database", "driver", cfg.Database.Driver)
	if err := repo.ConnectDB(cfg.Database.Driver, cfg.Database.DSN, cfg.Database.ConnectAttempts, cfg.Database.RetryDelay); err != nil {
		return nil, err
	}
	if err := repo.Migrate(); err != nil {
		repo.Close()
		return nil, err
	}
	return repo, nil
}

func serve() error {
	blobs, err := blobstore.Open(cfg.Blobs.Path, cfg.Blobs.PublicBaseURL, logger)
	if err != nil {
		return err
	}
	defer blobs.Close()

	bus := eventbus.New(eventbus.WithLogger(logger))
	m := metrics.New()

	repo, err := openRepository(
		repository.WithUploader(blobs),
		repository.WithPublisher(bus),
		repository.WithObserver(m),
	)
	if err != nil {
		return err
	}
	defer repo.Close()

	serviceRegistry := service_registry.NewServiceRegistry(repo, logger)
	serviceRegistry.RegisterDefaultServices()

	if configPath != "" {
		config.Watch(vcfg, logger, func(c *config.Config) {
			repo.SetGrace(graceOf(c))
		})
	}

	var sweeper *reaper.Reaper
	if cfg.Reaper.Enabled {
		sweeper = reaper.New(repo, cfg.Reaper.Interval, logger)
		if err := sweeper.Start(); err != nil {
			return fmt.Errorf("starting reaper: %w", err)
		}
	}

	webserver, err := server.NewWebServer(server.Options{
		Port:           cfg.HTTP.Port,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, logger, serviceRegistry, repo, bus, blobs, m)
	if err != nil {
		return fmt.Errorf("creating web server: %w", err)
	}
	if err := webserver.Start(); err != nil {
		return fmt.Errorf("starting HTTP server: %w", err)
	}

	// Wait for interrupt signal to gracefully shut down the server
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	err = webserver.Shutdown(ctx)
	if sweeper != nil {
		err = multierr.Append(err, sweeper.Stop())
	}
	if err != nil {
		logger.Error("Shutting down", "err", err)
		return err
	}
	logger.Info("HTTP web server gracefully stopped")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
