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

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dialysis/pdms/internal/config"
	"github.com/dialysis/pdms/internal/domain/ingestion"
	"github.com/dialysis/pdms/internal/platform/events"
	"github.com/dialysis/pdms/internal/platform/hl7v2"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pdms-server",
		Short: "Dialysis HL7 v2 ingestion and treatment session service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(simulateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, MLLP listener and outbox relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres only)")
	return cmd
}

func runServer(migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, logger, migrate)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage")
		return err
	}
	defer st.close()

	pub, closePub, err := newPublisher(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to create event publisher")
		return err
	}
	defer closePub()

	relay := events.NewRelay(st.outbox, pub, logger,
		events.WithPollInterval(cfg.OutboxPollInterval),
		events.WithBatchSize(cfg.OutboxBatchSize),
	)

	a, err := newApp(cfg, st, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build application")
		return err
	}
	a.service.SetNotifier(relay.Notify)
	a.pipeline.SetNotifier(relay.Notify)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.echo,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	var mllp *hl7v2.MLLPServer
	if cfg.MLLPAddr != "" {
		mllp = hl7v2.NewMLLPServer(cfg.MLLPAddr, ingestion.MLLPHandler(a.pipeline, cfg.DefaultTenant), logger)
		if err := mllp.Start(); err != nil {
			logger.Error().Err(err).Msg("failed to start MLLP listener")
			return err
		}
		logger.Info().Str("addr", mllp.Addr()).Str("tenant_id", cfg.DefaultTenant).Msg("MLLP server started")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		logger.Info().Str("addr", srv.Addr).Str("storage", cfg.StorageDriver).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if mllp != nil {
			if err := mllp.Stop(); err != nil {
				logger.Warn().Err(err).Msg("MLLP shutdown")
			}
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		// Drain what the last requests committed.
		if n, err := relay.Flush(shutdownCtx); err != nil {
			logger.Warn().Err(err).Int("published", n).Msg("final outbox flush")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newLogger writes JSON to stdout, or a console format in development.
func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}
