package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"solarcms/internal/blob"
	"solarcms/internal/ingest"
	"solarcms/internal/logger"
	"solarcms/internal/metrics"
	"solarcms/internal/models"
	"solarcms/internal/queue"
	"solarcms/internal/server"
	"solarcms/internal/storage"
	"solarcms/internal/sweeper"
	"solarcms/internal/transcode"
)

const shutdownTimeout = 15 * time.Second

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "solarcms",
		Short:         "Media library service for the solar reseller CMS",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML config file")
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and ingestion workers",
		RunE:  runServe,
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := models.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return storage.RunMigrations(cfg.DatabaseURL, logger.New(cfg.Log))
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin bearer token",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := models.LoadConfig(configPath)
			if err != nil {
				return err
			}
			token, err := server.IssueToken(cfg.Auth.JWTSecret, subject, cfg.Auth.AdminRole, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "admin", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// assetStore is what both the ingestion service and the sweeper need.
type assetStore interface {
	ingest.Store
	sweeper.Store
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := models.LoadConfig(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Log)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	blobs, err := openBlobs(ctx, cfg, log)
	if err != nil {
		return err
	}

	wm, err := transcode.NewWatermarker(cfg.WatermarkText)
	if err != nil {
		return err
	}
	m := metrics.New()
	opts := []ingest.Option{ingest.WithWatermarker(wm), ingest.WithMetrics(m)}

	var publisher *queue.Publisher
	if cfg.KafkaEnabled {
		publisher = queue.NewPublisher(cfg.KafkaBroker, cfg.KafkaTopic)
		defer publisher.Close()
		opts = append(opts, ingest.WithPublisher(publisher))
	}
	svc := ingest.NewService(store, blobs, log, opts...)

	if cfg.KafkaEnabled {
		consumer := queue.NewConsumer(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID, log)
		defer consumer.Close()

		var workers sync.WaitGroup
		workers.Add(1)
		go func() {
			defer workers.Done()
			if err := consumer.Run(ctx, svc.HandleJob); err != nil {
				log.Error().Err(err).Msg("ingestion worker stopped")
			}
		}()
		// the in-flight job finishes before the consumer, publisher and store close
		defer func() {
			stop()
			workers.Wait()
			log.Info().Msg("ingestion worker drained")
		}()
		log.Info().Str("topic", cfg.KafkaTopic).Msg("ingestion worker started")
	}

	if cfg.Sweeper.Enabled {
		sw := sweeper.New(store, cfg.Sweeper, m, log, sweeper.WithQueue(svc))
		if err := sw.Start(ctx, cfg.Sweeper.Interval); err != nil {
			return err
		}
		defer func() {
			if err := sw.Stop(); err != nil {
				log.Warn().Err(err).Msg("sweeper shutdown")
			}
		}()
	}

	srv := server.NewServer(cfg, svc, m, log)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg *models.Config, log zerolog.Logger) (assetStore, func(), error) {
	if cfg.StorageDriver == "memory" {
		log.Warn().Msg("using in-memory asset store, records are lost on restart")
		return storage.NewMemoryStorage(), func() {}, nil
	}

	if cfg.MigrationsAuto {
		if err := storage.RunMigrations(cfg.DatabaseURL, log); err != nil {
			return nil, nil, err
		}
	}
	db, err := storage.NewStorage(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return db, db.Close, nil
}

func openBlobs(ctx context.Context, cfg *models.Config, log zerolog.Logger) (blob.Store, error) {
	if cfg.BlobDriver == "s3" {
		return blob.NewS3(ctx, cfg.S3, cfg.PublicBaseURL, log)
	}
	return blob.NewLocal(cfg.StoragePath, cfg.PublicBaseURL)
}
