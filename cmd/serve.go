package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/HendrickFS/bio-supply-twin/internal/api"
	"github.com/HendrickFS/bio-supply-twin/internal/cache"
	"github.com/HendrickFS/bio-supply-twin/internal/db"
	"github.com/HendrickFS/bio-supply-twin/internal/excursion"
	"github.com/HendrickFS/bio-supply-twin/internal/ingest"
	"github.com/HendrickFS/bio-supply-twin/internal/model"
	"github.com/HendrickFS/bio-supply-twin/internal/query"
	"github.com/HendrickFS/bio-supply-twin/internal/repository"
	"github.com/HendrickFS/bio-supply-twin/internal/search"
	"github.com/HendrickFS/bio-supply-twin/internal/telemetry"
	"github.com/HendrickFS/bio-supply-twin/internal/thresholds"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compliance twin service",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// registrySource feeds the threshold registry from the database
type registrySource struct {
	thresholds repository.ThresholdRepository
	entities   repository.EntityRepository
}

func (s *registrySource) ListThresholds(ctx context.Context) ([]model.Threshold, error) {
	return s.thresholds.ListAll(ctx)
}

func (s *registrySource) ListMembership(ctx context.Context) (map[string]model.EntityClass, error) {
	return s.entities.ListMembership(ctx)
}

// warmStart rebuilds tracker state from the last persisted reading per
// entity so a restart does not forget open excursions that are still
// visible in the store
func warmStart(ctx context.Context, entities repository.EntityRepository, ingestor *ingest.Ingestor) {
	readings, err := entities.ListLatestReadings(ctx)
	if err != nil {
		log.WithError(err).Warn("Warm start skipped, failed to load readings")
		return
	}

	applied := 0
	for _, r := range readings {
		payload := ingest.ReadingPayload{
			EntityID:    r.EntityID,
			Temperature: &r.Temperature,
			Humidity:    &r.Humidity,
			Timestamp:   r.Timestamp.Format(time.RFC3339),
			Geolocation: r.Geolocation,
		}
		result, err := ingestor.Ingest(ctx, payload)
		if err != nil {
			continue
		}
		if result.Applied {
			applied++
		}
	}
	log.WithFields(logrus.Fields{
		"applied": applied,
		"total":   len(readings),
	}).Info("Warm start complete")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Migrate(database); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = cache.NewRedisClient(
			fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			cfg.Redis.Password, cfg.Redis.DB,
		)
		if err != nil {
			log.WithError(err).Warn("Redis unavailable, mirror disabled")
			redisClient = nil
		}
	}
	mirror := cache.NewComplianceMirror(redisClient, cfg.Cache.TTL, redisClient != nil, log)

	index := search.NewNoopIndex()
	if cfg.Elastic.Enabled {
		index, err = search.NewEpisodeIndex(cfg.Elastic.URLs, cfg.Elastic.Username, cfg.Elastic.Password, cfg.Elastic.Index, log)
		if err != nil {
			return fmt.Errorf("failed to connect to elasticsearch: %w", err)
		}
	}

	nrApp, err := telemetry.InitNewRelic(cfg.NewRelic, log)
	if err != nil {
		return err
	}

	thresholdRepo := repository.NewThresholdRepository(database)
	entityRepo := repository.NewEntityRepository(database)
	episodeRepo := repository.NewEpisodeRepository(database)

	registry := thresholds.NewRegistry(
		&registrySource{thresholds: thresholdRepo, entities: entityRepo},
		cfg.Thresholds.PollInterval, cfg.Thresholds.GracePeriod, log,
	)
	if err := registry.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load thresholds: %w", err)
	}
	go registry.Start(ctx)

	archiver := ingest.NewEpisodeArchiver(episodeRepo, index, log)
	tracker := excursion.NewTracker(cfg.Excursion.IdleTimeout, archiver.HandleClose, log)

	aggregates := cache.NewAggregateCache(cfg.Cache.TTL, cfg.Cache.WaitTimeout, log)
	querySvc := query.NewService(tracker, aggregates, mirror, registry, episodeRepo, index, cfg.Elastic.Enabled, log)

	ingestor := ingest.NewIngestor(registry, tracker, aggregates, mirror, cfg.Ingest.MaxFutureSkew, log)

	go tracker.StartSweeper(ctx, cfg.Excursion.SweepInterval, func(entityIDs []string) {
		for _, id := range entityIDs {
			querySvc.InvalidateEntity(ctx, id)
		}
	})

	if cfg.Ingest.WarmStart {
		warmStart(ctx, entityRepo, ingestor)
	}

	var mqttConsumer *ingest.MQTTConsumer
	if cfg.MQTT.Enabled {
		mqttConsumer, err = ingest.NewMQTTConsumer(cfg.MQTT, ingestor, log)
		if err != nil {
			return fmt.Errorf("failed to start mqtt consumer: %w", err)
		}
		if err := mqttConsumer.Start(ctx); err != nil {
			return err
		}
	}

	var sbConsumer *ingest.ServiceBusConsumer
	if cfg.ServiceBus.ConnectionString != "" {
		sbConsumer, err = ingest.NewServiceBusConsumer(cfg.ServiceBus, ingestor, log)
		if err != nil {
			return fmt.Errorf("failed to start service bus consumer: %w", err)
		}
		go sbConsumer.Start(ctx)
	}

	server := api.NewServer(cfg.Server, log, nrApp, querySvc, ingestor, registry)
	go func() {
		if err := server.Start(); err != nil {
			log.WithError(err).Fatal("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	if mqttConsumer != nil {
		mqttConsumer.Stop()
	}
	if sbConsumer != nil {
		sbConsumer.Stop(shutdownCtx)
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			log.WithError(err).Warn("Failed to close Redis client")
		}
	}

	log.Info("Shutdown complete")
	return nil
}
