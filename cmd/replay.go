package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/HendrickFS/bio-supply-twin/internal/cache"
	"github.com/HendrickFS/bio-supply-twin/internal/db"
	"github.com/HendrickFS/bio-supply-twin/internal/excursion"
	"github.com/HendrickFS/bio-supply-twin/internal/ingest"
	"github.com/HendrickFS/bio-supply-twin/internal/repository"
	"github.com/HendrickFS/bio-supply-twin/internal/thresholds"
)

// replayCmd rebuilds entity state from the last persisted sensor snapshot
// per entity and prints the resulting summary. Useful for checking what
// the service would see after a cold start.
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay the last persisted reading per entity and print the compliance summary",
	RunE:  runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	database, err := db.Connect(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	thresholdRepo := repository.NewThresholdRepository(database)
	entityRepo := repository.NewEntityRepository(database)

	registry := thresholds.NewRegistry(
		&registrySource{thresholds: thresholdRepo, entities: entityRepo},
		cfg.Thresholds.PollInterval, cfg.Thresholds.GracePeriod, log,
	)
	if err := registry.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to load thresholds: %w", err)
	}

	tracker := excursion.NewTracker(cfg.Excursion.IdleTimeout, nil, log)
	aggregates := cache.NewAggregateCache(cfg.Cache.TTL, cfg.Cache.WaitTimeout, log)
	mirror := cache.NewComplianceMirror(nil, 0, false, log)
	ingestor := ingest.NewIngestor(registry, tracker, aggregates, mirror, cfg.Ingest.MaxFutureSkew, log)

	readings, err := entityRepo.ListLatestReadings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load readings: %w", err)
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
			log.WithError(err).WithField("entity_id", r.EntityID).Warn("Reading not replayed")
			continue
		}
		if result.Applied {
			applied++
		}
	}

	summary := tracker.Summary()
	fmt.Printf("Replayed %d of %d readings\n", applied, len(readings))
	fmt.Printf("Entities: %d, open episodes: %d, in range: %.1f%%\n",
		summary.TotalEntities, summary.OpenEpisodes, summary.InRangePct)
	for class, counts := range summary.PerClass {
		fmt.Printf("  %s: %d compliant, %d excursion, %d unevaluated\n",
			class, counts.Compliant, counts.Excursion, counts.Unevaluated)
	}
	return nil
}
