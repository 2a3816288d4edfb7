package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/HendrickFS/bio-supply-twin/internal/ingest"
	"github.com/HendrickFS/bio-supply-twin/internal/metrics"
	"github.com/HendrickFS/bio-supply-twin/internal/model"
	"github.com/HendrickFS/bio-supply-twin/internal/repository"
)

// health reports liveness and the freshness of the threshold snapshot
func (s *Server) health(c *gin.Context) {
	lastRefresh := s.registry.LastRefreshed()
	status := "ok"
	if lastRefresh.IsZero() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":                  status,
		"thresholds_refreshed_at": lastRefresh,
		"time":                    time.Now(),
	})
}

// metrics returns the in-process metrics snapshot
func (s *Server) metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.GetCollector().GetSnapshot())
}

// getComplianceSummary returns the fleet-wide compliance summary
func (s *Server) getComplianceSummary(c *gin.Context) {
	summary, err := s.query.ComplianceSummary(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to compute compliance summary")
		respondError(c, http.StatusInternalServerError, "summary_failed", "failed to compute compliance summary")
		return
	}
	c.JSON(http.StatusOK, summary)
}

// getEntityStatus returns the latest status of one entity
func (s *Server) getEntityStatus(c *gin.Context) {
	entityID := c.Param("id")

	status, err := s.query.EntityStatus(c.Request.Context(), entityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			respondError(c, http.StatusNotFound, "entity_not_found", "entity not found")
			return
		}
		s.log.WithError(err).WithField("entity_id", entityID).Error("Failed to get entity status")
		respondError(c, http.StatusInternalServerError, "status_failed", "failed to get entity status")
		return
	}
	c.JSON(http.StatusOK, status)
}

// getOpenExcursions returns every open episode, most severe first
func (s *Server) getOpenExcursions(c *gin.Context) {
	episodes, err := s.query.OpenExcursions(c.Request.Context())
	if err != nil {
		s.log.WithError(err).Error("Failed to list open excursions")
		respondError(c, http.StatusInternalServerError, "excursions_failed", "failed to list open excursions")
		return
	}
	if episodes == nil {
		episodes = []model.ExcursionEpisode{}
	}
	c.JSON(http.StatusOK, gin.H{"excursions": episodes, "count": len(episodes)})
}

// searchExcursions queries closed episodes by entity and time range
func (s *Server) searchExcursions(c *gin.Context) {
	entityID := c.Query("entity_id")

	var from, to *time.Time
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_from", "from must be RFC3339")
			return
		}
		from = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_to", "to must be RFC3339")
			return
		}
		to = &t
	}

	episodes, err := s.query.SearchEpisodes(c.Request.Context(), entityID, from, to)
	if err != nil {
		s.log.WithError(err).Error("Failed to search excursions")
		respondError(c, http.StatusInternalServerError, "search_failed", "failed to search excursions")
		return
	}
	if episodes == nil {
		episodes = []model.ExcursionEpisode{}
	}
	c.JSON(http.StatusOK, gin.H{"excursions": episodes, "count": len(episodes)})
}

// postReading ingests one reading over HTTP, sharing validation and
// idempotence with the MQTT and Service Bus paths
func (s *Server) postReading(c *gin.Context) {
	var payload ingest.ReadingPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	result, err := s.ingestor.Ingest(c.Request.Context(), payload)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidReading):
			respondError(c, http.StatusBadRequest, "invalid_reading", err.Error())
		case errors.Is(err, ingest.ErrUnknownEntity):
			respondError(c, http.StatusNotFound, "unknown_entity", err.Error())
		default:
			s.log.WithError(err).Error("Failed to ingest reading")
			respondError(c, http.StatusInternalServerError, "ingest_failed", "failed to ingest reading")
		}
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

// invalidateCache drops cached aggregates, for one entity when entity_id
// is given or globally otherwise, and requests a threshold refresh
func (s *Server) invalidateCache(c *gin.Context) {
	var body struct {
		EntityID string `json:"entity_id"`
	}
	if err := c.ShouldBindJSON(&body); err != nil && err.Error() != "EOF" {
		respondError(c, http.StatusBadRequest, "invalid_body", "invalid request body")
		return
	}

	if body.EntityID != "" {
		s.query.InvalidateEntity(c.Request.Context(), body.EntityID)
	} else {
		s.query.InvalidateAll(c.Request.Context())
	}
	s.registry.Invalidate()

	c.JSON(http.StatusOK, gin.H{"invalidated": true, "entity_id": body.EntityID})
}
