// Package search indexes closed excursion episodes into Elasticsearch for
// audit queries.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/sirupsen/logrus"

	"github.com/HendrickFS/bio-supply-twin/internal/model"
)

// EpisodeIndex indexes and searches closed excursion episodes
type EpisodeIndex interface {
	IndexEpisode(ctx context.Context, episode *model.ExcursionEpisode) error
	SearchEpisodes(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error)
}

// elasticIndex implements EpisodeIndex against Elasticsearch
type elasticIndex struct {
	client *elasticsearch.Client
	index  string
	log    *logrus.Logger
}

// NewEpisodeIndex creates an Elasticsearch-backed episode index
func NewEpisodeIndex(urls []string, username, password, index string, log *logrus.Logger) (EpisodeIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: urls,
		Username:  username,
		Password:  password,
	}

	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}

	res, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to elasticsearch: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("elasticsearch info error: %s", res.String())
	}

	return &elasticIndex{client: client, index: index, log: log}, nil
}

// IndexEpisode indexes a closed episode, keyed by its UUID so replays
// overwrite rather than duplicate
func (e *elasticIndex) IndexEpisode(ctx context.Context, episode *model.ExcursionEpisode) error {
	body, err := json.Marshal(episode)
	if err != nil {
		return fmt.Errorf("failed to marshal episode: %w", err)
	}

	req := esapi.IndexRequest{
		Index:      e.index,
		DocumentID: episode.UUID,
		Body:       bytes.NewReader(body),
		Refresh:    "false",
	}

	res, err := req.Do(ctx, e.client)
	if err != nil {
		return fmt.Errorf("failed to index episode: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing episode %s: %s", episode.UUID, res.String())
	}
	return nil
}

// SearchEpisodes queries indexed episodes by entity and started_at range,
// most recent first
func (e *elasticIndex) SearchEpisodes(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error) {
	must := []map[string]interface{}{}
	if entityID != "" {
		must = append(must, map[string]interface{}{
			"term": map[string]interface{}{"entity_id": entityID},
		})
	}
	if from != nil || to != nil {
		rangeQuery := map[string]interface{}{}
		if from != nil {
			rangeQuery["gte"] = from.Format(time.RFC3339)
		}
		if to != nil {
			rangeQuery["lte"] = to.Format(time.RFC3339)
		}
		must = append(must, map[string]interface{}{
			"range": map[string]interface{}{"started_at": rangeQuery},
		})
	}

	query := map[string]interface{}{
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"must": must},
		},
		"sort": []map[string]interface{}{
			{"started_at": map[string]interface{}{"order": "desc"}},
		},
		"size": 200,
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.index),
		e.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search episodes: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("error searching episodes: %s", res.String())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				Source model.ExcursionEpisode `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	episodes := make([]model.ExcursionEpisode, 0, len(result.Hits.Hits))
	for _, hit := range result.Hits.Hits {
		episodes = append(episodes, hit.Source)
	}
	return episodes, nil
}

// noopIndex is used when Elasticsearch is disabled
type noopIndex struct{}

// NewNoopIndex returns an EpisodeIndex that indexes nothing and finds
// nothing
func NewNoopIndex() EpisodeIndex {
	return &noopIndex{}
}

func (n *noopIndex) IndexEpisode(ctx context.Context, episode *model.ExcursionEpisode) error {
	return nil
}

func (n *noopIndex) SearchEpisodes(ctx context.Context, entityID string, from, to *time.Time) ([]model.ExcursionEpisode, error) {
	return nil, nil
}
