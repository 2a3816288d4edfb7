// Package metrics provides in-process counters for the ingest pipeline,
// episode lifecycle, and cache behavior, exposed over the metrics endpoint.
package metrics

import (
	"sync"
	"time"
)

// Collector collects service metrics
type Collector struct {
	mu sync.RWMutex

	// Ingest counters
	readingsIngested  int64
	readingsInvalid   int64
	readingsUnknown   int64
	readingsDuplicate int64
	verdictCounts     map[string]int64

	// Episode lifecycle counters
	episodesOpened      int64
	episodesResolved    int64
	episodesStaleClosed int64

	// Cache counters per key
	cacheHits         map[string]int64
	cacheMisses       map[string]int64
	cacheShared       map[string]int64
	cacheFallbacks    map[string]int64
	cacheStaleDiscard map[string]int64

	// Ingest latency
	ingestCount   int64
	ingestTotalMS int64
	ingestMaxMS   int64

	startedAt time.Time
}

var (
	collector *Collector
	once      sync.Once
)

// GetCollector returns the singleton metrics collector
func GetCollector() *Collector {
	once.Do(func() {
		collector = &Collector{
			verdictCounts:     make(map[string]int64),
			cacheHits:         make(map[string]int64),
			cacheMisses:       make(map[string]int64),
			cacheShared:       make(map[string]int64),
			cacheFallbacks:    make(map[string]int64),
			cacheStaleDiscard: make(map[string]int64),
			startedAt:         time.Now(),
		}
	})
	return collector
}

// RecordIngested records a successfully applied reading and its verdict
func (c *Collector) RecordIngested(verdict string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readingsIngested++
	c.verdictCounts[verdict]++
	c.ingestCount++
	ms := duration.Milliseconds()
	c.ingestTotalMS += ms
	if ms > c.ingestMaxMS {
		c.ingestMaxMS = ms
	}
}

// RecordInvalid records a reading rejected by validation
func (c *Collector) RecordInvalid() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readingsInvalid++
}

// RecordUnknownEntity records a reading for an entity absent from the
// authoritative store
func (c *Collector) RecordUnknownEntity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readingsUnknown++
}

// RecordDuplicate records a reading dropped by idempotence
func (c *Collector) RecordDuplicate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readingsDuplicate++
}

// RecordEpisodeOpened records a newly opened excursion episode
func (c *Collector) RecordEpisodeOpened() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.episodesOpened++
}

// RecordEpisodeClosed records a closed episode by reason
func (c *Collector) RecordEpisodeClosed(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason == "stale" {
		c.episodesStaleClosed++
	} else {
		c.episodesResolved++
	}
}

// RecordCacheHit records a fresh cache hit
func (c *Collector) RecordCacheHit(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheHits[key]++
}

// RecordCacheMiss records a cache miss
func (c *Collector) RecordCacheMiss(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheMisses[key]++
}

// RecordCacheShared records a miss served by another caller's computation
func (c *Collector) RecordCacheShared(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheShared[key]++
}

// RecordCacheFallback records a waiter that timed out and computed on its own
func (c *Collector) RecordCacheFallback(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheFallbacks[key]++
}

// RecordCacheStaleDiscard records a computed value discarded because the
// key was invalidated while the computation was in flight
func (c *Collector) RecordCacheStaleDiscard(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheStaleDiscard[key]++
}

// Snapshot is a point-in-time copy of all metrics
type Snapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`

	ReadingsIngested  int64            `json:"readings_ingested"`
	ReadingsInvalid   int64            `json:"readings_invalid"`
	ReadingsUnknown   int64            `json:"readings_unknown_entity"`
	ReadingsDuplicate int64            `json:"readings_duplicate"`
	VerdictCounts     map[string]int64 `json:"verdict_counts"`

	EpisodesOpened      int64 `json:"episodes_opened"`
	EpisodesResolved    int64 `json:"episodes_resolved"`
	EpisodesStaleClosed int64 `json:"episodes_stale_closed"`

	CacheHits         map[string]int64 `json:"cache_hits"`
	CacheMisses       map[string]int64 `json:"cache_misses"`
	CacheShared       map[string]int64 `json:"cache_shared"`
	CacheFallbacks    map[string]int64 `json:"cache_fallbacks"`
	CacheStaleDiscard map[string]int64 `json:"cache_stale_discards"`

	IngestAvgMS float64 `json:"ingest_avg_ms"`
	IngestMaxMS int64   `json:"ingest_max_ms"`
}

// GetSnapshot returns a copy of all current metrics
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := Snapshot{
		UptimeSeconds:       time.Since(c.startedAt).Seconds(),
		ReadingsIngested:    c.readingsIngested,
		ReadingsInvalid:     c.readingsInvalid,
		ReadingsUnknown:     c.readingsUnknown,
		ReadingsDuplicate:   c.readingsDuplicate,
		VerdictCounts:       copyCounts(c.verdictCounts),
		EpisodesOpened:      c.episodesOpened,
		EpisodesResolved:    c.episodesResolved,
		EpisodesStaleClosed: c.episodesStaleClosed,
		CacheHits:           copyCounts(c.cacheHits),
		CacheMisses:         copyCounts(c.cacheMisses),
		CacheShared:         copyCounts(c.cacheShared),
		CacheFallbacks:      copyCounts(c.cacheFallbacks),
		CacheStaleDiscard:   copyCounts(c.cacheStaleDiscard),
		IngestMaxMS:         c.ingestMaxMS,
	}
	if c.ingestCount > 0 {
		snap.IngestAvgMS = float64(c.ingestTotalMS) / float64(c.ingestCount)
	}
	return snap
}

func copyCounts(in map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
