package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "bio_supply_twin:"

// Mirror keys
const (
	KeySummary        = "summary"
	KeyOpenExcursions = "excursions:open"
)

// EntityStatusKey builds the cache key for one entity's status
func EntityStatusKey(entityID string) string {
	return fmt.Sprintf("entity:%s:status", entityID)
}

// ComplianceMirror publishes computed compliance state to Redis so other
// services can read it without calling this service. Writes are
// best-effort; a failed mirror write never fails the request that
// produced the value.
type ComplianceMirror struct {
	client  *redis.Client
	ttl     time.Duration
	enabled bool
	log     *logrus.Logger
}

// NewComplianceMirror creates a Redis mirror. When enabled is false the
// mirror is a no-op and the client may be nil.
func NewComplianceMirror(client *redis.Client, ttl time.Duration, enabled bool, log *logrus.Logger) *ComplianceMirror {
	return &ComplianceMirror{
		client:  client,
		ttl:     ttl,
		enabled: enabled,
		log:     log,
	}
}

// Enabled reports whether the mirror writes to Redis
func (m *ComplianceMirror) Enabled() bool {
	return m.enabled && m.client != nil
}

// Set mirrors a value under the prefixed key
func (m *ComplianceMirror) Set(ctx context.Context, key string, value interface{}) {
	if !m.Enabled() {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		m.log.WithError(err).WithField("key", key).Warn("Failed to marshal value for Redis mirror")
		return
	}
	if err := m.client.Set(ctx, keyPrefix+key, data, m.ttl).Err(); err != nil {
		m.log.WithError(err).WithField("key", key).Warn("Failed to write Redis mirror")
	}
}

// Get reads a mirrored value into dest, returning false on miss
func (m *ComplianceMirror) Get(ctx context.Context, key string, dest interface{}) bool {
	if !m.Enabled() {
		return false
	}
	data, err := m.client.Get(ctx, keyPrefix+key).Result()
	if err != nil {
		if err != redis.Nil {
			m.log.WithError(err).WithField("key", key).Warn("Failed to read Redis mirror")
		}
		return false
	}
	if err := json.Unmarshal([]byte(data), dest); err != nil {
		m.log.WithError(err).WithField("key", key).Warn("Failed to unmarshal Redis mirror value")
		return false
	}
	return true
}

// Delete removes mirrored keys
func (m *ComplianceMirror) Delete(ctx context.Context, keys ...string) {
	if !m.Enabled() || len(keys) == 0 {
		return
	}
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = keyPrefix + k
	}
	if err := m.client.Del(ctx, prefixed...).Err(); err != nil {
		m.log.WithError(err).Warn("Failed to delete Redis mirror keys")
	}
}

// InvalidateEntity removes the mirrored keys affected by a change to one
// entity's state
func (m *ComplianceMirror) InvalidateEntity(ctx context.Context, entityID string) {
	m.Delete(ctx, EntityStatusKey(entityID), KeySummary, KeyOpenExcursions)
}

// NewRedisClient connects to Redis and verifies the connection
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
