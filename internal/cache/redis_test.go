package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestMirror(t *testing.T) (*ComplianceMirror, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewComplianceMirror(client, time.Minute, true, testLogger()), mr
}

func TestMirrorSetGet(t *testing.T) {
	mirror, _ := newTestMirror(t)
	ctx := context.Background()

	type summary struct {
		Total int `json:"total"`
	}
	mirror.Set(ctx, KeySummary, summary{Total: 7})

	var got summary
	require.True(t, mirror.Get(ctx, KeySummary, &got))
	require.Equal(t, 7, got.Total)
}

func TestMirrorGetMiss(t *testing.T) {
	mirror, _ := newTestMirror(t)

	var got map[string]interface{}
	require.False(t, mirror.Get(context.Background(), "absent", &got))
}

func TestMirrorKeysArePrefixed(t *testing.T) {
	mirror, mr := newTestMirror(t)

	mirror.Set(context.Background(), KeySummary, 1)
	require.True(t, mr.Exists("bio_supply_twin:summary"))
}

func TestMirrorInvalidateEntity(t *testing.T) {
	mirror, mr := newTestMirror(t)
	ctx := context.Background()

	mirror.Set(ctx, EntityStatusKey("BOX-1"), "status")
	mirror.Set(ctx, EntityStatusKey("BOX-2"), "status")
	mirror.Set(ctx, KeySummary, "summary")
	mirror.Set(ctx, KeyOpenExcursions, "open")

	mirror.InvalidateEntity(ctx, "BOX-1")

	require.False(t, mr.Exists("bio_supply_twin:entity:BOX-1:status"))
	require.False(t, mr.Exists("bio_supply_twin:summary"))
	require.False(t, mr.Exists("bio_supply_twin:excursions:open"))
	require.True(t, mr.Exists("bio_supply_twin:entity:BOX-2:status"))
}

// A disabled mirror is a safe no-op even with a nil client
func TestMirrorDisabled(t *testing.T) {
	mirror := NewComplianceMirror(nil, time.Minute, false, testLogger())
	ctx := context.Background()

	mirror.Set(ctx, KeySummary, 1)
	mirror.Delete(ctx, KeySummary)
	mirror.InvalidateEntity(ctx, "BOX-1")

	var got int
	require.False(t, mirror.Get(ctx, KeySummary, &got))
}
