package user

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/cache"
)

func newMiniredis(t *testing.T) (*miniredis.Miniredis, *ProjectionCache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, NewProjectionCache(cache.NewRedisCache(rdb))
}

func sampleProjection() entity.Projection {
	last := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	return entity.Projection{
		ID:         42,
		FullName:   "Jane Doe",
		Username:   "janed",
		Email:      "jane@x.edu",
		Role:       entity.RoleStudent,
		IsVerified: true,
		LastLogin:  &last,
	}
}

func TestProjectionCache_UpsertWritesBothKeys(t *testing.T) {
	mr, pc := newMiniredis(t)
	ctx := context.Background()
	proj := sampleProjection()

	require.NoError(t, pc.Upsert(ctx, proj))

	byID, err := mr.Get("user:id:42")
	require.NoError(t, err)
	byEmail, err := mr.Get("user:email:jane@x.edu")
	require.NoError(t, err)
	assert.Equal(t, byID, byEmail)
	assert.NotContains(t, byID, "password")
	assert.Equal(t, ProjectionTTL, mr.TTL("user:id:42"))
	assert.Equal(t, ProjectionTTL, mr.TTL("user:email:jane@x.edu"))

	got, err := pc.ByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, proj.Email, got.Email)
	assert.True(t, got.LastLogin.Equal(*proj.LastLogin))

	got, err = pc.ByEmail(ctx, "jane@x.edu")
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ID)
}

func TestProjectionCache_MissAndExpiry(t *testing.T) {
	mr, pc := newMiniredis(t)
	ctx := context.Background()

	_, err := pc.ByID(ctx, 7)
	assert.ErrorIs(t, err, cache.ErrMiss)

	require.NoError(t, pc.Upsert(ctx, sampleProjection()))
	mr.FastForward(ProjectionTTL + time.Second)
	_, err = pc.ByEmail(ctx, "jane@x.edu")
	assert.ErrorIs(t, err, cache.ErrMiss)
}

func TestProjectionCache_CorruptEntryIsMiss(t *testing.T) {
	mr, pc := newMiniredis(t)
	require.NoError(t, mr.Set("user:id:42", "{not json"))

	_, err := pc.ByID(context.Background(), 42)
	assert.ErrorIs(t, err, cache.ErrMiss)
	assert.False(t, mr.Exists("user:id:42"))
}

func TestProjectionCache_Session(t *testing.T) {
	mr, pc := newMiniredis(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

	require.NoError(t, pc.SetSession(ctx, entity.SessionMarker{UserID: 42, Email: "jane@x.edu", LoginTime: at}))
	assert.Equal(t, SessionTTL, mr.TTL("session:42"))

	m, err := pc.Session(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "jane@x.edu", m.Email)

	require.NoError(t, pc.DeleteSession(ctx, 42))
	assert.False(t, mr.Exists("session:42"))
}

func TestProjectionCache_InvalidateAndPurge(t *testing.T) {
	mr, pc := newMiniredis(t)
	ctx := context.Background()
	proj := sampleProjection()

	require.NoError(t, pc.Upsert(ctx, proj))
	require.NoError(t, pc.SetSession(ctx, entity.SessionMarker{UserID: 42, Email: proj.Email}))
	require.NoError(t, pc.Invalidate(ctx, 42, proj.Email))
	assert.False(t, mr.Exists("user:id:42"))
	assert.False(t, mr.Exists("user:email:jane@x.edu"))
	assert.False(t, mr.Exists("session:42"))

	require.NoError(t, pc.Upsert(ctx, proj))
	require.NoError(t, mr.Set("session:42", "x"))
	require.NoError(t, mr.Set("session:42:web", "x"))
	require.NoError(t, mr.Set("session:420", "other account"))
	require.NoError(t, pc.Purge(ctx, 42, proj.Email))

	assert.False(t, mr.Exists("user:id:42"))
	assert.False(t, mr.Exists("session:42"))
	assert.False(t, mr.Exists("session:42:web"))
	assert.True(t, mr.Exists("session:420"))
}
