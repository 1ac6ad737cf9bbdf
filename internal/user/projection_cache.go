package user

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/cache"
)

const (
	ProjectionTTL = time.Hour
	SessionTTL    = 24 * time.Hour
)

func idKey(id int64) string        { return "user:id:" + entity.IDString(id) }
func emailKey(email string) string { return "user:email:" + email }
func sessionKey(id int64) string   { return "session:" + entity.IDString(id) }
func sessionScope(id int64) string { return sessionKey(id) + ":" }

type multiSetter interface {
	SetMany(ctx context.Context, entries map[string][]byte, ttl time.Duration) error
}

// ProjectionCache owns every account key in the cache. Both projection keys
// are only ever written or removed together.
type ProjectionCache struct {
	c cache.Cache
}

func NewProjectionCache(c cache.Cache) *ProjectionCache {
	return &ProjectionCache{c: c}
}

// Upsert writes the projection under the by-id and by-email keys.
func (p *ProjectionCache) Upsert(ctx context.Context, proj entity.Projection) error {
	b, err := json.Marshal(proj)
	if err != nil {
		return fmt.Errorf("encode projection: %w", err)
	}
	if ms, ok := p.c.(multiSetter); ok {
		return ms.SetMany(ctx, map[string][]byte{idKey(proj.ID): b, emailKey(proj.Email): b}, ProjectionTTL)
	}
	if err := p.c.Set(ctx, idKey(proj.ID), b, ProjectionTTL); err != nil {
		return err
	}
	if err := p.c.Set(ctx, emailKey(proj.Email), b, ProjectionTTL); err != nil {
		// leave neither key behind rather than one stale copy
		_ = p.c.Delete(ctx, idKey(proj.ID))
		return err
	}
	return nil
}

// ByID returns the cached projection; cache.ErrMiss when absent.
func (p *ProjectionCache) ByID(ctx context.Context, id int64) (*entity.Projection, error) {
	return p.get(ctx, idKey(id))
}

// ByEmail returns the cached projection; cache.ErrMiss when absent.
func (p *ProjectionCache) ByEmail(ctx context.Context, email string) (*entity.Projection, error) {
	return p.get(ctx, emailKey(email))
}

func (p *ProjectionCache) get(ctx context.Context, key string) (*entity.Projection, error) {
	b, err := p.c.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var proj entity.Projection
	if err := json.Unmarshal(b, &proj); err != nil {
		// a corrupt entry is as good as a miss
		_ = p.c.Delete(ctx, key)
		return nil, cache.ErrMiss
	}
	return &proj, nil
}

// SetSession writes the advisory session marker.
func (p *ProjectionCache) SetSession(ctx context.Context, m entity.SessionMarker) error {
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode session marker: %w", err)
	}
	return p.c.Set(ctx, sessionKey(m.UserID), b, SessionTTL)
}

// Session returns the session marker for id; cache.ErrMiss when absent.
func (p *ProjectionCache) Session(ctx context.Context, id int64) (*entity.SessionMarker, error) {
	b, err := p.c.Get(ctx, sessionKey(id))
	if err != nil {
		return nil, err
	}
	var m entity.SessionMarker
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, cache.ErrMiss
	}
	return &m, nil
}

func (p *ProjectionCache) DeleteSession(ctx context.Context, id int64) error {
	return p.c.Delete(ctx, sessionKey(id))
}

// Invalidate removes both projections and the session marker.
func (p *ProjectionCache) Invalidate(ctx context.Context, id int64, email string) error {
	return p.c.Delete(ctx, idKey(id), emailKey(email), sessionKey(id))
}

// Purge is Invalidate plus any client-scoped `session:<id>:*` markers.
func (p *ProjectionCache) Purge(ctx context.Context, id int64, email string) error {
	return errors.Join(
		p.Invalidate(ctx, id, email),
		p.c.DeleteByPrefix(ctx, sessionScope(id)),
	)
}
