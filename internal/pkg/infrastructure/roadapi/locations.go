package roadapi

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/diwise/road-monitor-map/internal/pkg/infrastructure/logging"
	"github.com/diwise/road-monitor-map/pkg/types"
	"github.com/redis/go-redis/v9"
)

// LocationCache remembers resolved alert positions. Alerts never move, so the
// ttl only bounds memory.
type LocationCache interface {
	Get(ctx context.Context, alertID string) (types.Position, bool)
	Set(ctx context.Context, alertID string, p types.Position)
}

type cachedPosition struct {
	position types.Position
	expires  time.Time
}

type memoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedPosition
}

func NewMemoryCache(ttl time.Duration) LocationCache {
	return &memoryCache{
		ttl:     ttl,
		entries: map[string]cachedPosition{},
	}
}

func (m *memoryCache) Get(ctx context.Context, alertID string) (types.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[alertID]
	if !ok {
		return types.Position{}, false
	}

	if time.Now().After(e.expires) {
		delete(m.entries, alertID)
		return types.Position{}, false
	}

	return e.position, true
}

func (m *memoryCache) Set(ctx context.Context, alertID string, p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[alertID] = cachedPosition{position: p, expires: time.Now().Add(m.ttl)}
}

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) LocationCache {
	return &redisCache{client: client, ttl: ttl}
}

func redisKey(alertID string) string {
	return "road-monitor-map:alert-location:" + alertID
}

func (r *redisCache) Get(ctx context.Context, alertID string) (types.Position, bool) {
	b, err := r.client.Get(ctx, redisKey(alertID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log := logging.GetLoggerFromContext(ctx)
			log.Warn().Err(err).Msg("alert location cache unavailable")
		}
		return types.Position{}, false
	}

	p := types.Position{}
	if err := json.Unmarshal(b, &p); err != nil {
		return types.Position{}, false
	}

	return p, true
}

func (r *redisCache) Set(ctx context.Context, alertID string, p types.Position) {
	b, err := json.Marshal(p)
	if err != nil {
		return
	}

	if err := r.client.Set(ctx, redisKey(alertID), b, r.ttl).Err(); err != nil {
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Err(err).Msg("could not cache alert location")
	}
}
