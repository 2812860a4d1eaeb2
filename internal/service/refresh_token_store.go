package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisOpTimeout    = 500 * time.Millisecond
	defaultRefreshTTL = 30 * 24 * time.Hour
)

// RefreshTokenStore recuerda a que dispositivo pertenece cada refresh token emitido.
// Consume es de un solo uso: un jti consumido ya no vuelve a validar.
type RefreshTokenStore interface {
	Store(ctx context.Context, jti, deviceID string, ttl time.Duration) error
	Consume(ctx context.Context, jti string) (deviceID string, ok bool, err error)
}

type refreshEntry struct {
	deviceID  string
	expiresAt time.Time
}

type memoryRefreshTokenStore struct {
	mu      sync.Mutex
	entries map[string]refreshEntry
}

func NewMemoryRefreshTokenStore() RefreshTokenStore {
	return &memoryRefreshTokenStore{entries: make(map[string]refreshEntry)}
}

func (s *memoryRefreshTokenStore) Store(_ context.Context, jti, deviceID string, ttl time.Duration) error {
	if strings.TrimSpace(jti) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = refreshEntry{deviceID: deviceID, expiresAt: time.Now().UTC().Add(ttl)}
	return nil
}

func (s *memoryRefreshTokenStore) Consume(_ context.Context, jti string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jti]
	if !ok {
		return "", false, nil
	}
	delete(s.entries, jti)
	if time.Now().UTC().After(e.expiresAt) {
		return "", false, nil
	}
	return e.deviceID, true, nil
}

// redisKV es el subconjunto de go-redis que usan los stores de auth.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
}

type redisRefreshTokenStore struct {
	client redisKV
	prefix string
}

func NewRedisRefreshTokenStore(client *redis.Client) RefreshTokenStore {
	if client == nil {
		return nil
	}
	return &redisRefreshTokenStore{client: client, prefix: "rv:auth:refresh:"}
}

func (s *redisRefreshTokenStore) Store(ctx context.Context, jti, deviceID string, ttl time.Duration) error {
	if strings.TrimSpace(jti) == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+jti, deviceID, ttl).Err()
}

// Consume usa GETDEL para que dos refresh concurrentes no roten el mismo token.
func (s *redisRefreshTokenStore) Consume(ctx context.Context, jti string) (string, bool, error) {
	if strings.TrimSpace(jti) == "" {
		return "", false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	deviceID, err := s.client.GetDel(ctx, s.prefix+jti).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return deviceID, true, nil
}
