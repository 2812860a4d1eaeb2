package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrTurnInFlight = errors.New("a turn is already in progress for this session")

// TurnGuard evita dos turnos simultaneos sobre la misma sesion.
type TurnGuard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

type memoryTurnGuard struct {
	mu    sync.Mutex
	inUse map[string]bool
}

func NewMemoryTurnGuard() TurnGuard {
	return &memoryTurnGuard{inUse: make(map[string]bool)}
}

func (g *memoryTurnGuard) Acquire(_ context.Context, key string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inUse[key] {
		return nil, ErrTurnInFlight
	}
	g.inUse[key] = true
	return func() {
		g.mu.Lock()
		delete(g.inUse, key)
		g.mu.Unlock()
	}, nil
}

const redisTurnReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type redisLocker interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

type redisTurnGuard struct {
	client redisLocker
	ttl    time.Duration
	prefix string
}

// NewRedisTurnGuard usa SET NX con TTL; el TTL libera el lock si el proceso muere a mitad de turno.
func NewRedisTurnGuard(client *redis.Client, ttl time.Duration) TurnGuard {
	if client == nil {
		return nil
	}
	return newRedisTurnGuard(client, ttl)
}

func newRedisTurnGuard(client redisLocker, ttl time.Duration) *redisTurnGuard {
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &redisTurnGuard{client: client, ttl: ttl, prefix: "rv:turn:"}
}

func (g *redisTurnGuard) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	lockKey := g.prefix + key

	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	ok, err := g.client.SetNX(opCtx, lockKey, token, g.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrTurnInFlight
	}
	return func() {
		relCtx, relCancel := context.WithTimeout(context.Background(), redisOpTimeout)
		defer relCancel()
		_ = g.client.Eval(relCtx, redisTurnReleaseScript, []string{lockKey}, token).Err()
	}, nil
}
