package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"rv-designer/internal/domain"
)

// DefaultSessionQuotaBytes imita el limite tipico del almacenamiento local de un navegador.
const DefaultSessionQuotaBytes = 5 * 1024 * 1024

var ErrQuotaExceeded = errors.New("session store quota exceeded")

// SessionRepository persiste la lista de sesiones de un dispositivo sin payloads de imagen.
type SessionRepository interface {
	Load(ctx context.Context, key string) ([]domain.ChatSession, error)
	Save(ctx context.Context, key string, sessions []domain.ChatSession) error
	// Subscribe notifica cambios sobre key hechos por otros escritores. Last writer wins.
	Subscribe(ctx context.Context, key string, fn func([]domain.ChatSession)) error
}

func encodeSessions(sessions []domain.ChatSession, quota int) ([]byte, error) {
	payload, err := json.Marshal(SanitizeSessions(sessions))
	if err != nil {
		return nil, fmt.Errorf("marshal sessions: %w", err)
	}
	if quota > 0 && len(payload) > quota {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrQuotaExceeded, len(payload), quota)
	}
	return payload, nil
}

func decodeSessions(payload []byte) ([]domain.ChatSession, error) {
	if len(payload) == 0 {
		return []domain.ChatSession{}, nil
	}
	var sessions []domain.ChatSession
	if err := json.Unmarshal(payload, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	if sessions == nil {
		sessions = []domain.ChatSession{}
	}
	return sessions, nil
}

type redisSessionClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

type RedisSessionRepository struct {
	client   redisSessionClient
	quota    int
	writerID string
	logger   *zap.Logger
}

func NewRedisSessionRepository(client *redis.Client, quota int, logger *zap.Logger) *RedisSessionRepository {
	return newRedisSessionRepository(client, quota, logger)
}

func newRedisSessionRepository(client redisSessionClient, quota int, logger *zap.Logger) *RedisSessionRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSessionRepository{
		client:   client,
		quota:    quota,
		writerID: uuid.NewString(),
		logger:   logger,
	}
}

func changeChannel(key string) string {
	return key + ":changed"
}

func (r *RedisSessionRepository) Load(ctx context.Context, key string) ([]domain.ChatSession, error) {
	payload, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return []domain.ChatSession{}, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeSessions(payload)
}

func (r *RedisSessionRepository) Save(ctx context.Context, key string, sessions []domain.ChatSession) error {
	payload, err := encodeSessions(sessions, r.quota)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, key, payload, 0).Err(); err != nil {
		return err
	}
	if err := r.client.Publish(ctx, changeChannel(key), r.writerID).Err(); err != nil {
		r.logger.Warn("session change publish failed", zap.Error(err), zap.String("key", key))
	}
	return nil
}

func (r *RedisSessionRepository) Subscribe(ctx context.Context, key string, fn func([]domain.ChatSession)) error {
	pubsub := r.client.Subscribe(ctx, changeChannel(key))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe %s: %w", key, err)
	}

	go func() {
		defer pubsub.Close()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == r.writerID {
					continue
				}
				sessions, err := r.Load(ctx, key)
				if err != nil {
					r.logger.Warn("reload sessions after external change failed", zap.Error(err), zap.String("key", key))
					continue
				}
				fn(sessions)
			}
		}
	}()
	return nil
}

// memorySessionSub entrega cambios en su propia goroutine. Solo guarda el ultimo
// payload pendiente: quien suscribe siempre termina viendo la ultima escritura.
type memorySessionSub struct {
	writerID string
	key      string

	mu      sync.Mutex
	pending []byte
	wake    chan struct{}
}

func (s *memorySessionSub) offer(payload []byte) {
	s.mu.Lock()
	s.pending = payload
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *memorySessionSub) take() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pending
	s.pending = nil
	return p
}

type memorySessionData struct {
	mu    sync.Mutex
	items map[string][]byte
	subs  map[int]*memorySessionSub
	next  int
}

// MemorySessionRepository guarda sesiones en memoria. Peer crea otro escritor que
// comparte los datos, util para simular otra pestaña.
type MemorySessionRepository struct {
	data     *memorySessionData
	quota    int
	writerID string
}

func NewMemorySessionRepository(quota int) *MemorySessionRepository {
	return &MemorySessionRepository{
		data: &memorySessionData{
			items: make(map[string][]byte),
			subs:  make(map[int]*memorySessionSub),
		},
		quota:    quota,
		writerID: uuid.NewString(),
	}
}

func (r *MemorySessionRepository) Peer() *MemorySessionRepository {
	return &MemorySessionRepository{
		data:     r.data,
		quota:    r.quota,
		writerID: uuid.NewString(),
	}
}

func (r *MemorySessionRepository) Load(_ context.Context, key string) ([]domain.ChatSession, error) {
	r.data.mu.Lock()
	payload := r.data.items[key]
	r.data.mu.Unlock()
	return decodeSessions(payload)
}

func (r *MemorySessionRepository) Save(_ context.Context, key string, sessions []domain.ChatSession) error {
	payload, err := encodeSessions(sessions, r.quota)
	if err != nil {
		return err
	}

	// offer no bloquea ni llama al callback, asi que puede ir bajo el lock y conservar
	// el orden de las escrituras.
	r.data.mu.Lock()
	defer r.data.mu.Unlock()
	r.data.items[key] = payload
	for _, sub := range r.data.subs {
		if sub.key == key && sub.writerID != r.writerID {
			sub.offer(payload)
		}
	}
	return nil
}

func (r *MemorySessionRepository) Subscribe(ctx context.Context, key string, fn func([]domain.ChatSession)) error {
	sub := &memorySessionSub{writerID: r.writerID, key: key, wake: make(chan struct{}, 1)}
	r.data.mu.Lock()
	id := r.data.next
	r.data.next++
	r.data.subs[id] = sub
	r.data.mu.Unlock()

	go func() {
		defer func() {
			r.data.mu.Lock()
			delete(r.data.subs, id)
			r.data.mu.Unlock()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.wake:
				payload := sub.take()
				if payload == nil {
					continue
				}
				sessions, err := decodeSessions(payload)
				if err != nil {
					continue
				}
				fn(sessions)
			}
		}
	}()
	return nil
}
