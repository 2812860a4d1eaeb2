package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrDeviceServiceNotConfigured = errors.New("device service not configured")
	ErrInvalidDeviceCredentials   = errors.New("invalid device credentials")
)

// DeviceStore guarda el hash del secreto de cada dispositivo.
type DeviceStore interface {
	Save(ctx context.Context, deviceID, secretHash string) error
	Get(ctx context.Context, deviceID string) (string, bool, error)
}

// DeviceCredentials se devuelve una unica vez al registrar el dispositivo.
type DeviceCredentials struct {
	DeviceID     string `json:"device_id"`
	DeviceSecret string `json:"device_secret"`
}

// DeviceService registra navegadores/CLIs y les emite tokens. Cada dispositivo
// es dueño de una lista de sesiones.
type DeviceService struct {
	store DeviceStore
	jwt   *JWTService
}

func NewDeviceService(store DeviceStore, jwt *JWTService) *DeviceService {
	return &DeviceService{store: store, jwt: jwt}
}

func (s *DeviceService) Register(ctx context.Context) (DeviceCredentials, error) {
	if s == nil || s.store == nil {
		return DeviceCredentials{}, ErrDeviceServiceNotConfigured
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return DeviceCredentials{}, fmt.Errorf("generate device secret: %w", err)
	}
	secret := hex.EncodeToString(buf)
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return DeviceCredentials{}, fmt.Errorf("hash device secret: %w", err)
	}

	creds := DeviceCredentials{DeviceID: uuid.NewString(), DeviceSecret: secret}
	if err := s.store.Save(ctx, creds.DeviceID, string(hash)); err != nil {
		return DeviceCredentials{}, fmt.Errorf("save device: %w", err)
	}
	return creds, nil
}

func (s *DeviceService) IssueToken(ctx context.Context, deviceID, secret string) (TokenPair, error) {
	if s == nil || s.store == nil || s.jwt == nil {
		return TokenPair{}, ErrDeviceServiceNotConfigured
	}
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" || secret == "" {
		return TokenPair{}, ErrInvalidDeviceCredentials
	}
	hash, ok, err := s.store.Get(ctx, deviceID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("get device: %w", err)
	}
	if !ok {
		return TokenPair{}, ErrInvalidDeviceCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return TokenPair{}, ErrInvalidDeviceCredentials
	}
	return s.jwt.GeneratePair(ctx, deviceID)
}

func (s *DeviceService) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if s == nil || s.jwt == nil {
		return TokenPair{}, ErrDeviceServiceNotConfigured
	}
	return s.jwt.RefreshPair(ctx, refreshToken)
}

type memoryDeviceStore struct {
	mu    sync.RWMutex
	items map[string]string
}

func NewMemoryDeviceStore() DeviceStore {
	return &memoryDeviceStore{items: make(map[string]string)}
}

func (s *memoryDeviceStore) Save(_ context.Context, deviceID, secretHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[deviceID] = secretHash
	return nil
}

func (s *memoryDeviceStore) Get(_ context.Context, deviceID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	hash, ok := s.items[deviceID]
	return hash, ok, nil
}

type redisDeviceStore struct {
	client redisKV
	prefix string
}

func NewRedisDeviceStore(client *redis.Client) DeviceStore {
	if client == nil {
		return nil
	}
	return &redisDeviceStore{client: client, prefix: "rv:device:"}
}

func (s *redisDeviceStore) Save(ctx context.Context, deviceID, secretHash string) error {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	return s.client.Set(ctx, s.prefix+deviceID, secretHash, 0).Err()
}

func (s *redisDeviceStore) Get(ctx context.Context, deviceID string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	hash, err := s.client.Get(ctx, s.prefix+deviceID).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
