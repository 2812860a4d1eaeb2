package repository

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"rv-designer/internal/domain"
)

var (
	ErrStoreUninitialized = errors.New("image store not initialized")
	ErrInvalidImage       = errors.New("invalid image")
)

// ImageRepository persiste los payloads binarios de las imagenes por ID.
// No expone borrado: los blobs huerfanos se aceptan.
type ImageRepository interface {
	Init(ctx context.Context) error
	Put(ctx context.Context, img domain.StoredImage) error
	Get(ctx context.Context, id string) (domain.StoredImage, bool, error)
}

type pgQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgImageRepository struct {
	pool  pgQuerier
	mu    sync.Mutex
	ready atomic.Bool
}

func NewPgImageRepository(pool pgQuerier) *PgImageRepository {
	return &PgImageRepository{pool: pool}
}

func (r *PgImageRepository) Init(ctx context.Context) error {
	if r.ready.Load() {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ready.Load() {
		return nil
	}

	const query = `
		CREATE TABLE IF NOT EXISTS rv_images (
			id         TEXT PRIMARY KEY,
			mime_type  TEXT NOT NULL,
			data       BYTEA NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`
	if _, err := r.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create images table: %w", err)
	}
	r.ready.Store(true)
	return nil
}

func (r *PgImageRepository) Put(ctx context.Context, img domain.StoredImage) error {
	if !r.ready.Load() {
		return ErrStoreUninitialized
	}
	raw, err := decodeImage(img)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO rv_images (id, mime_type, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET mime_type = EXCLUDED.mime_type,
			data = EXCLUDED.data
	`
	_, err = r.pool.Exec(ctx, query, img.ID, img.MimeType, raw)
	return err
}

func (r *PgImageRepository) Get(ctx context.Context, id string) (domain.StoredImage, bool, error) {
	if !r.ready.Load() {
		return domain.StoredImage{}, false, ErrStoreUninitialized
	}

	const query = `
		SELECT id, mime_type, data
		FROM rv_images
		WHERE id = $1
	`
	var (
		img domain.StoredImage
		raw []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&img.ID, &img.MimeType, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StoredImage{}, false, nil
	}
	if err != nil {
		return domain.StoredImage{}, false, err
	}
	img.Data = base64.StdEncoding.EncodeToString(raw)
	return img, true, nil
}

func decodeImage(img domain.StoredImage) ([]byte, error) {
	if strings.TrimSpace(img.ID) == "" {
		return nil, fmt.Errorf("%w: empty id", ErrInvalidImage)
	}
	raw, err := base64.StdEncoding.DecodeString(img.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	return raw, nil
}

// MemoryImageRepository guarda los blobs en memoria (tests y modo offline del CLI).
type MemoryImageRepository struct {
	mu    sync.RWMutex
	ready bool
	items map[string]domain.StoredImage
}

func NewMemoryImageRepository() *MemoryImageRepository {
	return &MemoryImageRepository{items: make(map[string]domain.StoredImage)}
}

func (r *MemoryImageRepository) Init(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
	return nil
}

func (r *MemoryImageRepository) Put(_ context.Context, img domain.StoredImage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return ErrStoreUninitialized
	}
	if _, err := decodeImage(img); err != nil {
		return err
	}
	r.items[img.ID] = img
	return nil
}

func (r *MemoryImageRepository) Get(_ context.Context, id string) (domain.StoredImage, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.ready {
		return domain.StoredImage{}, false, ErrStoreUninitialized
	}
	img, ok := r.items[id]
	return img, ok, nil
}
