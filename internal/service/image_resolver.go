package service

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rv-designer/internal/domain"
	"rv-designer/internal/repository"
)

// ImageResolver hidrata ImageRefs sin payload desde el blob store.
// Las lecturas concurrentes del mismo id se agrupan en una sola consulta.
type ImageResolver struct {
	images repository.ImageRepository
	logger *zap.Logger
	group  singleflight.Group
}

func NewImageResolver(images repository.ImageRepository, logger *zap.Logger) *ImageResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImageResolver{images: images, logger: logger}
}

// Resolve devuelve nil para nil, el mismo ref si ya tiene datos, o una copia con el
// payload del blob store. Un miss o un error devuelven el ref original sin datos.
func (r *ImageResolver) Resolve(ctx context.Context, ref *domain.ImageRef) *domain.ImageRef {
	if ref == nil {
		return nil
	}
	if ref.HasData() {
		return ref
	}
	if r == nil || r.images == nil || ref.ID == "" {
		return ref
	}

	// La lectura compartida no depende de la cancelacion de quien llego primero.
	fetchCtx := context.WithoutCancel(ctx)
	v, err, _ := r.group.Do(ref.ID, func() (any, error) {
		img, ok, err := r.images.Get(fetchCtx, ref.ID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		return img, nil
	})
	if err != nil {
		r.logger.Warn("image hydration failed", zap.Error(err), zap.String("image_id", ref.ID))
		return ref
	}
	stored, ok := v.(domain.StoredImage)
	if !ok || stored.Data == "" {
		return ref
	}

	hydrated := ref.WithData(stored.Data)
	if hydrated.MimeType == "" {
		hydrated.MimeType = stored.MimeType
	}
	return &hydrated
}

// Hydrate es la variante por valor de Resolve.
func (r *ImageResolver) Hydrate(ctx context.Context, ref domain.ImageRef) domain.ImageRef {
	return *r.Resolve(ctx, &ref)
}

// ImageView sigue la hidratacion de una imagen mostrada. Si el ref cambia antes de
// que termine una lectura, el resultado viejo se descarta.
type ImageView struct {
	resolver *ImageResolver

	mu       sync.Mutex
	seq      uint64
	identity string
	loaded   *domain.ImageRef
	loading  bool
	done     chan struct{}
}

func (r *ImageResolver) NewView() *ImageView {
	done := make(chan struct{})
	close(done)
	return &ImageView{resolver: r, done: done}
}

func refIdentity(ref *domain.ImageRef) string {
	if ref == nil {
		return ""
	}
	if ref.HasData() {
		return ref.ID + "#data"
	}
	return ref.ID
}

// Set cambia el ref mostrado y relanza la hidratacion si su identidad cambio.
func (v *ImageView) Set(ctx context.Context, ref *domain.ImageRef) {
	identity := refIdentity(ref)

	v.mu.Lock()
	if identity == v.identity && v.seq > 0 {
		v.mu.Unlock()
		return
	}
	v.seq++
	seq := v.seq
	v.identity = identity

	if ref == nil || ref.HasData() {
		v.loaded = ref
		v.loading = false
		done := make(chan struct{})
		close(done)
		v.done = done
		v.mu.Unlock()
		return
	}

	v.loaded = nil
	v.loading = true
	done := make(chan struct{})
	v.done = done
	v.mu.Unlock()

	go func() {
		defer close(done)
		res := v.resolver.Resolve(ctx, ref)

		v.mu.Lock()
		defer v.mu.Unlock()
		if v.seq != seq {
			return
		}
		v.loaded = res
		v.loading = false
	}()
}

// State devuelve la imagen cargada y si la hidratacion sigue en curso.
func (v *ImageView) State() (*domain.ImageRef, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.loaded, v.loading
}

// Wait bloquea hasta que termine la hidratacion del ref actual.
func (v *ImageView) Wait(ctx context.Context) (*domain.ImageRef, error) {
	for {
		v.mu.Lock()
		done := v.done
		seq := v.seq
		v.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-done:
		}

		v.mu.Lock()
		if v.seq == seq && !v.loading {
			loaded := v.loaded
			v.mu.Unlock()
			return loaded, nil
		}
		v.mu.Unlock()
	}
}
