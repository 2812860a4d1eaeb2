package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rv-designer/internal/domain"
)

const (
	matrixPromptPrefix = "Update the design with the following changes: "
	// MatrixIdleTTL es el tiempo sin uso tras el cual una matriz abierta se descarta.
	MatrixIdleTTL = 30 * time.Minute
)

var (
	ErrMatrixNotFound      = errors.New("design matrix not found")
	ErrNoGeneratedImage    = errors.New("no generated design to refine")
	ErrImageUnavailable    = errors.New("design image is not available")
	ErrUnknownCategory     = errors.New("unknown matrix category")
	ErrNothingSelected     = errors.New("no matrix option selected")
	ErrCustomNameRequired  = errors.New("custom category name required")
	ErrMatrixNotConfigured = errors.New("matrix service not configured")
)

// CategoryAdvisor es la capacidad remota que propone categorias y opciones.
type CategoryAdvisor interface {
	CategoriesForImage(ctx context.Context, image domain.InlineImage, history []domain.Message) ([]domain.MatrixCategory, error)
	OptionsForCategory(ctx context.Context, image domain.InlineImage, history []domain.Message, name string) ([]string, error)
}

// TurnSubmitter recibe el prompt compilado de la matriz como un turno nuevo.
type TurnSubmitter interface {
	Submit(ctx context.Context, key, sessionID string, in TurnInput) (domain.Message, error)
}

// CustomCategory es la sexta categoria, definida por el usuario.
type CustomCategory struct {
	Name    string   `json:"name"`
	Options []string `json:"options,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Matrix es el estado de una negociacion de la matriz de diseño.
// Selections usa como clave el indice de la categoria o CustomCategoryKey.
type Matrix struct {
	ID         string                  `json:"id"`
	SessionID  string                  `json:"session_id"`
	ImageID    string                  `json:"image_id"`
	Categories []domain.MatrixCategory `json:"categories"`
	Custom     *CustomCategory         `json:"custom,omitempty"`
	Selections map[string]string       `json:"selections"`

	owner    string
	image    domain.InlineImage
	history  []domain.Message
	lastUsed time.Time
}

func (m *Matrix) categoryName(key string) (string, bool) {
	if key == domain.CustomCategoryKey {
		if m.Custom == nil || m.Custom.Name == "" {
			return "", false
		}
		return m.Custom.Name, true
	}
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= len(m.Categories) {
		return "", false
	}
	return m.Categories[idx].Name, true
}

// Toggle selecciona value para la categoria; elegir el mismo valor otra vez lo deselecciona.
func (m *Matrix) Toggle(key, value string) error {
	if _, ok := m.categoryName(key); !ok {
		return ErrUnknownCategory
	}
	value = strings.TrimSpace(value)
	if value == "" || m.Selections[key] == value {
		delete(m.Selections, key)
		return nil
	}
	m.Selections[key] = value
	return nil
}

// SetFreeText pisa cualquier seleccion de botones de la categoria (y viceversa).
func (m *Matrix) SetFreeText(key, text string) error {
	if _, ok := m.categoryName(key); !ok {
		return ErrUnknownCategory
	}
	text = strings.TrimSpace(text)
	if text == "" {
		delete(m.Selections, key)
		return nil
	}
	m.Selections[key] = text
	return nil
}

// Compile arma la instruccion de edicion; ok es false si no hay nada seleccionado.
func (m *Matrix) Compile() (string, bool) {
	keys := make([]string, 0, len(m.Categories)+1)
	for i := range m.Categories {
		keys = append(keys, strconv.Itoa(i))
	}
	keys = append(keys, domain.CustomCategoryKey)

	var changes []string
	for _, key := range keys {
		value := strings.TrimSpace(m.Selections[key])
		if value == "" {
			continue
		}
		name, ok := m.categoryName(key)
		if !ok {
			continue
		}
		changes = append(changes, fmt.Sprintf("%s changed to '%s'", strings.ToLower(name), value))
	}
	if len(changes) == 0 {
		return "", false
	}
	return matrixPromptPrefix + strings.Join(changes, ", ") + ".", true
}

func (m *Matrix) snapshot() Matrix {
	out := *m
	out.Categories = make([]domain.MatrixCategory, len(m.Categories))
	for i, c := range m.Categories {
		out.Categories[i] = domain.MatrixCategory{Name: c.Name, Options: append([]string(nil), c.Options...)}
	}
	if m.Custom != nil {
		custom := *m.Custom
		custom.Options = append([]string(nil), m.Custom.Options...)
		out.Custom = &custom
	}
	out.Selections = make(map[string]string, len(m.Selections))
	for k, v := range m.Selections {
		out.Selections[k] = v
	}
	return out
}

// MatrixService abre matrices sobre la ultima imagen generada y compila las selecciones
// en un turno de edicion.
type MatrixService struct {
	workspaces *WorkspaceRegistry
	resolver   *ImageResolver
	advisor    CategoryAdvisor
	turns      TurnSubmitter
	logger     *zap.Logger

	mu    sync.Mutex
	items map[string]*Matrix
	now   func() time.Time
}

func NewMatrixService(workspaces *WorkspaceRegistry, resolver *ImageResolver, advisor CategoryAdvisor, turns TurnSubmitter, logger *zap.Logger) *MatrixService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MatrixService{
		workspaces: workspaces,
		resolver:   resolver,
		advisor:    advisor,
		turns:      turns,
		logger:     logger,
		items:      make(map[string]*Matrix),
		now:        time.Now,
	}
}

func (s *MatrixService) Open(ctx context.Context, key, sessionID string) (Matrix, error) {
	if s == nil || s.workspaces == nil || s.advisor == nil {
		return Matrix{}, ErrMatrixNotConfigured
	}
	ws, err := s.workspaces.Get(ctx, key)
	if err != nil {
		return Matrix{}, err
	}
	session, err := ws.Session(sessionID)
	if err != nil {
		return Matrix{}, err
	}
	img, ok := session.LatestGeneratedImage()
	if !ok {
		return Matrix{}, ErrNoGeneratedImage
	}
	hydrated := s.resolver.Hydrate(ctx, img)
	if !hydrated.HasData() {
		return Matrix{}, ErrImageUnavailable
	}

	categories, err := s.advisor.CategoriesForImage(ctx, hydrated.Inline(), session.Messages)
	if err != nil {
		s.logger.Warn("matrix categories failed", zap.Error(err), zap.String("session_id", sessionID))
		if errors.Is(err, ErrNoCategories) {
			return Matrix{}, err
		}
		return Matrix{}, fmt.Errorf("%w: %v", ErrNoCategories, err)
	}
	categories = limitCategories(categories)
	if len(categories) == 0 {
		return Matrix{}, ErrNoCategories
	}

	m := &Matrix{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		ImageID:    img.ID,
		Categories: categories,
		Selections: make(map[string]string),
		owner:      key,
		image:      hydrated.Inline(),
		history:    session.Messages,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	// Una sola matriz abierta por dispositivo y sesion: reabrir reemplaza la anterior.
	for id, other := range s.items {
		if other.owner == key && other.SessionID == sessionID {
			delete(s.items, id)
		}
	}
	m.lastUsed = now
	s.items[m.ID] = m
	return m.snapshot(), nil
}

func (s *MatrixService) sweepLocked(now time.Time) {
	for id, m := range s.items {
		if now.Sub(m.lastUsed) > MatrixIdleTTL {
			delete(s.items, id)
		}
	}
}

func limitCategories(in []domain.MatrixCategory) []domain.MatrixCategory {
	if len(in) > domain.MaxMatrixCategories {
		in = in[:domain.MaxMatrixCategories]
	}
	out := make([]domain.MatrixCategory, 0, len(in))
	for _, c := range in {
		options := c.Options
		if len(options) > domain.MaxOptionsPerCategory {
			options = options[:domain.MaxOptionsPerCategory]
		}
		out = append(out, domain.MatrixCategory{Name: c.Name, Options: options})
	}
	return out
}

func (s *MatrixService) Get(key, id string) (Matrix, error) {
	var out Matrix
	err := s.with(key, id, func(m *Matrix) error {
		out = m.snapshot()
		return nil
	})
	return out, err
}

func (s *MatrixService) Toggle(key, id, category, value string) (Matrix, error) {
	var out Matrix
	err := s.with(key, id, func(m *Matrix) error {
		if err := m.Toggle(category, value); err != nil {
			return err
		}
		out = m.snapshot()
		return nil
	})
	return out, err
}

func (s *MatrixService) SetFreeText(key, id, category, text string) (Matrix, error) {
	var out Matrix
	err := s.with(key, id, func(m *Matrix) error {
		if err := m.SetFreeText(category, text); err != nil {
			return err
		}
		out = m.snapshot()
		return nil
	})
	return out, err
}

// DefineCustom crea la categoria del usuario y pide sus opciones. Un fallo remoto queda
// guardado solo en esa categoria.
func (s *MatrixService) DefineCustom(ctx context.Context, key, id, name string) (Matrix, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Matrix{}, ErrCustomNameRequired
	}

	var (
		image   domain.InlineImage
		history []domain.Message
	)
	err := s.with(key, id, func(m *Matrix) error {
		m.Custom = &CustomCategory{Name: name}
		delete(m.Selections, domain.CustomCategoryKey)
		image, history = m.image, m.history
		return nil
	})
	if err != nil {
		return Matrix{}, err
	}

	options, optErr := s.advisor.OptionsForCategory(ctx, image, history, name)
	if optErr != nil {
		s.logger.Warn("custom category options failed", zap.Error(optErr), zap.String("category", name))
	}

	var out Matrix
	err = s.with(key, id, func(m *Matrix) error {
		if m.Custom == nil || m.Custom.Name != name {
			out = m.snapshot()
			return nil
		}
		if optErr != nil {
			m.Custom.Error = "Could not load options for this category."
		} else {
			if len(options) > domain.MaxOptionsPerCategory {
				options = options[:domain.MaxOptionsPerCategory]
			}
			m.Custom.Options = options
		}
		out = m.snapshot()
		return nil
	})
	return out, err
}

// Generate compila las selecciones y las envia como turno. La matriz se cierra si el
// turno se acepto.
func (s *MatrixService) Generate(ctx context.Context, key, id string) (domain.Message, error) {
	var (
		prompt    string
		sessionID string
	)
	err := s.with(key, id, func(m *Matrix) error {
		compiled, ok := m.Compile()
		if !ok {
			return ErrNothingSelected
		}
		prompt, sessionID = compiled, m.SessionID
		return nil
	})
	if err != nil {
		return domain.Message{}, err
	}

	msg, err := s.turns.Submit(ctx, key, sessionID, TurnInput{Text: prompt})
	if err != nil {
		return domain.Message{}, err
	}
	s.Close(key, id)
	return msg, nil
}

func (s *MatrixService) Close(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.items[id]; ok && m.owner == key {
		delete(s.items, id)
	}
}

func (s *MatrixService) with(key, id string, fn func(m *Matrix) error) error {
	if s == nil {
		return ErrMatrixNotConfigured
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.sweepLocked(now)
	m, ok := s.items[id]
	if !ok || m.owner != key {
		return ErrMatrixNotFound
	}
	m.lastUsed = now
	return fn(m)
}
