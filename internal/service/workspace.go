package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rv-designer/internal/domain"
	"rv-designer/internal/repository"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMessageNotFound = errors.New("message not found")
)

// SessionKey es la clave del session store para un dispositivo.
func SessionKey(deviceID string) string {
	return "rv:sessions:" + deviceID
}

// Workspace es el estado de la aplicacion de un dispositivo: sus sesiones y la activa.
// Cada mutacion se persiste; si el guardado falla se loguea y se sigue.
type Workspace struct {
	key    string
	repo   repository.SessionRepository
	logger *zap.Logger

	mu       sync.RWMutex
	sessions []domain.ChatSession
	activeID string
}

// OpenWorkspace carga las sesiones y aplica una sola vez la regla de inicializacion:
// si no hay sesiones se crea exactamente una.
func OpenWorkspace(ctx context.Context, key string, repo repository.SessionRepository, logger *zap.Logger) (*Workspace, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sessions, err := repo.Load(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}

	w := &Workspace{
		key:      key,
		repo:     repo,
		logger:   logger,
		sessions: sessions,
	}
	if len(w.sessions) == 0 {
		w.sessions = []domain.ChatSession{newChatSession()}
		w.activeID = w.sessions[0].ID
		w.mu.Lock()
		w.persistLocked(ctx)
		w.mu.Unlock()
	} else {
		w.activeID = w.sessions[0].ID
	}
	return w, nil
}

func newChatSession() domain.ChatSession {
	return domain.ChatSession{
		ID:        uuid.NewString(),
		Title:     domain.DefaultSessionTitle,
		Messages:  []domain.Message{},
		CreatedAt: time.Now().UTC(),
	}
}

// Watch aplica los cambios externos sobre la misma clave (otra pestaña o replica).
func (w *Workspace) Watch(ctx context.Context) error {
	return w.repo.Subscribe(ctx, w.key, w.replaceAll)
}

func (w *Workspace) replaceAll(sessions []domain.ChatSession) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(sessions) == 0 {
		sessions = []domain.ChatSession{newChatSession()}
	}
	w.sessions = sessions
	if w.indexLocked(w.activeID) < 0 {
		w.activeID = sessions[0].ID
	}
	w.logger.Info("sessions replaced by external change", zap.String("key", w.key), zap.Int("sessions", len(sessions)))
}

func (w *Workspace) Key() string {
	return w.key
}

func (w *Workspace) Sessions() []domain.ChatSession {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]domain.ChatSession, len(w.sessions))
	for i, s := range w.sessions {
		out[i] = cloneSession(s)
	}
	return out
}

func (w *Workspace) Session(id string) (domain.ChatSession, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idx := w.indexLocked(id)
	if idx < 0 {
		return domain.ChatSession{}, ErrSessionNotFound
	}
	return cloneSession(w.sessions[idx]), nil
}

func (w *Workspace) Active() domain.ChatSession {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idx := w.indexLocked(w.activeID)
	if idx < 0 {
		return cloneSession(w.sessions[0])
	}
	return cloneSession(w.sessions[idx])
}

func (w *Workspace) SetActive(id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.indexLocked(id) < 0 {
		return ErrSessionNotFound
	}
	w.activeID = id
	return nil
}

// CreateSession agrega una sesion vacia al principio y la deja activa.
func (w *Workspace) CreateSession(ctx context.Context) domain.ChatSession {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := newChatSession()
	w.sessions = append([]domain.ChatSession{s}, w.sessions...)
	w.activeID = s.ID
	w.persistLocked(ctx)
	return cloneSession(s)
}

// DeleteSession borra la sesion pero no sus blobs. Si era la ultima se crea otra.
func (w *Workspace) DeleteSession(ctx context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.indexLocked(id)
	if idx < 0 {
		return ErrSessionNotFound
	}
	w.sessions = append(w.sessions[:idx], w.sessions[idx+1:]...)
	if len(w.sessions) == 0 {
		w.sessions = []domain.ChatSession{newChatSession()}
	}
	if w.activeID == id || w.indexLocked(w.activeID) < 0 {
		w.activeID = w.sessions[0].ID
	}
	w.persistLocked(ctx)
	return nil
}

func (w *Workspace) Rename(ctx context.Context, id, title string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.indexLocked(id)
	if idx < 0 {
		return ErrSessionNotFound
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = domain.DefaultSessionTitle
	}
	w.sessions[idx].Title = title
	w.persistLocked(ctx)
	return nil
}

// Append agrega mensajes al final de la sesion. Una sesion sin titulo toma el del
// primer texto de usuario.
func (w *Workspace) Append(ctx context.Context, sessionID string, msgs ...domain.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.indexLocked(sessionID)
	if idx < 0 {
		return ErrSessionNotFound
	}
	s := &w.sessions[idx]
	for _, m := range msgs {
		if s.Title == domain.DefaultSessionTitle && m.Role == domain.RoleUser && strings.TrimSpace(m.Text) != "" && !hasUserText(s.Messages) {
			s.Title = domain.NewSessionTitle(m.Text)
		}
		s.Messages = append(s.Messages, m)
	}
	w.persistLocked(ctx)
	return nil
}

// Replace sustituye completo el mensaje messageID (el placeholder de carga).
func (w *Workspace) Replace(ctx context.Context, sessionID, messageID string, msg domain.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.indexLocked(sessionID)
	if idx < 0 {
		return ErrSessionNotFound
	}
	s := &w.sessions[idx]
	for i := range s.Messages {
		if s.Messages[i].ID == messageID {
			s.Messages[i] = msg
			w.persistLocked(ctx)
			return nil
		}
	}
	return ErrMessageNotFound
}

// HasImage indica si algun mensaje de este workspace referencia la imagen id.
func (w *Workspace) HasImage(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range w.sessions {
		for _, m := range s.Messages {
			for _, img := range m.Images {
				if img.ID == id {
					return true
				}
			}
		}
	}
	return false
}

func (w *Workspace) persistLocked(ctx context.Context) {
	if err := w.repo.Save(ctx, w.key, w.sessions); err != nil {
		w.logger.Error("save sessions failed", zap.Error(err), zap.String("key", w.key))
	}
}

func (w *Workspace) indexLocked(id string) int {
	for i := range w.sessions {
		if w.sessions[i].ID == id {
			return i
		}
	}
	return -1
}

func hasUserText(msgs []domain.Message) bool {
	for _, m := range msgs {
		if m.Role == domain.RoleUser && strings.TrimSpace(m.Text) != "" {
			return true
		}
	}
	return false
}

func cloneSession(s domain.ChatSession) domain.ChatSession {
	out := s
	out.Messages = make([]domain.Message, len(s.Messages))
	for i, m := range s.Messages {
		cm := m
		if m.Images != nil {
			cm.Images = append([]domain.ImageRef(nil), m.Images...)
		}
		if m.Suggestions != nil {
			cm.Suggestions = append([]string(nil), m.Suggestions...)
		}
		out.Messages[i] = cm
	}
	return out
}

// WorkspaceRegistry mantiene un Workspace abierto por clave de dispositivo.
type WorkspaceRegistry struct {
	repo   repository.SessionRepository
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	items map[string]*Workspace
}

func NewWorkspaceRegistry(repo repository.SessionRepository, logger *zap.Logger) *WorkspaceRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WorkspaceRegistry{
		repo:   repo,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		items:  make(map[string]*Workspace),
	}
}

// Get abre el workspace la primera vez y lo suscribe a cambios externos.
func (r *WorkspaceRegistry) Get(ctx context.Context, key string) (*Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.items[key]; ok {
		return w, nil
	}
	w, err := OpenWorkspace(ctx, key, r.repo, r.logger)
	if err != nil {
		return nil, err
	}
	if err := w.Watch(r.ctx); err != nil {
		r.logger.Warn("session watch failed", zap.Error(err), zap.String("key", key))
	}
	r.items[key] = w
	return w, nil
}

func (r *WorkspaceRegistry) Close() {
	r.cancel()
}
