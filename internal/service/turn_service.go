package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"rv-designer/internal/domain"
	"rv-designer/internal/llm"
	"rv-designer/internal/repository"
)

const (
	MaxUploadBytes = 10 * 1024 * 1024

	// ReuploadMessage se agrega cuando la imagen a editar ya no esta disponible.
	ReuploadMessage = "I can't see the previous design anymore: its image is not stored on this device. " +
		"Please upload the image again together with your request so I can keep editing it."
	defaultEditText    = "Here is the updated design."
	defaultEditPrompt  = "Refine this RV design."
	errorMessagePrefix = "Sorry, I couldn't create that design."
	credentialReminder = "The API key was rejected; please select a valid key and try again."
)

var (
	ErrTurnServiceNotConfigured = errors.New("turn service not configured")
	ErrEmptyTurn                = errors.New("turn has no text and no images")
	ErrUploadTooLarge           = errors.New("upload too large")
	ErrUnsupportedUpload        = errors.New("upload is not an image")
)

// Suggester produce sugerencias de edicion para el siguiente turno.
type Suggester interface {
	SuggestEdits(ctx context.Context, history []domain.Message, image *domain.InlineImage) ([]string, error)
}

// CredentialManager es el colaborador que elige la API key del modelo remoto.
type CredentialManager interface {
	HasCredential() bool
	MarkUnset()
	Select(ctx context.Context) error
}

// Upload es un archivo adjuntado por el usuario. El tipo MIME se detecta del contenido.
type Upload struct {
	Name   string
	Reader io.Reader
}

type TurnInput struct {
	Text  string
	Files []Upload
}

// TurnService orquesta un turno: compone el mensaje del usuario, decide entre generar o
// editar, llama al modelo, persiste las imagenes y pide sugerencias.
type TurnService struct {
	workspaces  *WorkspaceRegistry
	images      repository.ImageRepository
	resolver    *ImageResolver
	model       llm.ImageModel
	suggester   Suggester
	credentials CredentialManager
	guard       TurnGuard
	logger      *zap.Logger
}

func NewTurnService(
	workspaces *WorkspaceRegistry,
	images repository.ImageRepository,
	resolver *ImageResolver,
	model llm.ImageModel,
	suggester Suggester,
	credentials CredentialManager,
	guard TurnGuard,
	logger *zap.Logger,
) *TurnService {
	if guard == nil {
		guard = NewMemoryTurnGuard()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TurnService{
		workspaces:  workspaces,
		images:      images,
		resolver:    resolver,
		model:       model,
		suggester:   suggester,
		credentials: credentials,
		guard:       guard,
		logger:      logger,
	}
}

// Submit procesa un turno de texto y/o imagenes y devuelve el mensaje final del modelo.
// Un fallo del modelo no es error: queda como mensaje IsError en la conversacion.
// El turno no se cancela con ctx: el placeholder se resuelve aunque el cliente se vaya.
func (s *TurnService) Submit(ctx context.Context, key, sessionID string, in TurnInput) (domain.Message, error) {
	if s == nil || s.workspaces == nil || s.model == nil {
		return domain.Message{}, ErrTurnServiceNotConfigured
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Files) == 0 {
		return domain.Message{}, ErrEmptyTurn
	}
	ctx = context.WithoutCancel(ctx)

	ws, err := s.workspaces.Get(ctx, key)
	if err != nil {
		return domain.Message{}, err
	}

	release, err := s.guard.Acquire(ctx, key+":"+sessionID)
	if err != nil {
		return domain.Message{}, err
	}
	defer release()

	// La historia se lee con el lock tomado para ver el resultado del turno anterior.
	session, err := ws.Session(sessionID)
	if err != nil {
		return domain.Message{}, err
	}

	uploads, err := s.storeUploads(ctx, in.Files)
	if err != nil {
		return domain.Message{}, err
	}
	userMsg := domain.Message{
		ID:     uuid.NewString(),
		Role:   domain.RoleUser,
		Text:   text,
		Images: uploads,
	}

	if last := session.LastModelMessage(); last != nil && len(uploads) == 0 && text != "" {
		if img, ok := last.FirstImage(domain.ImageGenerated); ok && !img.HasData() {
			s.logger.Info("previous design image unavailable, asking for re-upload",
				zap.String("session_id", sessionID), zap.String("image_id", img.ID))
			reply := domain.Message{
				ID:   uuid.NewString(),
				Role: domain.RoleModel,
				Text: ReuploadMessage,
			}
			if err := ws.Append(ctx, sessionID, userMsg, reply); err != nil {
				return domain.Message{}, err
			}
			return reply, nil
		}
	}

	var prior *domain.ImageRef
	if img, ok := session.LatestGeneratedImage(); ok {
		prior = s.resolver.Resolve(ctx, &img)
	}
	plan := DecideGeneration(prior, uploads)

	return s.run(ctx, ws, session, userMsg, plan)
}

// ApplySuggestion envia una sugerencia como turno, editando siempre la imagen mas
// reciente del modelo que tenga payload. Sin esa imagen no hace nada.
func (s *TurnService) ApplySuggestion(ctx context.Context, key, sessionID, suggestion string) (domain.Message, bool, error) {
	if s == nil || s.workspaces == nil || s.model == nil {
		return domain.Message{}, false, ErrTurnServiceNotConfigured
	}
	suggestion = strings.TrimSpace(suggestion)
	if suggestion == "" {
		return domain.Message{}, false, ErrEmptyTurn
	}
	ctx = context.WithoutCancel(ctx)

	ws, err := s.workspaces.Get(ctx, key)
	if err != nil {
		return domain.Message{}, false, err
	}

	release, err := s.guard.Acquire(ctx, key+":"+sessionID)
	if err != nil {
		return domain.Message{}, false, err
	}
	defer release()

	session, err := ws.Session(sessionID)
	if err != nil {
		return domain.Message{}, false, err
	}
	base, ok := s.latestModelImageWithData(ctx, session)
	if !ok {
		return domain.Message{}, false, nil
	}

	userMsg := domain.Message{
		ID:   uuid.NewString(),
		Role: domain.RoleUser,
		Text: suggestion,
	}
	plan := GenerationPlan{Mode: EditWithBase, Base: base}
	msg, err := s.run(ctx, ws, session, userMsg, plan)
	return msg, err == nil, err
}

func (s *TurnService) latestModelImageWithData(ctx context.Context, session domain.ChatSession) (domain.ImageRef, bool) {
	for i := len(session.Messages) - 1; i >= 0; i-- {
		msg := session.Messages[i]
		if msg.Role != domain.RoleModel {
			continue
		}
		for _, img := range msg.Images {
			if hydrated := s.resolver.Hydrate(ctx, img); hydrated.HasData() {
				return hydrated, true
			}
		}
	}
	return domain.ImageRef{}, false
}

// run ejecuta las fases AwaitingGeneration y Settling, o el camino de error.
func (s *TurnService) run(ctx context.Context, ws *Workspace, session domain.ChatSession, userMsg domain.Message, plan GenerationPlan) (domain.Message, error) {
	placeholder := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleModel,
		IsLoading: true,
	}
	if err := ws.Append(ctx, session.ID, userMsg, placeholder); err != nil {
		return domain.Message{}, err
	}

	logger := s.logger.With(zap.String("session_id", session.ID), zap.String("mode", plan.Mode.String()))
	logger.Info("turn started", zap.Int("references", len(plan.References)))

	var (
		res llm.ImageResult
		err error
	)
	switch plan.Mode {
	case EditWithBase:
		prompt := userMsg.Text
		if prompt == "" {
			prompt = defaultEditPrompt
		}
		res, err = s.model.EditImage(ctx, prompt, plan.Images())
	default:
		res, err = s.model.GenerateImage(ctx, userMsg.Text)
		if err == nil && len(res.Images) == 0 {
			err = llm.ErrNoImages
		}
	}
	if err != nil {
		return s.fail(ctx, ws, session.ID, placeholder.ID, err, logger)
	}

	generated := s.storeGenerated(ctx, res.Images, logger)

	text := strings.TrimSpace(res.Text)
	if plan.Mode == EditWithBase && text == "" {
		text = defaultEditText
	}

	response := domain.Message{
		ID:     placeholder.ID,
		Role:   domain.RoleModel,
		Text:   text,
		Images: generated,
	}

	history := append(append([]domain.Message{}, session.Messages...), userMsg, response)
	var first *domain.InlineImage
	if len(generated) > 0 {
		inline := generated[0].Inline()
		first = &inline
	}
	response.Suggestions = s.suggestions(ctx, history, first, logger)

	if err := ws.Replace(ctx, session.ID, placeholder.ID, response); err != nil {
		logger.Warn("replace loading message failed", zap.Error(err))
	}
	logger.Info("turn finished", zap.Int("images", len(generated)))
	return response, nil
}

func (s *TurnService) fail(ctx context.Context, ws *Workspace, sessionID, placeholderID string, cause error, logger *zap.Logger) (domain.Message, error) {
	logger.Warn("turn failed", zap.Error(cause))

	text := fmt.Sprintf("%s Error: %s", errorMessagePrefix, cause.Error())
	if llm.IsCredentialError(cause) && s.credentials != nil {
		s.credentials.MarkUnset()
		if err := s.credentials.Select(ctx); err != nil {
			logger.Warn("credential selection failed", zap.Error(err))
		}
		text += " " + credentialReminder
	}

	msg := domain.Message{
		ID:      placeholderID,
		Role:    domain.RoleModel,
		Text:    text,
		IsError: true,
	}
	if err := ws.Replace(ctx, sessionID, placeholderID, msg); err != nil {
		logger.Warn("replace loading message failed", zap.Error(err))
	}
	return msg, nil
}

func (s *TurnService) suggestions(ctx context.Context, history []domain.Message, image *domain.InlineImage, logger *zap.Logger) []string {
	if s.suggester == nil {
		return append([]string(nil), FallbackSuggestions...)
	}
	out, err := s.suggester.SuggestEdits(ctx, history, image)
	if err != nil || len(out) == 0 {
		logger.Warn("suggestions unavailable, using fallback", zap.Error(err))
		return append([]string(nil), FallbackSuggestions...)
	}
	return out
}

// storeUploads lee cada archivo completo, lo codifica y lo guarda en el blob store.
func (s *TurnService) storeUploads(ctx context.Context, files []Upload) ([]domain.ImageRef, error) {
	refs := make([]domain.ImageRef, 0, len(files))
	for _, f := range files {
		if f.Reader == nil {
			continue
		}
		raw, err := io.ReadAll(io.LimitReader(f.Reader, MaxUploadBytes+1))
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", f.Name, err)
		}
		if len(raw) > MaxUploadBytes {
			return nil, fmt.Errorf("%w: %s", ErrUploadTooLarge, f.Name)
		}
		mime := mimetype.Detect(raw).String()
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedUpload, f.Name)
		}

		ref := domain.ImageRef{
			ID:       uuid.NewString(),
			Data:     base64.StdEncoding.EncodeToString(raw),
			Type:     domain.ImageUploaded,
			MimeType: mime,
		}
		s.persist(ctx, ref, s.logger)
		refs = append(refs, ref)
	}
	return refs, nil
}

func (s *TurnService) storeGenerated(ctx context.Context, images []domain.InlineImage, logger *zap.Logger) []domain.ImageRef {
	refs := make([]domain.ImageRef, 0, len(images))
	for _, img := range images {
		ref := domain.ImageRef{
			ID:       uuid.NewString(),
			Data:     img.Data,
			Type:     domain.ImageGenerated,
			MimeType: img.MimeType,
		}
		s.persist(ctx, ref, logger)
		refs = append(refs, ref)
	}
	return refs
}

// persist guarda el payload; un fallo se loguea y no corta el turno.
func (s *TurnService) persist(ctx context.Context, ref domain.ImageRef, logger *zap.Logger) {
	if s.images == nil {
		return
	}
	err := s.images.Put(ctx, domain.StoredImage{ID: ref.ID, MimeType: ref.MimeType, Data: ref.Data})
	if err != nil {
		logger.Error("persist image failed", zap.Error(err), zap.String("image_id", ref.ID))
	}
}
