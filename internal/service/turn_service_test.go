package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"rv-designer/internal/domain"
	"rv-designer/internal/llm"
	"rv-designer/internal/repository"
)

const testKey = "rv:sessions:test-device"

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type fakeCredentials struct {
	has          bool
	markCalls    int
	selectCalls  int
	selectResult error
}

func (f *fakeCredentials) HasCredential() bool { return f.has }

func (f *fakeCredentials) MarkUnset() {
	f.markCalls++
	f.has = false
}

func (f *fakeCredentials) Select(_ context.Context) error {
	f.selectCalls++
	if f.selectResult == nil {
		f.has = true
	}
	return f.selectResult
}

type failingSuggester struct{}

func (failingSuggester) SuggestEdits(context.Context, []domain.Message, *domain.InlineImage) ([]string, error) {
	return nil, errors.New("suggestions down")
}

type blockedGuard struct{}

func (blockedGuard) Acquire(context.Context, string) (func(), error) {
	return nil, ErrTurnInFlight
}

type turnFixture struct {
	svc        *TurnService
	model      *llm.MockImageModel
	images     *repository.MemoryImageRepository
	sessions   *repository.MemorySessionRepository
	workspaces *WorkspaceRegistry
	creds      *fakeCredentials
	ws         *Workspace
}

func newTurnFixture(t *testing.T, seed []domain.ChatSession) *turnFixture {
	t.Helper()
	ctx := context.Background()

	images := repository.NewMemoryImageRepository()
	if err := images.Init(ctx); err != nil {
		t.Fatalf("init images: %v", err)
	}
	sessions := repository.NewMemorySessionRepository(repository.DefaultSessionQuotaBytes)
	if seed != nil {
		if err := sessions.Save(ctx, testKey, seed); err != nil {
			t.Fatalf("seed sessions: %v", err)
		}
	}
	workspaces := NewWorkspaceRegistry(sessions, nil)
	t.Cleanup(workspaces.Close)

	model := &llm.MockImageModel{
		Result: llm.ImageResult{
			Text:   "Here is your RV.",
			Images: []domain.InlineImage{{Data: "Z2VuZXJhdGVk", MimeType: "image/png"}},
		},
	}
	advisor := NewAdvisorService(&llm.MockClient{Response: `{"suggestions": ["Add an awning", "Paint it green"]}`})
	creds := &fakeCredentials{has: true}
	resolver := NewImageResolver(images, nil)

	svc := NewTurnService(workspaces, images, resolver, model, advisor, creds, NewMemoryTurnGuard(), nil)
	ws, err := workspaces.Get(ctx, testKey)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	return &turnFixture{
		svc:        svc,
		model:      model,
		images:     images,
		sessions:   sessions,
		workspaces: workspaces,
		creds:      creds,
		ws:         ws,
	}
}

func assertNoLoading(t *testing.T, s domain.ChatSession) {
	t.Helper()
	for _, m := range s.Messages {
		if m.IsLoading {
			t.Fatalf("loading message left in session: %+v", m)
		}
	}
}

func TestTurnService_FreshGeneration(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	sessionID := f.ws.Active().ID

	msg, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "A vintage camper in the desert"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.model.GenerateCalls != 1 || f.model.EditCalls != 0 {
		t.Fatalf("expected one fresh generation, got generate=%d edit=%d", f.model.GenerateCalls, f.model.EditCalls)
	}
	if msg.IsError || msg.Text != "Here is your RV." {
		t.Fatalf("unexpected message %+v", msg)
	}
	if len(msg.Images) != 1 || msg.Images[0].Type != domain.ImageGenerated {
		t.Fatalf("expected one generated image, got %+v", msg.Images)
	}
	if len(msg.Suggestions) != 2 || msg.Suggestions[0] != "Add an awning" {
		t.Fatalf("unexpected suggestions %+v", msg.Suggestions)
	}

	stored, ok, err := f.images.Get(ctx, msg.Images[0].ID)
	if err != nil || !ok || stored.Data != "Z2VuZXJhdGVk" {
		t.Fatalf("expected generated image in blob store, got %+v ok=%v err=%v", stored, ok, err)
	}

	session, _ := f.ws.Session(sessionID)
	if len(session.Messages) != 2 {
		t.Fatalf("expected user + model messages, got %d", len(session.Messages))
	}
	if session.Title != "A vintage camper in the desert" {
		t.Fatalf("expected title from first message, got %q", session.Title)
	}
	assertNoLoading(t, session)
}

func TestTurnService_EditsPriorGeneratedImage(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	sessionID := f.ws.Active().ID

	if _, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "A camper van"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}

	f.model.Result = llm.ImageResult{Images: []domain.InlineImage{{Data: "ZWRpdGVk", MimeType: "image/png"}}}
	msg, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "Make it blue"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if f.model.EditCalls != 1 {
		t.Fatalf("expected an edit call, got %d", f.model.EditCalls)
	}
	if len(f.model.LastImages) != 1 || f.model.LastImages[0].Data != "Z2VuZXJhdGVk" {
		t.Fatalf("expected prior generated image as base, got %+v", f.model.LastImages)
	}
	if f.model.LastPrompt != "Make it blue" {
		t.Fatalf("unexpected prompt %q", f.model.LastPrompt)
	}
	if msg.Text != defaultEditText {
		t.Fatalf("expected default edit text, got %q", msg.Text)
	}
}

func TestTurnService_PriorImageWithUploadsAsReferences(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	sessionID := f.ws.Active().ID

	if _, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "A camper van"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	_, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{
		Text:  "Use this paint scheme",
		Files: []Upload{{Name: "paint.png", Reader: bytes.NewReader(pngHeader)}},
	})
	if err != nil {
		t.Fatalf("submit with upload: %v", err)
	}
	if len(f.model.LastImages) != 2 {
		t.Fatalf("expected base + reference, got %d images", len(f.model.LastImages))
	}
	if f.model.LastImages[0].Data != "Z2VuZXJhdGVk" || f.model.LastImages[1].MimeType != "image/png" {
		t.Fatalf("unexpected edit set %+v", f.model.LastImages)
	}
}

func TestTurnService_UploadBecomesBase(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	sessionID := f.ws.Active().ID

	msg, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{
		Files: []Upload{{Name: "rv.png", Reader: bytes.NewReader(pngHeader)}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.model.EditCalls != 1 || f.model.GenerateCalls != 0 {
		t.Fatalf("expected edit with uploaded base, got generate=%d edit=%d", f.model.GenerateCalls, f.model.EditCalls)
	}
	if f.model.LastPrompt != defaultEditPrompt {
		t.Fatalf("expected default edit prompt for image-only turn, got %q", f.model.LastPrompt)
	}
	if msg.IsError {
		t.Fatalf("unexpected error message %+v", msg)
	}

	session, _ := f.ws.Session(sessionID)
	upload := session.Messages[0].Images[0]
	if upload.Type != domain.ImageUploaded {
		t.Fatalf("expected uploaded image on user message, got %+v", upload)
	}
	if _, ok, _ := f.images.Get(ctx, upload.ID); !ok {
		t.Fatalf("expected upload persisted to blob store")
	}
	if session.Title != domain.DefaultSessionTitle {
		t.Fatalf("image-only turn should not rename session, got %q", session.Title)
	}
}

func TestTurnService_AsksForReuploadWhenImageMissing(t *testing.T) {
	ctx := context.Background()
	seed := []domain.ChatSession{{
		ID:    "s1",
		Title: "Camper",
		Messages: []domain.Message{
			{ID: "m1", Role: domain.RoleUser, Text: "A camper"},
			{ID: "m2", Role: domain.RoleModel, Text: "Done", Images: []domain.ImageRef{
				{ID: "lost-image", Data: "Z2Vu", Type: domain.ImageGenerated, MimeType: "image/png"},
			}},
		},
	}}
	f := newTurnFixture(t, seed)

	msg, err := f.svc.Submit(ctx, testKey, "s1", TurnInput{Text: "Add a ladder"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.Text != ReuploadMessage {
		t.Fatalf("expected re-upload message, got %q", msg.Text)
	}
	if f.model.TotalCalls() != 0 {
		t.Fatalf("expected no remote call, got %d", f.model.TotalCalls())
	}
	session, _ := f.ws.Session("s1")
	if len(session.Messages) != 4 || session.Messages[2].Text != "Add a ladder" {
		t.Fatalf("expected user message and reply appended, got %+v", session.Messages)
	}
}

func TestTurnService_AsksForReuploadEvenWhenBlobStored(t *testing.T) {
	ctx := context.Background()
	seed := []domain.ChatSession{{
		ID: "s1",
		Messages: []domain.Message{
			{ID: "m2", Role: domain.RoleModel, Images: []domain.ImageRef{
				{ID: "kept-image", Type: domain.ImageGenerated, MimeType: "image/png"},
			}},
		},
	}}
	f := newTurnFixture(t, seed)
	if err := f.images.Put(ctx, domain.StoredImage{ID: "kept-image", MimeType: "image/png", Data: "a2VwdA=="}); err != nil {
		t.Fatalf("put: %v", err)
	}

	msg, err := f.svc.Submit(ctx, testKey, "s1", TurnInput{Text: "Add a ladder"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.Text != ReuploadMessage {
		t.Fatalf("expected re-upload message, got %q", msg.Text)
	}
	if f.model.TotalCalls() != 0 {
		t.Fatalf("expected no remote call, got %d", f.model.TotalCalls())
	}
}

func TestTurnService_HydratesStoredPriorImageWithUploads(t *testing.T) {
	ctx := context.Background()
	seed := []domain.ChatSession{{
		ID: "s1",
		Messages: []domain.Message{
			{ID: "m2", Role: domain.RoleModel, Images: []domain.ImageRef{
				{ID: "kept-image", Type: domain.ImageGenerated, MimeType: "image/png"},
			}},
		},
	}}
	f := newTurnFixture(t, seed)
	if err := f.images.Put(ctx, domain.StoredImage{ID: "kept-image", MimeType: "image/png", Data: "a2VwdA=="}); err != nil {
		t.Fatalf("put: %v", err)
	}

	_, err := f.svc.Submit(ctx, testKey, "s1", TurnInput{
		Text:  "Use this paint scheme",
		Files: []Upload{{Name: "paint.png", Reader: bytes.NewReader(pngHeader)}},
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if f.model.EditCalls != 1 || len(f.model.LastImages) != 2 || f.model.LastImages[0].Data != "a2VwdA==" {
		t.Fatalf("expected edit on hydrated image, got edit=%d images=%+v", f.model.EditCalls, f.model.LastImages)
	}
}

// finishingGuard simula un turno anterior que termina justo antes de soltar el lock.
type finishingGuard struct {
	inner     TurnGuard
	ws        *Workspace
	sessionID string
}

func (g *finishingGuard) Acquire(ctx context.Context, key string) (func(), error) {
	release, err := g.inner.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	prior := domain.Message{ID: "prior-reply", Role: domain.RoleModel, Images: []domain.ImageRef{
		{ID: "prior-image", Type: domain.ImageGenerated, MimeType: "image/png", Data: "cHJpb3I="},
	}}
	if err := g.ws.Append(ctx, g.sessionID, prior); err != nil {
		release()
		return nil, err
	}
	return release, nil
}

func TestTurnService_ReadsHistoryAfterPreviousTurn(t *testing.T) {
	ctx := context.Background()

	t.Run("submit", func(t *testing.T) {
		f := newTurnFixture(t, nil)
		sessionID := f.ws.Active().ID
		f.svc.guard = &finishingGuard{inner: NewMemoryTurnGuard(), ws: f.ws, sessionID: sessionID}

		if _, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "Add a sunroof"}); err != nil {
			t.Fatalf("submit: %v", err)
		}
		if f.model.EditCalls != 1 || f.model.GenerateCalls != 0 {
			t.Fatalf("expected edit of the previous design, got generate=%d edit=%d", f.model.GenerateCalls, f.model.EditCalls)
		}
		if f.model.LastImages[0].Data != "cHJpb3I=" {
			t.Fatalf("expected previous design as base, got %+v", f.model.LastImages)
		}
	})

	t.Run("suggestion", func(t *testing.T) {
		f := newTurnFixture(t, nil)
		sessionID := f.ws.Active().ID
		f.svc.guard = &finishingGuard{inner: NewMemoryTurnGuard(), ws: f.ws, sessionID: sessionID}

		_, applied, err := f.svc.ApplySuggestion(ctx, testKey, sessionID, "Add an awning")
		if err != nil || !applied {
			t.Fatalf("expected suggestion applied, got applied=%v err=%v", applied, err)
		}
		if f.model.LastImages[0].Data != "cHJpb3I=" {
			t.Fatalf("expected previous design as base, got %+v", f.model.LastImages)
		}
	})
}

// ctxSessionRepo falla los Save con un ctx ya cancelado, como un store remoto.
type ctxSessionRepo struct {
	*repository.MemorySessionRepository
}

func (r ctxSessionRepo) Save(ctx context.Context, key string, sessions []domain.ChatSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.MemorySessionRepository.Save(ctx, key, sessions)
}

// cancellingModel cancela la peticion del cliente mientras el modelo trabaja.
type cancellingModel struct {
	*llm.MockImageModel
	cancel context.CancelFunc
}

func (m cancellingModel) GenerateImage(ctx context.Context, prompt string) (llm.ImageResult, error) {
	m.cancel()
	if err := ctx.Err(); err != nil {
		return llm.ImageResult{}, err
	}
	return m.MockImageModel.GenerateImage(ctx, prompt)
}

func TestTurnService_ClientDisconnectStillSettles(t *testing.T) {
	images := repository.NewMemoryImageRepository()
	if err := images.Init(context.Background()); err != nil {
		t.Fatalf("init images: %v", err)
	}
	sessions := ctxSessionRepo{repository.NewMemorySessionRepository(repository.DefaultSessionQuotaBytes)}
	workspaces := NewWorkspaceRegistry(sessions, nil)
	t.Cleanup(workspaces.Close)

	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	model := cancellingModel{
		MockImageModel: &llm.MockImageModel{Result: llm.ImageResult{
			Images: []domain.InlineImage{{Data: "Z2VuZXJhdGVk", MimeType: "image/png"}},
		}},
		cancel: cancel,
	}
	advisor := NewAdvisorService(&llm.MockClient{Response: `{"suggestions": ["Add an awning"]}`})
	svc := NewTurnService(workspaces, images, NewImageResolver(images, nil), model, advisor, &fakeCredentials{has: true}, NewMemoryTurnGuard(), nil)

	ws, err := workspaces.Get(context.Background(), testKey)
	if err != nil {
		t.Fatalf("open workspace: %v", err)
	}
	sessionID := ws.Active().ID

	msg, err := svc.Submit(reqCtx, testKey, sessionID, TurnInput{Text: "A camper"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if msg.IsError || len(msg.Images) != 1 {
		t.Fatalf("expected a settled design, got %+v", msg)
	}

	stored, err := sessions.Load(context.Background(), testKey)
	if err != nil || len(stored) != 1 {
		t.Fatalf("load: %v %+v", err, stored)
	}
	assertNoLoading(t, stored[0])
	if n := len(stored[0].Messages); n != 2 || len(stored[0].Messages[1].Images) != 1 {
		t.Fatalf("expected persisted user + model messages, got %+v", stored[0].Messages)
	}
}

func TestTurnService_ZeroImagesIsError(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	f.model.Result = llm.ImageResult{Text: "I only have words"}
	sessionID := f.ws.Active().ID

	msg, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "A camper"})
	if err != nil {
		t.Fatalf("submit should not fail: %v", err)
	}
	if !msg.IsError || !strings.HasPrefix(msg.Text, errorMessagePrefix) {
		t.Fatalf("expected error message, got %+v", msg)
	}
	session, _ := f.ws.Session(sessionID)
	assertNoLoading(t, session)
	if len(session.Messages) != 2 {
		t.Fatalf("expected user + error message, got %d", len(session.Messages))
	}
}

func TestTurnService_CredentialErrorResetsKey(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	f.model.Err = fmt.Errorf("generate: %w", llm.ErrCredentialRejected)

	msg, err := f.svc.Submit(ctx, testKey, f.ws.Active().ID, TurnInput{Text: "A camper"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !msg.IsError || !strings.Contains(msg.Text, credentialReminder) {
		t.Fatalf("expected credential reminder, got %q", msg.Text)
	}
	if f.creds.markCalls != 1 || f.creds.selectCalls != 1 {
		t.Fatalf("expected MarkUnset and Select once, got %d/%d", f.creds.markCalls, f.creds.selectCalls)
	}
}

func TestTurnService_SuggestionFallback(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	f.svc.suggester = failingSuggester{}

	msg, err := f.svc.Submit(ctx, testKey, f.ws.Active().ID, TurnInput{Text: "A camper"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(msg.Suggestions) != len(FallbackSuggestions) || msg.Suggestions[0] != FallbackSuggestions[0] {
		t.Fatalf("expected fallback suggestions, got %+v", msg.Suggestions)
	}
}

func TestTurnService_ApplySuggestion(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	sessionID := f.ws.Active().ID

	_, applied, err := f.svc.ApplySuggestion(ctx, testKey, sessionID, "Add an awning")
	if err != nil || applied {
		t.Fatalf("expected no-op without a design, got applied=%v err=%v", applied, err)
	}
	if f.model.TotalCalls() != 0 {
		t.Fatalf("expected no remote call")
	}

	if _, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "A camper"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	msg, applied, err := f.svc.ApplySuggestion(ctx, testKey, sessionID, "Add an awning")
	if err != nil || !applied {
		t.Fatalf("expected suggestion applied, got applied=%v err=%v", applied, err)
	}
	if f.model.EditCalls != 1 || f.model.LastPrompt != "Add an awning" {
		t.Fatalf("expected edit with suggestion, got edit=%d prompt=%q", f.model.EditCalls, f.model.LastPrompt)
	}
	if msg.Role != domain.RoleModel {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestTurnService_RejectsInvalidInput(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	sessionID := f.ws.Active().ID

	if _, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{Text: "   "}); !errors.Is(err, ErrEmptyTurn) {
		t.Fatalf("expected ErrEmptyTurn, got %v", err)
	}
	_, err := f.svc.Submit(ctx, testKey, sessionID, TurnInput{
		Files: []Upload{{Name: "notes.txt", Reader: strings.NewReader("just text")}},
	})
	if !errors.Is(err, ErrUnsupportedUpload) {
		t.Fatalf("expected ErrUnsupportedUpload, got %v", err)
	}
	if _, err := f.svc.Submit(ctx, testKey, "missing", TurnInput{Text: "hi"}); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestTurnService_TurnInFlight(t *testing.T) {
	ctx := context.Background()
	f := newTurnFixture(t, nil)
	f.svc.guard = blockedGuard{}

	if _, err := f.svc.Submit(ctx, testKey, f.ws.Active().ID, TurnInput{Text: "A camper"}); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("expected ErrTurnInFlight, got %v", err)
	}
	if f.model.TotalCalls() != 0 {
		t.Fatalf("expected no remote call")
	}
}

func TestTurnService_NilReceiver(t *testing.T) {
	var svc *TurnService
	if _, err := svc.Submit(context.Background(), testKey, "s1", TurnInput{Text: "x"}); !errors.Is(err, ErrTurnServiceNotConfigured) {
		t.Fatalf("expected ErrTurnServiceNotConfigured, got %v", err)
	}
}
