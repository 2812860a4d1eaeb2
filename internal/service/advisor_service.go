package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rv-designer/internal/domain"
	"rv-designer/internal/llm"
)

const (
	maxSuggestions     = 4
	matrixHistoryTurns = 5
	imageOnlyTurnToken = "[image]"
)

var (
	ErrAdvisorNotConfigured = errors.New("advisor not configured")
	ErrNoCategories         = errors.New("no design categories returned")
)

// FallbackSuggestions se usan cuando el modelo no puede sugerir ediciones.
var FallbackSuggestions = []string{
	"Change the exterior color",
	"Add solar panels to the roof",
	"Make it more rugged for off-road trips",
	"Show a night scene at a campsite",
}

// AdvisorService pide al LLM sugerencias de edicion y categorias para la matriz de diseño.
type AdvisorService struct {
	llmClient llm.LLMClient
}

func NewAdvisorService(llmClient llm.LLMClient) *AdvisorService {
	return &AdvisorService{llmClient: llmClient}
}

// SuggestEdits devuelve hasta 4 instrucciones cortas para el siguiente paso del diseño.
func (s *AdvisorService) SuggestEdits(ctx context.Context, history []domain.Message, image *domain.InlineImage) ([]string, error) {
	if s == nil || s.llmClient == nil {
		return nil, ErrAdvisorNotConfigured
	}
	prompt := `You are helping a user design a recreational vehicle (RV) through an image generator.
Based on the conversation and the current design image, propose short follow-up edit instructions
(at most 8 words each) the user could click next.
Return ONLY JSON with this shape:
{"suggestions": ["...", "...", "...", "..."]}

Conversation:
` + formatHistory(history, 0)

	var images []domain.InlineImage
	if image != nil && image.Data != "" {
		images = append(images, *image)
	}
	raw, err := s.llmClient.Generate(ctx, prompt, images...)
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	var parsed struct {
		Suggestions []string `json:"suggestions"`
	}
	if err := parseLLMJSON(raw, &parsed); err != nil {
		return nil, err
	}
	return cleanOptions(parsed.Suggestions, maxSuggestions), nil
}

// CategoriesForImage devuelve hasta 5 categorias editables con hasta 5 opciones cada una.
func (s *AdvisorService) CategoriesForImage(ctx context.Context, image domain.InlineImage, history []domain.Message) ([]domain.MatrixCategory, error) {
	if s == nil || s.llmClient == nil {
		return nil, ErrAdvisorNotConfigured
	}
	prompt := `You are an RV design assistant. Look at the current RV design image and the recent conversation.
Pick the most relevant design aspects the user may want to change next (for example Exterior Color,
Wheels, Roof, Lighting, Interior) and give concrete alternative options for each.
Return ONLY JSON with this shape:
{"categories": [{"name": "Wheels", "options": ["chrome rims", "..."]}]}
Use at most 5 categories and at most 5 options per category.

Recent conversation:
` + formatHistory(history, matrixHistoryTurns)

	raw, err := s.llmClient.Generate(ctx, prompt, image)
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	var parsed struct {
		Categories []domain.MatrixCategory `json:"categories"`
	}
	if err := parseLLMJSON(raw, &parsed); err != nil {
		return nil, err
	}

	categories := make([]domain.MatrixCategory, 0, domain.MaxMatrixCategories)
	for _, c := range parsed.Categories {
		name := strings.TrimSpace(c.Name)
		options := cleanOptions(c.Options, domain.MaxOptionsPerCategory)
		if name == "" || len(options) == 0 {
			continue
		}
		categories = append(categories, domain.MatrixCategory{Name: name, Options: options})
		if len(categories) == domain.MaxMatrixCategories {
			break
		}
	}
	if len(categories) == 0 {
		return nil, ErrNoCategories
	}
	return categories, nil
}

// OptionsForCategory pide opciones para una categoria definida por el usuario.
func (s *AdvisorService) OptionsForCategory(ctx context.Context, image domain.InlineImage, history []domain.Message, name string) ([]string, error) {
	if s == nil || s.llmClient == nil {
		return nil, ErrAdvisorNotConfigured
	}
	prompt := fmt.Sprintf(`You are an RV design assistant. The user wants to change the design aspect "%s"
of the RV shown in the image. Propose concrete alternative options for that aspect only.
Return ONLY JSON with this shape:
{"options": ["...", "..."]}
Use at most 5 options.

Recent conversation:
%s`, strings.TrimSpace(name), formatHistory(history, matrixHistoryTurns))

	raw, err := s.llmClient.Generate(ctx, prompt, image)
	if err != nil {
		return nil, fmt.Errorf("llm generate: %w", err)
	}

	var parsed struct {
		Options []string `json:"options"`
	}
	if err := parseLLMJSON(raw, &parsed); err != nil {
		return nil, err
	}
	options := cleanOptions(parsed.Options, domain.MaxOptionsPerCategory)
	if len(options) == 0 {
		return nil, fmt.Errorf("no options for category %q", name)
	}
	return options, nil
}

// formatHistory arma lineas "User: ..." / "Designer: ..." con los ultimos limit mensajes
// (0 = todos). Los turnos sin texto se representan con un marcador.
func formatHistory(history []domain.Message, limit int) string {
	msgs := make([]domain.Message, 0, len(history))
	for _, m := range history {
		if m.IsLoading {
			continue
		}
		msgs = append(msgs, m)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	if len(msgs) == 0 {
		return "(no previous messages)"
	}

	lines := make([]string, 0, len(msgs))
	for _, m := range msgs {
		role := "User"
		if m.Role == domain.RoleModel {
			role = "Designer"
		}
		text := strings.TrimSpace(m.Text)
		if text == "" {
			text = imageOnlyTurnToken
		}
		lines = append(lines, fmt.Sprintf("%s: %s", role, text))
	}
	return strings.Join(lines, "\n")
}

func cleanOptions(in []string, max int) []string {
	out := make([]string, 0, max)
	seen := make(map[string]bool, len(in))
	for _, o := range in {
		o = strings.TrimSpace(o)
		key := strings.ToLower(o)
		if o == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, o)
		if len(out) == max {
			break
		}
	}
	return out
}
