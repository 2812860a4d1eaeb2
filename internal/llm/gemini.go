package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"rv-designer/internal/domain"
)

const (
	DefaultGeminiImageModel = "gemini-2.5-flash-image"
	DefaultGeminiTextModel  = "gemini-2.5-flash"

	// Los turnos no se cancelan desde el cliente; este es su unico limite.
	geminiRequestTimeout = 3 * time.Minute
)

const editInstruction = "Edit the first image according to the instruction below. " +
	"Any additional images are style or detail references only; keep the vehicle from the first image as the subject."

// GeminiClient implementa ImageModel y LLMClient sobre el SDK google.golang.org/genai.
type GeminiClient struct {
	keys       *KeyRing
	imageModel string
	textModel  string
	logger     *zap.Logger

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiClient(keys *KeyRing, imageModel, textModel string, logger *zap.Logger) *GeminiClient {
	if imageModel == "" {
		imageModel = DefaultGeminiImageModel
	}
	if textModel == "" {
		textModel = DefaultGeminiTextModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiClient{
		keys:       keys,
		imageModel: imageModel,
		textModel:  textModel,
		logger:     logger,
		clients:    make(map[string]*genai.Client),
	}
}

// sdk devuelve un cliente para la key activa; se crea uno por key.
func (c *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	key, err := c.keys.Current()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}
	c.clients[key] = client
	return client, nil
}

func (c *GeminiClient) GenerateImage(ctx context.Context, prompt string) (ImageResult, error) {
	res, err := c.generateImages(ctx, []*genai.Part{genai.NewPartFromText(prompt)})
	if err != nil {
		return ImageResult{}, err
	}
	if len(res.Images) == 0 {
		return ImageResult{}, ErrNoImages
	}
	return res, nil
}

func (c *GeminiClient) EditImage(ctx context.Context, prompt string, images []domain.InlineImage) (ImageResult, error) {
	parts, err := imageParts(images)
	if err != nil {
		return ImageResult{}, err
	}
	parts = append(parts, genai.NewPartFromText(editInstruction+"\n\nInstruction: "+prompt))
	return c.generateImages(ctx, parts)
}

func (c *GeminiClient) generateImages(ctx context.Context, parts []*genai.Part) (ImageResult, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return ImageResult{}, err
	}

	contents := []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}

	ctx, cancel := context.WithTimeout(ctx, geminiRequestTimeout)
	defer cancel()
	resp, err := client.Models.GenerateContent(ctx, c.imageModel, contents, cfg)
	if err != nil {
		c.logger.Warn("gemini image request failed", zap.Error(err), zap.String("model", c.imageModel))
		return ImageResult{}, fmt.Errorf("gemini generate content: %w", err)
	}

	var (
		res  ImageResult
		text []string
	)
	for _, candidate := range resp.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				text = append(text, part.Text)
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 {
				mime := part.InlineData.MIMEType
				if mime == "" {
					mime = "image/png"
				}
				res.Images = append(res.Images, domain.InlineImage{
					Data:     base64.StdEncoding.EncodeToString(part.InlineData.Data),
					MimeType: mime,
				})
			}
		}
	}
	res.Text = strings.TrimSpace(strings.Join(text, "\n"))
	return res, nil
}

// Generate responde en JSON usando el modelo de texto, con imagenes como contexto.
func (c *GeminiClient) Generate(ctx context.Context, prompt string, images ...domain.InlineImage) (string, error) {
	client, err := c.sdk(ctx)
	if err != nil {
		return "", err
	}
	parts, err := imageParts(images)
	if err != nil {
		return "", err
	}
	parts = append(parts, genai.NewPartFromText(prompt))

	temp := float32(0.8)
	cfg := &genai.GenerateContentConfig{
		Temperature:      &temp,
		ResponseMIMEType: "application/json",
	}
	ctx, cancel := context.WithTimeout(ctx, geminiRequestTimeout)
	defer cancel()
	resp, err := client.Models.GenerateContent(ctx, c.textModel, []*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		c.logger.Warn("gemini text request failed", zap.Error(err), zap.String("model", c.textModel))
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	out := strings.TrimSpace(resp.Text())
	if out == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}

func imageParts(images []domain.InlineImage) ([]*genai.Part, error) {
	parts := make([]*genai.Part, 0, len(images)+1)
	for i, img := range images {
		raw, err := base64.StdEncoding.DecodeString(img.Data)
		if err != nil {
			return nil, fmt.Errorf("decode image %d: %w", i, err)
		}
		parts = append(parts, genai.NewPartFromBytes(raw, img.MimeType))
	}
	return parts, nil
}

var (
	_ ImageModel = (*GeminiClient)(nil)
	_ LLMClient  = (*GeminiClient)(nil)
)
