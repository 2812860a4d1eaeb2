package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rv-designer/internal/domain"
)

const (
	maxResponseBytes = 4 << 20
	maxLoggedBody    = 512
)

// HTTPClient implementa LLMClient contra una API de chat completions compatible con OpenAI.
// Las imagenes viajan como data URLs dentro del unico mensaje del usuario.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL, apiKey, model string, logger *zap.Logger) *HTTPClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{Timeout: 90 * time.Second},
		logger:  logger,
	}
}

func (c *HTTPClient) Generate(ctx context.Context, prompt string, images ...domain.InlineImage) (string, error) {
	resp, err := c.complete(ctx, chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: buildContent(prompt, images)}},
	})
	if err != nil {
		return "", err
	}
	for _, choice := range resp.Choices {
		if text := strings.TrimSpace(choice.Message.Content); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyResponse
}

// complete hace un solo POST /chat/completions; no reintenta.
func (c *HTTPClient) complete(ctx context.Context, body chatRequest) (chatResponse, error) {
	var out chatResponse
	payload, err := json.Marshal(body)
	if err != nil {
		return out, fmt.Errorf("marshal chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return out, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return out, fmt.Errorf("read chat response: %w", err)
	}
	// Algunos proxies devuelven texto plano en errores; el decode es best effort.
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden || out.credentialRejected() {
		return out, fmt.Errorf("%w: status=%d", ErrCredentialRejected, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		c.logger.Warn("chat completion failed",
			zap.Int("status", resp.StatusCode),
			zap.String("body", truncate(string(raw), maxLoggedBody)))
		return out, fmt.Errorf("chat completion: status=%d", resp.StatusCode)
	}
	if decodeErr != nil {
		return out, fmt.Errorf("decode chat response: %w", decodeErr)
	}
	if out.Error != nil {
		return out, fmt.Errorf("chat completion: %s", out.Error.Message)
	}
	return out, nil
}

// buildContent usa texto plano sin imagenes y partes multimodales con imagenes.
func buildContent(prompt string, images []domain.InlineImage) any {
	if len(images) == 0 {
		return prompt
	}
	parts := make([]contentPart, 0, len(images)+1)
	parts = append(parts, contentPart{Type: "text", Text: prompt})
	for _, img := range images {
		parts = append(parts, contentPart{
			Type:     "image_url",
			ImageURL: &imageURL{URL: "data:" + img.MimeType + ";base64," + img.Data},
		})
	}
	return parts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (r chatResponse) credentialRejected() bool {
	return r.Error != nil && r.Error.Code == "invalid_api_key"
}

var _ LLMClient = (*HTTPClient)(nil)
