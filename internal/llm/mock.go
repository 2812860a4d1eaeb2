package llm

import (
	"context"
	"sync"

	"rv-designer/internal/domain"
)

// MockClient permite tests sin llamar a un LLM real.
type MockClient struct {
	mu         sync.Mutex
	Response   string
	Err        error
	Calls      int
	LastPrompt string
	LastImages []domain.InlineImage
}

func (m *MockClient) Generate(_ context.Context, prompt string, images ...domain.InlineImage) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.LastPrompt = prompt
	m.LastImages = images
	return m.Response, m.Err
}

// MockImageModel registra las llamadas de generacion y edicion.
type MockImageModel struct {
	mu            sync.Mutex
	Result        ImageResult
	Err           error
	GenerateCalls int
	EditCalls     int
	LastPrompt    string
	LastImages    []domain.InlineImage
}

func (m *MockImageModel) GenerateImage(_ context.Context, prompt string) (ImageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GenerateCalls++
	m.LastPrompt = prompt
	if m.Err != nil {
		return ImageResult{}, m.Err
	}
	if len(m.Result.Images) == 0 {
		return ImageResult{}, ErrNoImages
	}
	return m.Result, nil
}

func (m *MockImageModel) EditImage(_ context.Context, prompt string, images []domain.InlineImage) (ImageResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.EditCalls++
	m.LastPrompt = prompt
	m.LastImages = images
	if m.Err != nil {
		return ImageResult{}, m.Err
	}
	return m.Result, nil
}

func (m *MockImageModel) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.GenerateCalls + m.EditCalls
}
