package llm

import (
	"context"
	"errors"

	"rv-designer/internal/domain"
)

var (
	ErrNoImages      = errors.New("model returned no images")
	ErrEmptyResponse = errors.New("llm empty response")
)

// LLMClient genera texto (normalmente JSON) con imagenes opcionales como contexto.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, images ...domain.InlineImage) (string, error)
}

// ImageResult es la salida de una generacion o edicion de imagen.
type ImageResult struct {
	Text   string
	Images []domain.InlineImage
}

// ImageModel genera imagenes desde cero o edita una imagen base.
// En EditImage la primera imagen es el sujeto y el resto son referencias de estilo.
type ImageModel interface {
	GenerateImage(ctx context.Context, prompt string) (ImageResult, error)
	EditImage(ctx context.Context, prompt string, images []domain.InlineImage) (ImageResult, error)
}
