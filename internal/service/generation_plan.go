package service

import "rv-designer/internal/domain"

type GenerationMode int

const (
	FreshGeneration GenerationMode = iota
	EditWithBase
)

func (m GenerationMode) String() string {
	if m == EditWithBase {
		return "edit"
	}
	return "fresh"
}

// GenerationPlan es la decision de un turno: generar desde cero o editar Base usando
// References como imagenes de referencia adicionales.
type GenerationPlan struct {
	Mode       GenerationMode
	Base       domain.ImageRef
	References []domain.ImageRef
}

// Images devuelve el set de edicion: la base primero y luego las referencias.
func (p GenerationPlan) Images() []domain.InlineImage {
	if p.Mode != EditWithBase {
		return nil
	}
	out := make([]domain.InlineImage, 0, len(p.References)+1)
	out = append(out, p.Base.Inline())
	for _, ref := range p.References {
		out = append(out, ref.Inline())
	}
	return out
}

// DecideGeneration aplica la precedencia: imagen generada previa (con payload) como base
// y los uploads como referencias; si no, el primer upload como base; si no, desde cero.
func DecideGeneration(prior *domain.ImageRef, uploads []domain.ImageRef) GenerationPlan {
	if prior != nil && prior.HasData() {
		return GenerationPlan{
			Mode:       EditWithBase,
			Base:       *prior,
			References: uploads,
		}
	}
	if len(uploads) > 0 {
		return GenerationPlan{
			Mode:       EditWithBase,
			Base:       uploads[0],
			References: uploads[1:],
		}
	}
	return GenerationPlan{Mode: FreshGeneration}
}
