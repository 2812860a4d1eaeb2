package service

import (
	"testing"

	"rv-designer/internal/domain"
)

func TestDecideGeneration(t *testing.T) {
	prior := &domain.ImageRef{ID: "g1", Data: "Zw==", Type: domain.ImageGenerated, MimeType: "image/png"}
	up1 := domain.ImageRef{ID: "u1", Data: "dTE=", Type: domain.ImageUploaded, MimeType: "image/jpeg"}
	up2 := domain.ImageRef{ID: "u2", Data: "dTI=", Type: domain.ImageUploaded, MimeType: "image/jpeg"}

	tests := []struct {
		name     string
		prior    *domain.ImageRef
		uploads  []domain.ImageRef
		mode     GenerationMode
		baseID   string
		refCount int
	}{
		{name: "nothing", mode: FreshGeneration},
		{name: "prior only", prior: prior, mode: EditWithBase, baseID: "g1"},
		{name: "prior with uploads", prior: prior, uploads: []domain.ImageRef{up1, up2}, mode: EditWithBase, baseID: "g1", refCount: 2},
		{name: "uploads only", uploads: []domain.ImageRef{up1, up2}, mode: EditWithBase, baseID: "u1", refCount: 1},
		{name: "prior without data falls back to uploads", prior: &domain.ImageRef{ID: "g1"}, uploads: []domain.ImageRef{up1}, mode: EditWithBase, baseID: "u1"},
		{name: "prior without data and no uploads", prior: &domain.ImageRef{ID: "g1"}, mode: FreshGeneration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := DecideGeneration(tt.prior, tt.uploads)
			if plan.Mode != tt.mode {
				t.Fatalf("expected mode %s, got %s", tt.mode, plan.Mode)
			}
			if plan.Mode == FreshGeneration {
				if plan.Images() != nil {
					t.Fatalf("fresh plan should carry no images")
				}
				return
			}
			if plan.Base.ID != tt.baseID || len(plan.References) != tt.refCount {
				t.Fatalf("unexpected plan %+v", plan)
			}
			images := plan.Images()
			if len(images) != tt.refCount+1 || images[0].Data != plan.Base.Data {
				t.Fatalf("expected base first in edit set, got %+v", images)
			}
		})
	}
}
