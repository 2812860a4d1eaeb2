package domain

const (
	CustomCategoryKey     = "custom"
	MaxMatrixCategories   = 5
	MaxOptionsPerCategory = 5
)

// MatrixCategory es una dimension editable del diseño con sus opciones.
type MatrixCategory struct {
	Name    string   `json:"name"`
	Options []string `json:"options"`
}
