package domain

const (
	RoleUser  = "user"
	RoleModel = "model"
)

type Message struct {
	ID          string     `json:"id"`
	Role        string     `json:"role"`
	Text        string     `json:"text,omitempty"`
	Images      []ImageRef `json:"images,omitempty"`
	IsLoading   bool       `json:"is_loading,omitempty"`
	IsError     bool       `json:"is_error,omitempty"`
	Suggestions []string   `json:"suggestions,omitempty"`
}

// FirstImage devuelve la primera imagen del tipo pedido.
func (m Message) FirstImage(imageType string) (ImageRef, bool) {
	for _, img := range m.Images {
		if img.Type == imageType {
			return img, true
		}
	}
	return ImageRef{}, false
}
