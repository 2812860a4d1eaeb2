package domain

const (
	ImageUploaded  = "uploaded"
	ImageGenerated = "generated"
)

// ImageRef apunta a los bytes de una imagen. Data vacio significa que el payload
// no esta hidratado en memoria y hay que buscarlo en el blob store por ID.
type ImageRef struct {
	ID       string `json:"id"`
	Data     string `json:"data,omitempty"`
	Type     string `json:"type"`
	MimeType string `json:"mime_type"`
}

func (r ImageRef) HasData() bool {
	return r.Data != ""
}

// WithData devuelve una copia con el payload indicado.
func (r ImageRef) WithData(data string) ImageRef {
	r.Data = data
	return r
}

func (r ImageRef) Inline() InlineImage {
	return InlineImage{Data: r.Data, MimeType: r.MimeType}
}

// StoredImage es el registro durable del blob store.
type StoredImage struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

// InlineImage es el payload que viaja hacia y desde el modelo remoto.
type InlineImage struct {
	Data     string `json:"data"`
	MimeType string `json:"mime_type"`
}
