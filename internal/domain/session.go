package domain

import (
	"strings"
	"time"
	"unicode/utf8"
)

const (
	DefaultSessionTitle = "New Design"
	maxTitleRunes       = 40
)

// ChatSession agrupa la conversacion de diseño de un RV.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
}

// LastModelMessage devuelve el ultimo mensaje del modelo, o nil si no hay.
func (s ChatSession) LastModelMessage() *Message {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == RoleModel {
			return &s.Messages[i]
		}
	}
	return nil
}

// LatestGeneratedImage busca, desde el final, el mensaje del modelo mas reciente
// que contiene una imagen generada.
func (s ChatSession) LatestGeneratedImage() (ImageRef, bool) {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		msg := s.Messages[i]
		if msg.Role != RoleModel {
			continue
		}
		if img, ok := msg.FirstImage(ImageGenerated); ok {
			return img, true
		}
	}
	return ImageRef{}, false
}

// NewSessionTitle arma un titulo corto a partir del primer texto del usuario.
func NewSessionTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return DefaultSessionTitle
	}
	if utf8.RuneCountInString(text) <= maxTitleRunes {
		return text
	}
	runes := []rune(text)
	return strings.TrimSpace(string(runes[:maxTitleRunes])) + "..."
}
