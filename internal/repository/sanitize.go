package repository

import "rv-designer/internal/domain"

// SanitizeSessions devuelve una copia profunda de las sesiones sin payloads de imagen.
// El valor recibido no se modifica.
func SanitizeSessions(sessions []domain.ChatSession) []domain.ChatSession {
	out := make([]domain.ChatSession, len(sessions))
	for i, s := range sessions {
		out[i] = s
		out[i].Messages = sanitizeMessages(s.Messages)
	}
	return out
}

func sanitizeMessages(messages []domain.Message) []domain.Message {
	if messages == nil {
		return nil
	}
	out := make([]domain.Message, len(messages))
	for i, m := range messages {
		out[i] = m
		if m.Images != nil {
			images := make([]domain.ImageRef, len(m.Images))
			for j, img := range m.Images {
				img.Data = ""
				images[j] = img
			}
			out[i].Images = images
		}
		if m.Suggestions != nil {
			out[i].Suggestions = append([]string(nil), m.Suggestions...)
		}
	}
	return out
}
