package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	fenceStart = regexp.MustCompile("(?is)^\\s*```(?:json)?\\s*")
	fenceEnd   = regexp.MustCompile("(?is)\\s*```\\s*$")
)

var errNoJSON = errors.New("no json in llm response")

// cleanLLMJSONResponse quita fences ```json ... ``` y BOM, dejando el contenido usable.
func cleanLLMJSONResponse(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.TrimPrefix(s, "\uFEFF")
	s = fenceStart.ReplaceAllString(s, "")
	s = fenceEnd.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// parseLLMJSON intenta el contenido limpio y, si falla, el primer bloque JSON embebido.
func parseLLMJSON(raw string, out any) error {
	cleaned := cleanLLMJSONResponse(raw)
	if cleaned == "" {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(cleaned), out); err == nil {
		return nil
	}
	embedded := extractFirstJSON(cleaned)
	if embedded == "" {
		return errNoJSON
	}
	if err := json.Unmarshal([]byte(embedded), out); err != nil {
		return fmt.Errorf("parse llm response: %w", err)
	}
	return nil
}

// extractFirstJSON devuelve el primer objeto o arreglo JSON valido embebido en el texto.
func extractFirstJSON(input string) string {
	for i := 0; i < len(input); i++ {
		if input[i] != '{' && input[i] != '[' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(input[i:])).Decode(&raw); err == nil {
			return string(raw)
		}
	}
	return ""
}
