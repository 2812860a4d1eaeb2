package llm

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"google.golang.org/genai"
)

var (
	ErrNoCredential        = errors.New("no api credential available")
	ErrCredentialRejected  = errors.New("api credential rejected")
	credentialFaultMarkers = []string{
		"Requested entity was not found",
		"API key not valid",
		"API_KEY_INVALID",
	}
)

// KeySource devuelve las API keys candidatas en orden de preferencia.
type KeySource func() []string

// EnvKeySource lee keys separadas por coma desde las variables indicadas.
// Si existe envFile se relee en cada llamada para tomar keys rotadas sin reiniciar.
func EnvKeySource(envFile string, names ...string) KeySource {
	return func() []string {
		fileVals := map[string]string{}
		if envFile != "" {
			if vals, err := godotenv.Read(envFile); err == nil {
				fileVals = vals
			}
		}
		var keys []string
		seen := map[string]bool{}
		for _, name := range names {
			for _, raw := range []string{fileVals[name], os.Getenv(name)} {
				for _, k := range strings.Split(raw, ",") {
					k = strings.TrimSpace(k)
					if k == "" || seen[k] {
						continue
					}
					seen[k] = true
					keys = append(keys, k)
				}
			}
		}
		return keys
	}
}

// StaticKeySource se usa en tests y en el CLI con --api-key.
func StaticKeySource(keys ...string) KeySource {
	return func() []string {
		return append([]string(nil), keys...)
	}
}

// KeyRing administra la credencial activa para el modelo remoto.
type KeyRing struct {
	mu       sync.Mutex
	source   KeySource
	current  string
	rejected map[string]bool
}

func NewKeyRing(source KeySource) *KeyRing {
	k := &KeyRing{
		source:   source,
		rejected: make(map[string]bool),
	}
	_ = k.Select(context.Background())
	return k
}

func (k *KeyRing) HasCredential() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.current != ""
}

func (k *KeyRing) Current() (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == "" {
		return "", ErrNoCredential
	}
	return k.current, nil
}

// MarkUnset descarta la credencial activa; no se vuelve a elegir hasta que cambie la fuente.
func (k *KeyRing) MarkUnset() {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current != "" {
		k.rejected[k.current] = true
	}
	k.current = ""
}

// Select relee la fuente y activa la primera key no rechazada.
func (k *KeyRing) Select(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var keys []string
	if k.source != nil {
		keys = k.source()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for _, key := range keys {
		if !k.rejected[key] {
			k.current = key
			return nil
		}
	}
	k.current = ""
	return ErrNoCredential
}

// IsCredentialError detecta el fallo de credencial invalida o expirada.
func IsCredentialError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCredentialRejected) {
		return true
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
		return true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil && (apiErrPtr.Code == 401 || apiErrPtr.Code == 403) {
		return true
	}
	msg := err.Error()
	for _, marker := range credentialFaultMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
