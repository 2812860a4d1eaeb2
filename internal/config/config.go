package config

import "github.com/caarlos0/env/v10"

// Config centraliza la configuración del servicio.
type Config struct {
	HTTPPort    string `env:"HTTP_PORT" envDefault:"8080"`
	DatabaseURL string `env:"DATABASE_URL"`
	DBMaxConns  int    `env:"DB_MAX_CONNS" envDefault:"8"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// LLMProvider elige el backend de las capacidades de texto (sugerencias y matriz).
	// Las imagenes siempre usan Gemini.
	LLMProvider      string `env:"LLM_PROVIDER" envDefault:"gemini"`
	GeminiAPIKeys    string `env:"GEMINI_API_KEYS"`
	GeminiImageModel string `env:"GEMINI_IMAGE_MODEL" envDefault:"gemini-2.5-flash-image"`
	GeminiTextModel  string `env:"GEMINI_TEXT_MODEL" envDefault:"gemini-2.5-flash"`
	LLMAPIKey        string `env:"LLM_API_KEY"`
	LLMBaseURL       string `env:"LLM_BASE_URL" envDefault:"https://api.openai.com/v1"`
	LLMModel         string `env:"LLM_MODEL" envDefault:"gpt-4o-mini"`
	EnvFile          string `env:"ENV_FILE" envDefault:".env"`

	JWTSecret            string `env:"JWT_SECRET"`
	JWTAccessTTLMinutes  int    `env:"JWT_ACCESS_TTL_MINUTES" envDefault:"60"`
	JWTRefreshTTLMinutes int    `env:"JWT_REFRESH_TTL_MINUTES" envDefault:"43200"`

	DeviceRegisterPerHour int `env:"DEVICE_REGISTER_PER_HOUR" envDefault:"20"`

	SessionQuotaBytes int    `env:"SESSION_QUOTA_BYTES" envDefault:"5242880"`
	TurnLockSeconds   int    `env:"TURN_LOCK_SECONDS" envDefault:"420"`
	LogFile           string `env:"LOG_FILE"`
}

// LoadConfig carga la configuración desde variables de entorno.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
