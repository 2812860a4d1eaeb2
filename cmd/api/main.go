package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"rv-designer/internal/config"
	"rv-designer/internal/db"
	apihttp "rv-designer/internal/http"
	"rv-designer/internal/llm"
	"rv-designer/internal/logging"
	"rv-designer/internal/repository"
	"rv-designer/internal/service"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := godotenv.Load(); err != nil {
		log.Printf("warning: loading .env: %v", err)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	logger, err := logging.New(cfg.LogFile)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// Blob store: Postgres si hay DATABASE_URL, memoria en caso contrario.
	var images repository.ImageRepository = repository.NewMemoryImageRepository()
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			logger.Fatal("db connect", zap.Error(err))
		}
		defer pool.Close()
		images = repository.NewPgImageRepository(pool)
	} else {
		logger.Warn("database url not configured, images are kept in memory")
	}
	if err := images.Init(ctx); err != nil {
		logger.Fatal("image store init", zap.Error(err))
	}

	redisClient, err := db.NewRedis(ctx, cfg)
	if err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
	}

	var (
		sessions   repository.SessionRepository
		guard      service.TurnGuard
		tokenStore service.RefreshTokenStore
		devices    service.DeviceStore
		limiter    service.RateLimiter
	)
	if redisClient != nil {
		defer redisClient.Close()
		sessions = repository.NewRedisSessionRepository(redisClient, cfg.SessionQuotaBytes, logger)
		guard = service.NewRedisTurnGuard(redisClient, time.Duration(cfg.TurnLockSeconds)*time.Second)
		tokenStore = service.NewRedisRefreshTokenStore(redisClient)
		devices = service.NewRedisDeviceStore(redisClient)
		limiter = service.NewRedisRateLimiter(redisClient, "rv:rl:device:", time.Hour, cfg.DeviceRegisterPerHour)
	} else {
		sessions = repository.NewMemorySessionRepository(cfg.SessionQuotaBytes)
		guard = service.NewMemoryTurnGuard()
		tokenStore = service.NewMemoryRefreshTokenStore()
		devices = service.NewMemoryDeviceStore()
		limiter = service.NewMemoryRateLimiter(time.Hour, cfg.DeviceRegisterPerHour)
	}

	keys := llm.NewKeyRing(llm.EnvKeySource(cfg.EnvFile, "GEMINI_API_KEYS", "GEMINI_API_KEY"))
	if !keys.HasCredential() {
		logger.Warn("no gemini api key configured")
	}
	gemini := llm.NewGeminiClient(keys, cfg.GeminiImageModel, cfg.GeminiTextModel, logger)

	var textClient llm.LLMClient = gemini
	if cfg.LLMProvider == "openai" {
		textClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	}

	advisor := service.NewAdvisorService(textClient)
	resolver := service.NewImageResolver(images, logger)
	workspaces := service.NewWorkspaceRegistry(sessions, logger)
	defer workspaces.Close()

	turnSvc := service.NewTurnService(workspaces, images, resolver, gemini, advisor, keys, guard, logger)
	matrixSvc := service.NewMatrixService(workspaces, resolver, advisor, turnSvc, logger)

	if cfg.JWTSecret == "" {
		logger.Fatal("jwt secret not configured")
	}
	jwtSvc := service.NewJWTServiceWithStore(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute,
		time.Duration(cfg.JWTRefreshTTLMinutes)*time.Minute,
		tokenStore,
	)
	deviceSvc := service.NewDeviceService(devices, jwtSvc)

	router := apihttp.NewRouter(
		logger,
		jwtSvc,
		apihttp.NewAuthHandler(logger, deviceSvc, limiter),
		apihttp.NewChatHandler(logger, workspaces, turnSvc),
		apihttp.NewMatrixHandler(logger, matrixSvc),
		apihttp.NewImageHandler(logger, workspaces, resolver),
		apihttp.NewCredentialHandler(logger, keys),
	)

	server := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting server", zap.String("port", cfg.HTTPPort))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}
}
