package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rv-designer/internal/config"
	"rv-designer/internal/db"
	"rv-designer/internal/llm"
	"rv-designer/internal/logging"
	"rv-designer/internal/repository"
	"rv-designer/internal/service"
)

var (
	memoryFlag bool
	deviceFlag string
)

func init() {
	_ = godotenv.Load()

	rootCmd.Flags().BoolVar(&memoryFlag, "memory", false, "Keep sessions and images in memory only")
	rootCmd.Flags().StringVarP(&deviceFlag, "device", "d", "cli", "Device id that owns the session list")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cli_chat",
	Short: "Interactive RV designer",
	Long: `Chat with the RV designer from the terminal.

Type a description to generate a design, or use a command:
  /attach <path> [text]   Send an image with an optional request
  /suggest <n>            Apply one of the last suggestions
  /matrix                 Open the design matrix on the latest design
  /sessions               List sessions
  /new                    Start a new session
  /use <n>                Switch to session n
  /delete <n>             Delete session n
  /quit                   Exit`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return run(cmd.Context())
	},
}

// app agrupa los servicios que usa el REPL.
type app struct {
	key        string
	logger     *zap.Logger
	workspaces *service.WorkspaceRegistry
	turns      *service.TurnService
	matrices   *service.MatrixService
	resolver   *service.ImageResolver
	keys       *llm.KeyRing
}

func run(ctx context.Context) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	// El REPL escribe en stdout; los logs van solo al archivo si se configuro.
	logger := zap.NewNop()
	if cfg.LogFile != "" {
		if logger, err = logging.New(cfg.LogFile); err != nil {
			return err
		}
	}
	defer logger.Sync()

	images, sessions, cleanup, err := stores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := images.Init(ctx); err != nil {
		return fmt.Errorf("init image store: %w", err)
	}

	keys := llm.NewKeyRing(llm.EnvKeySource(cfg.EnvFile, "GEMINI_API_KEYS", "GEMINI_API_KEY"))
	gemini := llm.NewGeminiClient(keys, cfg.GeminiImageModel, cfg.GeminiTextModel, logger)
	var textClient llm.LLMClient = gemini
	if cfg.LLMProvider == "openai" {
		textClient = llm.NewHTTPClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel, logger)
	}

	advisor := service.NewAdvisorService(textClient)
	resolver := service.NewImageResolver(images, logger)
	workspaces := service.NewWorkspaceRegistry(sessions, logger)
	defer workspaces.Close()
	turns := service.NewTurnService(workspaces, images, resolver, gemini, advisor, keys, service.NewMemoryTurnGuard(), logger)

	a := &app{
		key:        service.SessionKey(deviceFlag),
		logger:     logger,
		workspaces: workspaces,
		turns:      turns,
		matrices:   service.NewMatrixService(workspaces, resolver, advisor, turns, logger),
		resolver:   resolver,
		keys:       keys,
	}
	return a.repl(ctx, os.Stdin, os.Stdout)
}

// stores elige Postgres/Redis o memoria segun la configuracion y el flag --memory.
func stores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.ImageRepository, repository.SessionRepository, func(), error) {
	if memoryFlag {
		return repository.NewMemoryImageRepository(), repository.NewMemorySessionRepository(cfg.SessionQuotaBytes), func() {}, nil
	}

	var (
		pool        *pgxpool.Pool
		redisClient *redis.Client
		images      repository.ImageRepository = repository.NewMemoryImageRepository()
		sessions    repository.SessionRepository
	)
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = db.NewPool(ctx, cfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("db connect: %w", err)
		}
		images = repository.NewPgImageRepository(pool)
	}

	redisClient, err := db.NewRedis(ctx, cfg)
	if err != nil {
		logger.Warn("redis ping failed", zap.Error(err))
	}
	if redisClient != nil {
		sessions = repository.NewRedisSessionRepository(redisClient, cfg.SessionQuotaBytes, logger)
	} else {
		sessions = repository.NewMemorySessionRepository(cfg.SessionQuotaBytes)
	}

	cleanup := func() {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if pool != nil {
			pool.Close()
		}
	}
	return images, sessions, cleanup, nil
}
