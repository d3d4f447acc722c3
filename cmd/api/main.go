package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/docsage/backend/internal/api/handlers"
	redisCache "github.com/docsage/backend/internal/cache/redis"
	"github.com/docsage/backend/internal/history"
	"github.com/docsage/backend/internal/ingestion"
	"github.com/docsage/backend/internal/llm"
	"github.com/docsage/backend/internal/metrics"
	"github.com/docsage/backend/internal/middleware/ratelimit"
	"github.com/docsage/backend/internal/middleware/validation"
	"github.com/docsage/backend/internal/pipeline"
	"github.com/docsage/backend/internal/search"
	"github.com/docsage/backend/internal/store"
	"github.com/docsage/backend/internal/task"
	"github.com/docsage/backend/pkg/config"
	appLogger "github.com/docsage/backend/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	err = appLogger.Init(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.OutputPath)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer appLogger.Sync()

	appLogger.Info("Starting DocSage API Server")

	metrics.Init()

	chunkStore, err := store.Open(cfg.Store.Path, cfg.Store.TimestampMarker)
	if err != nil {
		appLogger.Fatal("Failed to open chunk store", zap.Error(err))
	}
	metrics.ChunksStored.Set(float64(chunkStore.Count()))

	historyClient, err := history.NewClient(cfg.History.Path)
	if err != nil {
		appLogger.Fatal("Failed to create history client", zap.Error(err))
	}
	defer historyClient.Close()

	if err := historyClient.InitSchema(); err != nil {
		appLogger.Fatal("Failed to initialize history schema", zap.Error(err))
	}

	var cacheClient *redisCache.Client
	if cfg.Redis.Enabled {
		cacheClient, err = redisCache.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			appLogger.Warn("Redis unavailable, continuing without cache", zap.Error(err))
			cacheClient = nil
		} else {
			defer cacheClient.Close()
		}
	}

	llmClient := llm.NewClient(llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.LLM.MaxTokens,
		Timeout:        time.Duration(cfg.LLM.TimeoutSec) * time.Second,
	})

	searcher := search.New(chunkStore)
	manager := task.NewManager(time.Duration(cfg.Task.RetentionMinutes) * time.Minute)
	processor := ingestion.NewProcessor(chunkStore, llmClient)

	var engineCache pipeline.Cache
	if cacheClient != nil {
		engineCache = cacheClient
	}
	engine := pipeline.NewEngine(searcher, llmClient, engineCache, pipeline.Config{
		TopK:       cfg.Pipeline.TopK,
		JudgePause: time.Duration(cfg.Pipeline.JudgePauseSec) * time.Second,
		FailClosed: cfg.Pipeline.FailClosed,
		AnswerTTL:  time.Duration(cfg.Redis.TTLMinutes) * time.Minute,
	})

	app := fiber.New(fiber.Config{
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		BodyLimit:    cfg.Server.BodyLimit,
	})

	app.Use(recover.New())
	app.Use(fiberlogger.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	limiter := ratelimit.New(ratelimit.Config{
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		KeyFunc:              handlers.ClientID,
		Logger:               appLogger.GetLogger(),
	})
	defer limiter.Stop()
	app.Use(limiter.Middleware())

	app.Use(validation.Middleware(validation.Config{
		MaxDocumentSize: cfg.Server.BodyLimit,
		Logger:          appLogger.GetLogger(),
	}))

	queryHandler := handlers.NewQueryHandler(engine, manager, historyClient)

	var invalidator handlers.AnswerInvalidator
	if cacheClient != nil {
		invalidator = cacheClient
	}
	documentHandler := handlers.NewDocumentHandler(chunkStore, processor, invalidator)
	interactionHandler := handlers.NewInteractionHandler(manager, historyClient)

	api := app.Group("/api/v1")

	api.Post("/query", queryHandler.HandleQuery)
	api.Get("/query/stream", queryHandler.HandleStream)
	api.Post("/query/stop", queryHandler.StopTasks)
	api.Get("/query/history", queryHandler.GetHistory)
	api.Get("/query/history/:id", queryHandler.GetHistoryEntry)
	api.Delete("/query/history/:id", queryHandler.DeleteHistoryEntry)

	api.Post("/documents", documentHandler.UploadDocument)
	api.Get("/documents", documentHandler.ListDocuments)
	api.Post("/documents/batch-delete", documentHandler.BatchDeleteDocuments)
	api.Get("/documents/:filename/content", documentHandler.GetDocumentContent)
	api.Delete("/documents/:filename", documentHandler.DeleteDocument)

	api.Get("/interactions/:filename", interactionHandler.GetInteraction)
	api.Get("/tasks/:task_id/interactions", interactionHandler.ListInteractions)
	api.Post("/session/reset", interactionHandler.ResetSession)

	app.Get("/metrics", metrics.Handler())

	api.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "healthy",
			"chunks": chunkStore.Count(),
			"time":   time.Now().Unix(),
		})
	})

	api.Get("/ready", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ready",
		})
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	appLogger.Info("Server starting", zap.String("address", addr))

	go func() {
		if err := app.Listen(addr); err != nil {
			appLogger.Fatal("Server failed to start", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	appLogger.Info("Server shutting down gracefully...")
	app.Shutdown()
	appLogger.Info("Server stopped")
}
