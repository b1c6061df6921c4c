package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tutorgo/internal/api"
	"tutorgo/internal/config"
	"tutorgo/internal/conversation"
	"tutorgo/internal/extract"
	"tutorgo/internal/ingest"
	"tutorgo/internal/models"
	"tutorgo/internal/observability"
	"tutorgo/internal/redis"
	"tutorgo/internal/service/ai"
	"tutorgo/internal/storage"
	"tutorgo/internal/stream"
	"tutorgo/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("TUTORGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := observability.NewLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		convObservers []conversation.Observer
		taskObservers []worker.TaskObserver
		matObservers  []ingest.MaterialObserver
		journal       *storage.Journal
	)

	dbType := os.Getenv("TUTORGO_DB")
	if dbType == "" {
		dbType = cfg.BasicConfig.Database
	}
	if dbType != "" {
		logger.Info("opening database", "driver", dbType)
		var db *sql.DB
		db, err = storage.Open(dbType, cfg.Databases[dbType])
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		if err := storage.Migrate(db, dbType); err != nil {
			log.Fatalf("migrate database: %v", err)
		}
		journal = storage.NewJournal(db, dbType, logger)
		convObservers = append(convObservers, journal)
		taskObservers = append(taskObservers, journal)
		matObservers = append(matObservers, journal)
	}

	var taskMirror *worker.TaskMirror
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			log.Fatalf("create redis client: %v", err)
		}
		defer rdb.Close()
		taskMirror = worker.NewTaskMirror(rdb, logger)
		convObservers = append(convObservers, redis.NewHistoryMirror(rdb))
		taskObservers = append(taskObservers, taskMirror)
	}

	store := conversation.NewStore(logger, convObservers...)
	if journal != nil {
		records, err := journal.LoadConversations(ctx)
		if err != nil {
			log.Fatalf("load conversations: %v", err)
		}
		logger.Info("conversations restored", "count", store.Restore(records))
	}

	dispatcher := worker.NewDispatcher(worker.DispatcherConfig{
		MinWorkers:  cfg.Workers.MinWorkers,
		MaxWorkers:  cfg.Workers.MaxWorkers,
		QueueSize:   cfg.Workers.QueueSize,
		IdleTimeout: cfg.Workers.IdleTimeout,
	}, logger)
	tasks := worker.NewRegistry(dispatcher, logger, taskObservers...)
	defer tasks.Close()
	switch {
	case journal != nil:
		tasks.UseFallback(journal)
	case taskMirror != nil:
		tasks.UseFallback(taskMirror)
	}
	if taskMirror != nil {
		err := taskMirror.Listen(ctx, func(t models.Task) {
			logger.Debug("task event", "task_id", t.ID, "state", t.State, "conversation_id", t.ConversationID)
		})
		if err != nil {
			logger.Warn("task events unavailable", "error", err)
		}
	}

	extractor := extract.NewRegistry()

	providerName, providerCfg := cfg.ActiveProvider()
	chatModel, err := ai.NewChatModel(ctx, providerName, providerCfg)
	if err != nil {
		log.Fatalf("init chat model: %v", err)
	}
	// the provider lists materials through the pipeline, which needs the bridge first
	var pipeline *ingest.Pipeline
	materials := ai.MaterialSourceFunc(func(conversationID string) []models.Material {
		if pipeline == nil {
			return nil
		}
		return pipeline.Materials(conversationID)
	})
	tools := ai.InitTools(ctx, cfg.Tools, materials, extractor, logger)
	provider, err := ai.NewProvider(ctx, chatModel, tools, materials, logger)
	if err != nil {
		log.Fatalf("init provider: %v", err)
	}
	logger.Info("completion provider ready", "provider", providerName, "model", providerCfg.Model, "tools", len(tools))

	bridge := stream.NewBridge(store, provider, nil, stream.Config{
		StallTimeout:    cfg.Stream.StallTimeout,
		TurnTimeout:     cfg.Stream.TurnTimeout,
		ReplayChunkSize: cfg.Stream.ReplayChunkSize,
		ReplayDelay:     cfg.Stream.ReplayDelay,
	}, logger)

	pipeline = ingest.NewPipeline(store, tasks, extractor, bridge, ingest.Config{
		MaxBytes:     cfg.BasicConfig.MaxUploadBytes,
		Analyze:      cfg.BasicConfig.Analyze(),
		PreviewChars: cfg.BasicConfig.PreviewChars,
		MaterialTTL:  cfg.BasicConfig.MaterialTTL,
	}, logger, matObservers...)
	if journal != nil {
		list, err := journal.LoadMaterials(ctx)
		if err != nil {
			logger.Warn("load materials", "error", err)
		} else {
			logger.Info("materials restored", "count", pipeline.RestoreMaterials(list))
		}
	}
	pipeline.StartCleaner(ctx, cfg.BasicConfig.CleanInterval)

	handlers := api.NewHandler(api.Deps{
		Store:      store,
		Dispatcher: dispatcher,
		Tasks:      tasks,
		Bridge:     bridge,
		Pipeline:   pipeline,
		FileBase:   cfg.BasicConfig.FileBaseDir,
		Logger:     logger,
	})
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
}
