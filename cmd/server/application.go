package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/tripmates/chat-server/internal/configs"
	"github.com/tripmates/chat-server/internal/domain/chat"
	"github.com/tripmates/chat-server/internal/domain/delivery"
	"github.com/tripmates/chat-server/internal/domain/mention"
	"github.com/tripmates/chat-server/internal/infrastructure/cache"
	"github.com/tripmates/chat-server/internal/infrastructure/database/repository/chatrepo"
	"github.com/tripmates/chat-server/internal/infrastructure/relay"
	"github.com/tripmates/chat-server/internal/interfaces/httpserver/handlers"
	"github.com/tripmates/chat-server/internal/interfaces/httpserver/middleware"
	"github.com/tripmates/chat-server/internal/interfaces/wsgateway"
	"github.com/tripmates/chat-server/internal/metrics"
)

type Application struct {
	server      *http.Server
	db          *gorm.DB
	sqlDB       *sql.DB
	redis       *cache.RedisCache
	hub         *wsgateway.Hub
	broadcaster *relay.Broadcaster
	retryQueue  *delivery.Queue
}

// dbChecker adapts the sql handle to the health endpoint.
type dbChecker struct {
	db *sql.DB
}

func (c dbChecker) HealthCheck(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func newApplication(cfg *configs.Config) (*Application, error) {
	ctx := context.Background()

	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseWriteDSN()), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}

	if err := db.WithContext(ctx).Raw("SELECT 1").Error; err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if err := runMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		return nil, err
	}
	log.Info().Msg("Database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	chatCache, err := cache.NewChatCache(cache.ChatCacheConfig{
		ItemTTL:     cfg.CacheItemTTL,
		ListTTL:     cfg.CacheListTTL,
		DeliveryTTL: cfg.CacheDeliveryTTL,
		L1Size:      cfg.CacheL1Size,
	}, redisCache)
	if err != nil {
		return nil, fmt.Errorf("create chat cache: %w", err)
	}

	repo := chatrepo.NewRepository(db)
	threadService := chat.NewThreadService(chatrepo.NewThreadRepository(db), chatCache)
	tracker := delivery.NewTracker(chatCache)

	hub := wsgateway.NewHub()
	broadcaster := relay.NewBroadcaster(redisCache, hub, cfg.InstanceID)
	retryQueue := delivery.NewQueue(tracker, broadcaster, hub, cfg.RetryMaxAttempts, cfg.RetryDelay)

	dispatcher := mention.NewClient(cfg.AgentServiceURL, cfg.MentionTimeout)

	chatService := chat.NewService(
		chat.ServiceConfig{
			PersistAttempts:  cfg.PersistAttempts,
			PersistBaseDelay: cfg.PersistBaseDelay,
			MentionTimeout:   cfg.MentionTimeout,
		},
		repo,
		threadService,
		chatCache,
		broadcaster,
		tracker,
		retryQueue,
		dispatcher,
		hub,
	)

	gateway := wsgateway.NewGateway(hub, chatService, tracker, cfg.AllowedOrigins)
	chatHandler := handlers.NewChatHandler(chatService, threadService, map[string]handlers.HealthChecker{
		"database": dbChecker{db: sqlDB},
		"redis":    redisCache,
	})

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /healthz", chatHandler.HandleHealth)
	apiMux.HandleFunc("POST /v1/messages", chatHandler.HandleSend)
	apiMux.HandleFunc("GET /v1/messages/{messageID}", chatHandler.HandleGetMessage)
	apiMux.HandleFunc("GET /v1/chats/{chatID}/messages", chatHandler.HandleChatHistory)
	apiMux.HandleFunc("POST /v1/threads", chatHandler.HandleCreateThread)
	apiMux.HandleFunc("GET /v1/threads/{threadID}", chatHandler.HandleGetThread)
	apiMux.HandleFunc("GET /v1/threads/{threadID}/messages", chatHandler.HandleThreadHistory)
	apiMux.HandleFunc("POST /v1/threads/{threadID}/status", chatHandler.HandleThreadStatus)

	// Prometheus metrics endpoint
	apiMux.Handle("GET /metrics", metrics.Handler())

	api := middleware.TimeoutMiddleware(cfg.RequestTimeout)(apiMux)
	api = middleware.AuthMiddleware(cfg.APIKey)(api)
	api = middleware.MetricsMiddleware()(api)
	api = middleware.RequestIDMiddleware()(api)

	// The websocket endpoint bypasses the request timeout chain; connections
	// are long-lived.
	root := http.NewServeMux()
	root.HandleFunc("GET /ws", gateway.HandleWS)
	root.Handle("/", api)

	server := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:     root,
		ReadTimeout: 0,
		IdleTimeout: cfg.IdleTimeout,
	}

	return &Application{
		server:      server,
		db:          db,
		sqlDB:       sqlDB,
		redis:       redisCache,
		hub:         hub,
		broadcaster: broadcaster,
		retryQueue:  retryQueue,
	}, nil
}

func (a *Application) Start(ctx context.Context) error {
	log.Info().Msg("Starting Chat Delivery Service")

	a.hub.Run(ctx)
	a.broadcaster.Start(ctx)
	a.retryQueue.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.server.Addr).Msg("Chat Delivery Service listening")
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}

	a.retryQueue.Stop()

	if err := a.redis.Close(); err != nil {
		log.Warn().Err(err).Msg("Closing redis client failed")
	}
	if a.sqlDB != nil {
		_ = a.sqlDB.Close()
	}

	log.Info().Msg("Server exited")
	return nil
}

func runMigrations(ctx context.Context, db *gorm.DB, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		sqlBytes, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		log.Info().Str("migration", entry.Name()).Msg("Applying migration")
		if err := db.WithContext(ctx).Exec(string(sqlBytes)).Error; err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
	}

	return nil
}
