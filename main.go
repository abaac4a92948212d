package main

import (
	"context"
	"fmt"
	"log"
	"os"

	apirest "github.com/aosora-chat/server/api/rest"
	"github.com/aosora-chat/server/api/sse"
	apows "github.com/aosora-chat/server/api/ws"
	"github.com/aosora-chat/server/assistant"
	"github.com/aosora-chat/server/audit"
	"github.com/aosora-chat/server/cache"
	"github.com/aosora-chat/server/config"
	dbadapter "github.com/aosora-chat/server/db"
	"github.com/aosora-chat/server/feed"
	"github.com/aosora-chat/server/friendship"
	"github.com/aosora-chat/server/message"
	mw "github.com/aosora-chat/server/middleware"
	"github.com/aosora-chat/server/model"
	"github.com/aosora-chat/server/presence"
	"github.com/aosora-chat/server/scheduler"
	"github.com/aosora-chat/server/thread"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func main() {
	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	// ---- Logger ----
	var logger *zap.Logger
	var logErr error
	if cfg.Server.Debug {
		logger, logErr = zap.NewDevelopment()
	} else {
		logger, logErr = zap.NewProduction()
	}
	if logErr != nil {
		log.Fatalf("logger: %v", logErr)
	}
	defer logger.Sync()

	if cfg.Security.JWTSecret == "" {
		log.Fatal("security.jwt_secret must be set")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	logger.Info("DB initialized")

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized")

	// ---- Scheduler ----
	sched := scheduler.New(logger)
	defer sched.Stop()

	// ---- Core services ----
	gw := feed.NewGateway(pubsub, logger)
	threads := thread.NewMaterializer(db, gw, logger)
	sessions := friendship.NewManager(db, gw, threads, logger)
	defer sessions.Shutdown()
	messages := message.NewService(db, threads, gw, cfg.Chat.MaxMessageLen, logger)
	tracker := presence.NewTracker(c, cfg.Chat.PresenceTTL, cfg.Chat.AwayAfter, logger)

	history := assistant.NewHistory(c, cfg.Assistant.HistoryTTL, cfg.Assistant.MaxTurns, logger)
	var assistantClient *assistant.Client
	if cfg.Assistant.BaseURL != "" {
		assistantClient = assistant.NewClient(cfg.Assistant, history, logger)
	} else {
		logger.Warn("assistant.base_url is not set; assistant endpoints are disabled")
	}

	// ---- Periodic Scheduler Tasks ----
	sched.AddTicker("reconcile", cfg.Chat.ReconcileInterval, func() {
		if err := threads.Reconcile(context.Background()); err != nil {
			logger.Warn("thread reconcile failed", zap.Error(err))
		}
	})
	sched.AddTicker("presence_sweep", cfg.Chat.PresenceTTL, func() {
		tracker.Sweep(context.Background())
	})

	// ---- WS Router ----
	wsRouter := apows.NewRouter(logger)
	chatH := apows.NewChatHandlers(sessions, messages, tracker, logger)
	chatH.RegisterHandlers(wsRouter)
	sm := apows.NewSessionManager(logger)
	defer sm.CloseAllSessions()

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	// Health check
	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(200, gin.H{"status": "ok"})
	})

	// ---- REST API routes ----
	authH := apirest.NewAuthHandler(db, c, cfg.Security, sessions)
	userH := apirest.NewUserHandler(db, sessions, tracker)
	friendH := apirest.NewFriendHandler(db, sessions, tracker, auditSvc)
	threadH := apirest.NewThreadHandler(sessions, threads)
	messageH := apirest.NewMessageHandler(messages, cfg.Chat.HistoryPageSize, auditSvc)

	api := r.Group("/api")
	{
		authG := api.Group("/auth")
		authG.POST("/login", authH.Login)
		authG.POST("/logout", authH.Logout)
		authG.POST("/refresh", mw.Auth(cfg.Security, c), authH.Refresh)

		usersG := api.Group("/users")
		usersG.Use(mw.Auth(cfg.Security, c))
		usersG.GET("/me", userH.Me)
		usersG.PATCH("/me", userH.UpdateMe)
		usersG.GET("/search", userH.Search)
		usersG.GET("/:id", userH.GetUser)

		friendsG := api.Group("/friends")
		friendsG.Use(mw.Auth(cfg.Security, c))
		friendsG.GET("", friendH.ListFriends)
		friendsG.GET("/requests", friendH.ListRequests)
		friendsG.POST("/requests", friendH.SendRequest)
		friendsG.POST("/requests/:id/respond", friendH.Respond)
		friendsG.GET("/relationship/:id", friendH.Relationship)

		threadsG := api.Group("/threads")
		threadsG.Use(mw.Auth(cfg.Security, c))
		threadsG.GET("", threadH.List)
		threadsG.POST("", threadH.Open)
		threadsG.GET("/:id", threadH.Get)
		threadsG.GET("/:id/messages", messageH.List)
		threadsG.POST("/:id/messages", messageH.Send)

		if assistantClient != nil {
			assistantH := apirest.NewAssistantHandler(assistantClient, history, logger)
			assistantG := api.Group("/assistant")
			assistantG.Use(mw.Auth(cfg.Security, c))
			assistantG.POST("/reply", assistantH.Reply)
			assistantG.DELETE("/history", assistantH.ClearHistory)
		}
	}

	// ---- WebSocket ----
	wsH := apows.NewHandler(c, cfg.Security, sm, sessions, gw, tracker, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	// ---- SSE ----
	sseH := sse.NewHandler(gw, c, cfg.Security, logger)
	r.GET("/sse", sseH.ServeSSE)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	logger.Info("Server listening", zap.String("addr", addr))
	if err := r.Run(addr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
