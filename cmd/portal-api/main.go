package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "einvoice-portal/onboarding-backend/api/v1"
	"einvoice-portal/onboarding-backend/internal/analytics"
	"einvoice-portal/onboarding-backend/internal/config"
	"einvoice-portal/onboarding-backend/internal/onboarding"
	"einvoice-portal/onboarding-backend/internal/realtime"
	"einvoice-portal/onboarding-backend/pkg/kvstore"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		bootLogger, _ := zap.NewDevelopment()
		bootLogger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		bootLogger, _ := zap.NewDevelopment()
		bootLogger.Fatal("Failed to build logger", zap.Error(err))
	}
	defer logger.Sync()

	ctx := context.Background()

	// Local mirror
	kv, err := kvstore.Open(ctx, kvstore.Config{
		Backend:         cfg.Storage.Backend,
		TTL:             cfg.Storage.TTL,
		PostgresURL:     cfg.Database.GetDatabaseURL(),
		PostgresTable:   cfg.Storage.PostgresTable,
		DynamoTable:     cfg.Storage.DynamoTable,
		AWSRegion:       cfg.AWS.Region,
		AWSEndpoint:     cfg.AWS.Endpoint,
		AWSAccessKey:    cfg.AWS.AccessKey,
		AWSSecretKey:    cfg.AWS.SecretKey,
		MongoURI:        cfg.Storage.MongoURI,
		MongoDatabase:   cfg.Storage.MongoDatabase,
		MongoCollection: cfg.Storage.MongoCollection,
	})
	if err != nil {
		logger.Fatal("Failed to open local store", zap.String("backend", cfg.Storage.Backend), zap.Error(err))
	}
	defer kv.Close()
	local := onboarding.NewLocalBackend(kv)

	// Upstream progress API
	var primary, fallback onboarding.RemoteBackend
	if cfg.Remote.BaseURL != "" {
		client := &http.Client{Timeout: cfg.Remote.Timeout}
		primary = onboarding.NewUnifiedRemote(cfg.Remote.BaseURL, client)
		if !cfg.Remote.DisableFallback {
			fallback = onboarding.NewLegacyRemote(cfg.Remote.BaseURL, client)
		}
	} else {
		logger.Warn("No remote onboarding API configured, progress is kept in the local store only")
	}

	// Analytics
	sinks, err := buildSinks(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize analytics sinks", zap.Error(err))
	}
	tracker, err := analytics.NewTracker(logger, analytics.Config{
		BatchSize:     cfg.Analytics.BatchSize,
		MaxBuffer:     cfg.Analytics.MaxBuffer,
		FlushSchedule: cfg.Analytics.FlushSchedule,
		FlushTimeout:  cfg.Analytics.FlushTimeout,
	}, sinks...)
	if err != nil {
		logger.Fatal("Failed to initialize analytics tracker", zap.Error(err))
	}
	tracker.Start()

	// Realtime bridge
	bridge := realtime.NewBridge(logger)
	bridge.Start()

	// Onboarding module
	store := onboarding.NewStore(primary, fallback, local, tracker, logger)
	store.SetPublisher(bridge)

	resumeConfig := onboarding.DefaultResumeConfig()
	resumeConfig.MinIdle = cfg.Resume.MinIdle
	resumeConfig.MaxIdle = cfg.Resume.MaxIdle
	resumeConfig.DismissCooldown = cfg.Resume.DismissCooldown
	resumeConfig.MaxAttempts = cfg.Resume.MaxAttempts
	if len(cfg.Resume.ExcludedPaths) > 0 {
		resumeConfig.ExcludedPaths = cfg.Resume.ExcludedPaths
	}
	detector := onboarding.NewResumeDetector(resumeConfig)
	service := onboarding.NewService(store, local, detector, tracker, logger)

	realtimeConfig := realtime.DefaultConfig()
	realtimeConfig.IdleTimeout = cfg.Realtime.IdleTimeout
	realtimeConfig.AllowedOrigins = cfg.Server.AllowedOrigins
	manager := realtime.NewManager(bridge, realtimeConfig, func(userID, role string, idleFor time.Duration) {
		r, err := onboarding.ParseRole(role)
		if err != nil {
			return
		}
		service.RecordAbandon(onboarding.User{ID: userID, Role: r}, idleFor)
	}, logger)

	api := v1.SetupOnboardingAPI(service, manager, cfg.Security.JWTSecret, logger)

	// Setup Router
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(cfg.Server.AllowedOrigins))

	v1Group := router.Group("/api/v1")
	{
		v1.RegisterOnboardingRoutes(v1Group, api)
	}

	// Health Check
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "healthy",
			"timestamp":   time.Now(),
			"connections": manager.GetConnectionCount(),
			"pending":     tracker.Pending(),
		})
	})

	// Start Server
	srv := &http.Server{
		Addr:         cfg.Server.GetServerAddr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", srv.Addr))

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	manager.Close()
	bridge.Stop()
	tracker.Close(shutdownCtx)

	logger.Info("Server exiting")
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		allowOrigin := "*"
		if len(allowed) > 0 {
			allowOrigin = ""
			for _, o := range allowed {
				if o == origin {
					allowOrigin = origin
					break
				}
			}
		}
		if allowOrigin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", allowOrigin)
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
