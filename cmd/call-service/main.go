package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"talklink-backend/internal/coordinator"
	"talklink-backend/internal/database"
	callHandler "talklink-backend/internal/handler/http/call"
	pushHandler "talklink-backend/internal/handler/http/push"
	wsHandler "talklink-backend/internal/handler/ws"
	"talklink-backend/internal/middleware"
	"talklink-backend/internal/repository/cassandra"
	"talklink-backend/internal/repository/cockroach"
	redisRepo "talklink-backend/internal/repository/redis"
	"talklink-backend/internal/service/feedback"
	"talklink-backend/internal/service/storage"
	"talklink-backend/internal/service/transcription"
	"talklink-backend/pkg/config"
	"talklink-backend/pkg/constants"
	"talklink-backend/pkg/jwt"
	"talklink-backend/pkg/logger"
	"talklink-backend/pkg/metrics"
	"talklink-backend/pkg/push"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 2. Initialize logger
	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// 3. Setup JWT manager
	if cfg.JWT.Secret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry, cfg.JWT.RefreshTokenExpiry)

	// 4. Connect to CockroachDB
	connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.Database.User, cfg.Database.Password,
		cfg.Database.Host, cfg.Database.Port,
		cfg.Database.Database, cfg.Database.SSLMode)
	dbConfig := database.DefaultDBConfig()
	dbConfig.MaxOpenConns = cfg.Database.MaxConns
	db, err := database.NewDB(context.Background(), connString, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to CockroachDB: %v", err)
	}
	defer db.Close()
	log.Println("✅ Connected to CockroachDB")

	// 5. Connect to Cassandra
	cassandraDB, err := database.NewCassandraDB(&database.CassandraConfig{
		Hosts:    cfg.Cassandra.Hosts,
		Keyspace: cfg.Cassandra.Keyspace,
		Timeout:  cfg.Cassandra.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Cassandra: %v", err)
	}
	defer cassandraDB.Close()
	log.Println("✅ Connected to Cassandra")

	// 6. Connect to Redis with degraded mode support
	database.InitRedisMetrics()
	redisDB, err := database.NewRedisDB(&database.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
		Timeout:  cfg.Redis.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisDB.Close()
	go redisDB.StartHealthCheck(context.Background(), constants.RedisHealthCheckInterval)
	log.Println("✅ Connected to Redis")

	// 7. Initialize repositories
	callRepo := cockroach.NewCallRepository(db.Pool)
	userRepo := cockroach.NewUserRepository(db.Pool)
	transcriptRepo := cassandra.NewTranscriptRepository(cassandraDB.Session)
	presenceRepo := redisRepo.NewPresenceRepository(redisDB)
	pushTokenRepo := redisRepo.NewPushTokenRepository(redisDB.Client)

	// 8. Initialize push notifications
	pushProvider, err := push.NewProvider()
	if err != nil {
		log.Fatalf("Failed to initialize push provider: %v", err)
	}
	pushService := push.NewService(pushProvider, pushTokenRepo)

	// 9. Initialize metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	prometheusMiddleware := middleware.NewPrometheusMiddleware(appMetrics)

	// 10. Wire the coordinator. Audio archival, transcription and grammar
	// feedback are optional: calls still work without the provider keys.
	coordCfg := coordinator.Config{
		Calls:       callRepo,
		Users:       userRepo,
		Transcripts: transcriptRepo,
		Presence:    presenceRepo,
		Notifier:    pushService,
		Metrics:     appMetrics,
	}
	if cfg.MinIO.Endpoint != "" {
		archiver, err := storage.NewService(cfg.MinIO)
		if err != nil {
			log.Fatalf("Failed to initialize audio archival: %v", err)
		}
		coordCfg.Archiver = archiver
		log.Println("✅ Audio archival enabled")
	}
	if cfg.Transcription.APIKey != "" {
		coordCfg.Transcriber = transcription.NewClient(cfg.Transcription)
		log.Println("✅ Live transcription enabled")
	}
	if cfg.Grammar.APIKey != "" {
		coordCfg.Feedback = feedback.NewService(cfg.Grammar)
		log.Println("✅ Grammar feedback enabled")
	}
	coord := coordinator.New(coordCfg)

	// 11. Initialize handlers
	gateway := wsHandler.NewGateway(coord, appMetrics)
	callHdlr := callHandler.NewHandler(callRepo, transcriptRepo)
	pushHdlr := pushHandler.NewHandler(pushService)

	// 12. Setup Gin router
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.CORSMiddleware())
	router.Use(prometheusMiddleware.Handler())

	router.GET("/health", middleware.HealthCheck(cfg.Server.ServiceName))
	router.GET("/metrics", middleware.MetricsHandler())

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtManager))
	{
		// Signaling (matchmaking, relay and call control all run over this)
		v1.GET("/ws", gateway.ServeWS)

		// Call history and transcripts
		v1.GET("/calls", callHdlr.GetHistory)
		v1.GET("/calls/:id", callHdlr.GetCall)
		v1.GET("/calls/:id/transcript", callHdlr.GetTranscript)

		// Push token management
		v1.POST("/push/tokens", pushHdlr.RegisterToken)
		v1.DELETE("/push/tokens/:id", pushHdlr.UnregisterToken)
		v1.DELETE("/push/tokens", pushHdlr.UnregisterAllTokens)
	}

	// 13. Start server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Printf("🚀 Call service starting on port %d\n", cfg.Server.Port)
		log.Println("📡 WebSocket endpoint: /v1/ws")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// 14. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
