package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"messaging-service/internal/auth"
	"messaging-service/internal/config"
	"messaging-service/internal/db"
	grpcserver "messaging-service/internal/grpc"
	"messaging-service/internal/handlers"
	"messaging-service/internal/messaging"
	"messaging-service/internal/middleware"
	"messaging-service/internal/observability"
	"messaging-service/internal/rabbitmq"
	"messaging-service/internal/relay"
	"messaging-service/internal/repositories"
	"messaging-service/internal/telemetry"
	"messaging-service/internal/ws"
)

const auditRoutingKey = "audit.messaging"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.ServiceName, cfg.Environment, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to init tracing", "error", err)
		os.Exit(1)
	}

	conversations, messages, closeStore := openStore(ctx, cfg, logger)
	defer closeStore()

	nodeRelay, err := relay.New(relay.Options{
		Backend:  cfg.RelayBackend,
		RedisURL: cfg.RedisURL,
		NATSURL:  cfg.NATSURL,
		Subject:  cfg.RelaySubject,
		Logger:   logger,
	})
	if err != nil {
		logger.Error("failed to init relay", "error", err)
		os.Exit(1)
	}
	defer nodeRelay.Close()

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange, logger)
	defer publisher.Close()
	logger.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, auditRoutingKey, cfg.ServiceName, cfg.Environment, logger)

	hub := ws.NewHub(ws.HubOptions{Relay: nodeRelay, Events: publisher, Logger: logger})
	if err := hub.Start(ctx); err != nil {
		logger.Error("failed to start hub", "error", err)
		os.Exit(1)
	}

	service := messaging.NewService(conversations, messages, hub, messaging.Options{
		MaxMessageLength: cfg.MessageMaxLength,
		PrivilegedRoles:  cfg.PrivilegedRoleList(),
		Events:           publisher,
		Logger:           logger,
	})

	var directory handlers.UserDirectory
	if cfg.DirectoryAddr != "" {
		directoryClient, err := grpcserver.DialDirectory(cfg.DirectoryAddr)
		if err != nil {
			logger.Error("failed to connect to user directory", "addr", cfg.DirectoryAddr, "error", err)
			os.Exit(1)
		}
		defer directoryClient.Close()
		directory = directoryClient
	}

	tokens := auth.NewJWTService(cfg.JWTSecret, cfg.ServiceName)
	conversationHandler := handlers.NewConversationHandler(service, directory, audit)
	wsHandler := ws.NewHandler(hub, service, tokens, cfg.WSSendBuffer, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(observability.RequestIDMiddleware())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", wsHandler.Handle)
	handlers.RegisterDebugRoutes(router, audit, hub, cfg.DebugRoutes)

	api := router.Group("/", middleware.AuthMiddleware(tokens))
	conversationHandler.Register(api)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	healthServer := grpcserver.NewHealthServer(cfg.ServiceName)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Error("failed to listen for grpc", "port", cfg.GRPCPort, "error", err)
		os.Exit(1)
	}
	go func() {
		logger.Info("grpc health server started", "addr", lis.Addr().String())
		if err := healthServer.Serve(lis); err != nil {
			logger.Error("grpc server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	healthServer.SetNotServing()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	hub.Close()
	healthServer.Stop()
	cancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	logger.Info("stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repositories.ConversationRepository, repositories.MessageRepository, func()) {
	if cfg.StoreBackend == "memory" {
		logger.Warn("using in-memory store; data is lost on restart")
		store := repositories.NewMemoryStore()
		return store, store, func() {}
	}

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		logger.Error("failed to connect to db", "error", err)
		os.Exit(1)
	}
	return repositories.NewConversationRepo(database), repositories.NewMessageRepo(database), func() { database.Close() }
}
