package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"pyrexxbook/chat-service/internal/auth"
	"pyrexxbook/chat-service/internal/config"
	"pyrexxbook/chat-service/internal/gateway"
	grpcServer "pyrexxbook/chat-service/internal/grpc"
	"pyrexxbook/chat-service/internal/httpapi"
	"pyrexxbook/chat-service/internal/presence"
	"pyrexxbook/chat-service/internal/repository"
	"pyrexxbook/chat-service/internal/service"

	pb "github.com/kegazani/metachat-proto/chat"
)

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	return logger
}

func openRepository(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (repository.ChatRepository, error) {
	if cfg.Driver == config.DriverMemory {
		logger.Warn("Using in-memory store, data will not survive a restart")
		return repository.NewMemoryRepository(), nil
	}

	db, err := repository.Open(ctx, cfg.Driver, cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == config.DriverPostgres {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	logger.WithField("driver", cfg.Driver).Info("Connected to database")

	repo := repository.NewChatRepository(db, cfg.Driver)
	if err := repo.InitializeTables(ctx); err != nil {
		repo.Close()
		return nil, fmt.Errorf("initialize tables: %w", err)
	}
	return repo, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = "insecure-dev-secret"
		logger.Warn("auth.jwt_secret is empty, using an insecure development secret")
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	chatRepo, err := openRepository(startCtx, cfg.Database, logger)
	cancelStart()
	if err != nil {
		logger.Fatalf("Failed to open store: %v", err)
	}
	defer chatRepo.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	registry := presence.NewRegistry()
	issuer := auth.NewIssuer(secret, cfg.Auth.TokenTTL)

	userService := service.NewUserService(chatRepo, logger)
	conversationService := service.NewConversationService(chatRepo, logger)

	hub := gateway.NewHub(registry, userService, logger)
	go hub.Run(ctx)

	messageService := service.NewMessageService(chatRepo, registry, hub, logger, service.MessageOptions{
		MaxMessageLength: cfg.Messaging.MaxMessageLength,
		StoreTimeout:     cfg.Messaging.StoreTimeout,
	})

	ws := gateway.New(hub, conversationService, messageService, logger, gateway.Options{
		AllowedOrigins:   cfg.WebSocket.AllowedOrigins,
		SendBuffer:       cfg.WebSocket.SendBuffer,
		MaxMessageLength: cfg.Messaging.MaxMessageLength,
	})
	handler := httpapi.NewHandler(userService, conversationService, messageService, registry, issuer, chatRepo, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           httpapi.NewRouter(handler, ws),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("Starting HTTP server on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	var s *grpc.Server
	if cfg.GRPC.Enabled {
		address := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.GRPC.Port))
		lis, err := net.Listen("tcp", address)
		if err != nil {
			logger.Fatalf("Failed to listen on %s: %v", address, err)
		}

		s = grpc.NewServer()
		pb.RegisterChatServiceServer(s, grpcServer.NewChatServer(conversationService, messageService, logger))

		if cfg.GRPC.ReflectionEnabled {
			reflection.Register(s)
			logger.Info("gRPC reflection enabled")
		}

		go func() {
			logger.Infof("Starting gRPC server on %s", address)
			if err := s.Serve(lis); err != nil {
				logger.Fatalf("Failed to start gRPC server: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down servers...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown timeout")
	} else {
		logger.Info("HTTP server exited gracefully")
	}

	// Closing the hub closes every websocket connection.
	stop()

	if s != nil {
		grpcCtx, grpcCancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout)
		defer grpcCancel()

		done := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("gRPC server exited gracefully")
		case <-grpcCtx.Done():
			s.Stop()
			logger.Info("gRPC server shutdown timeout")
		}
	}

	logger.Info("Server exited")
}
