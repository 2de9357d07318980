package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/httpx"
	"chat-relay/internal/logging"
	myMiddleware "chat-relay/internal/middleware"
	"chat-relay/internal/presence"
	"chat-relay/internal/storage"
	"chat-relay/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const uploadsPath = "/uploads"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Config & Logger
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return err
	}
	defer log.Sync()

	// 2. Connect to Database (Platform Layer)
	database, err := db.NewDatabase(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}
	defer database.Close()
	log.Info("✅ Connected to PostgreSQL")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	log.Info("✅ Database schema initialized")

	// 3. Connect to Redis (Platform Layer)
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Info("✅ Connected to Redis")

	// 4. Initialize User Feature
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, user.Options{
		AccessSecret:  cfg.JWTSecret,
		RefreshSecret: cfg.JWTRefreshSecret,
		AccessTTL:     cfg.AccessTokenExp,
		RefreshTTL:    cfg.RefreshTokenExp,
	})
	tracker := presence.NewTracker(redisClient, userService, log.Named("presence"))
	userHandler := user.NewHandler(userService, tracker, cfg.Production(), log.Named("user"))

	// 5. Initialize Chat Feature
	uploads, err := storage.NewLocal(cfg.UploadDir, uploadsPath)
	if err != nil {
		return err
	}
	chatRepo := chat.NewRepository(database.Conn)
	hub := chat.NewHub(chatRepo, log.Named("hub"))
	chatService := chat.NewService(chatRepo, hub, tracker, log.Named("chat"))
	chatHandler := chat.NewHandler(chatService, userService, uploads, cfg.SendBuffer, cfg.MaxUploadBytes, log.Named("chat"))

	authMiddleware := myMiddleware.NewAuthMiddleware(userService, cfg.Production(), log.Named("auth"))
	staffOnly := myMiddleware.RequireRole(log, user.RoleAdmin, user.RoleAgent)

	// 6. Define Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	r.Post("/api/auth/signup", userHandler.Register)
	r.Post("/api/auth/login", userHandler.Login)
	r.Post("/api/auth/refresh", userHandler.Refresh)
	r.Post("/api/auth/logout", userHandler.Logout)
	r.Handle(uploadsPath+"/*", http.StripPrefix(uploadsPath, http.FileServer(http.Dir(uploads.Dir()))))

	// WebSocket (Real-time). The handshake checks its own token.
	r.Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)
		r.Get("/api/users/{id}/presence", userHandler.Presence)

		r.Route("/api/conversations", func(r chi.Router) {
			r.Post("/", chatHandler.StartConversation)
			r.Get("/", chatHandler.ListConversations)
			r.Get("/{id}/messages", chatHandler.ConversationMessages)
			r.With(staffOnly).Delete("/{id}", chatHandler.DeleteConversation)
		})

		r.Route("/api/messages", func(r chi.Router) {
			r.Post("/", chatHandler.SendMessage)
			r.Post("/read", chatHandler.MarkRead)
			r.Get("/{conversationId}", chatHandler.GetChatHistory)
		})
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("🚀 Server starting", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("🛑 Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting first. Hijacked websocket connections are not tracked by
	// the server, so drain them through the hub while Redis is still open.
	shutdownErr := srv.Shutdown(shutdownCtx)
	if err := hub.CloseAll(shutdownCtx); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("drain sessions: %w", err))
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}
	log.Info("👋 All sessions closed")
	return nil
}

// requestLogger logs one line per request through zap.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
