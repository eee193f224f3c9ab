package main

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"go-converse/internal/chat"
	"go-converse/internal/config"
	"go-converse/internal/db"
	"go-converse/internal/logx"
	"go-converse/internal/metrics"
	myMiddleware "go-converse/internal/middleware"
	"go-converse/internal/realtime"
	"go-converse/internal/user"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	godotenv.Load()
	cfg := config.Load()
	logx.Init(cfg.Env)

	database, err := db.NewDatabase(cfg.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect to postgres")
	}
	if err := database.AutoMigrate(); err != nil {
		log.Fatal().Err(err).Msg("migrate schema")
	}
	log.Info().Msg("connected to postgres")

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect to redis")
	}
	log.Info().Msg("connected to redis")

	// User feature: accounts, login, token validation.
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWTSecret)
	userHandler := user.NewHandler(userService)

	// Live-connection plumbing: registry resolves users to handles, the
	// router fans events out per conversation, presence mirrors liveness
	// into redis for out-of-process consumers.
	registry := realtime.NewRegistry()
	rtRouter := realtime.NewRouter(registry)
	presence := realtime.NewPresence(redisClient, registry)
	go presence.Run(context.Background())

	// Conversation feature: durable state first, then routing.
	chatRepo := chat.NewRepository(database.Conn)
	chatService := chat.NewService(chatRepo, rtRouter)
	chatHandler := chat.NewHandler(chatService, registry, rtRouter, presence)

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)
	sendLimiter := myMiddleware.NewRateLimiter(rate.Limit(cfg.SendRatePerSec), cfg.SendBurst)
	defer sendLimiter.Stop()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.RequestLogger)
	r.Use(metrics.Middleware)

	// Public routes.
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Protected routes (require JWT).
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)

		r.Get("/api/users/search", userHandler.SearchUsers)

		// WebSocket: push-only event stream.
		r.Get("/ws", chatHandler.ServeWs)

		r.Post("/api/conversations", chatHandler.CreateConversation)
		r.Get("/api/conversations/{id}", chatHandler.GetConversation)
		r.Post("/api/conversations/{id}/join", chatHandler.JoinConversation)
		r.Put("/api/conversations/{id}/leave", chatHandler.LeaveConversation)
		r.Get("/api/conversations/{id}/messages", chatHandler.GetMessages)
		r.With(sendLimiter.Handle).Post("/api/conversations/{id}/messages", chatHandler.SendMessage)
		r.Put("/api/conversations/{id}/mute", chatHandler.MuteUser)
		r.Put("/api/conversations/{id}/ban", chatHandler.BanUser)
		r.Put("/api/conversations/{id}/admin", chatHandler.SetAdmin)
	})

	addr := ":" + cfg.Port
	log.Info().Str("addr", addr).Msg("server starting")
	if err := http.ListenAndServe(addr, r); err != nil {
		log.Fatal().Err(err).Msg("server stopped")
	}
}
