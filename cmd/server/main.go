package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go-chat-realtime/internal/chat"
	"go-chat-realtime/internal/config"
	"go-chat-realtime/internal/db"
	"go-chat-realtime/internal/logging"
	"go-chat-realtime/internal/metrics"
	myMiddleware "go-chat-realtime/internal/middleware"
	"go-chat-realtime/internal/presence"
	"go-chat-realtime/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

const presenceTTL = 24 * time.Hour

func main() {
	// 1. Config & Flags
	cfg, err := config.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ invalid configuration: %v\n", err)
		os.Exit(2)
	}
	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("❌ server failed", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// 2. Storage (Platform Layer)
	var (
		store    chat.Store
		users    *user.Service
		database *db.Database
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		var err error
		database, err = db.NewDatabase(cfg.DSN)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer database.Close()
		logger.Info("✅ Connected to PostgreSQL")

		if err := database.AutoMigrate(ctx); err != nil {
			return err
		}
		logger.Info("✅ Database Schema Initialized")

		store = chat.NewRepository(database.Conn)
		users = user.NewService(user.NewRepository(database.Conn), cfg.JWTSecret)

	case config.DriverMemory:
		mem := chat.NewMemoryStore()
		seeded, err := seedUsers(mem, cfg.SeedUsers)
		if err != nil {
			return err
		}
		logger.Info("✅ Using in-memory storage", "seeded_users", seeded)
		store = mem
		users = user.NewService(nil, cfg.JWTSecret)
	}

	// 3. Redis presence mirror (Platform Layer)
	var presenceHandler *presence.Handler
	if !cfg.RedisDisabled {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()
		cache := presence.NewCache(redisClient, presenceTTL)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := cache.Ping(pingCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("✅ Connected to Redis", "addr", cfg.RedisAddr)

		store = presence.NewMirrorStore(store, cache, logger)
		presenceHandler = presence.NewHandler(cache, logger)
	}

	// 4. Chat Feature
	hub := chat.NewHub(m, logger)
	opts := chat.DefaultOptions()
	opts.MaxContentLength = cfg.MaxMessageLength
	opts.HistoryLimit = cfg.HistoryLimit
	if opts.MaxHistoryLimit < opts.HistoryLimit {
		opts.MaxHistoryLimit = opts.HistoryLimit
	}
	opts.DefaultRoomID = cfg.DefaultRoomID
	opts.StorageTimeout = cfg.StorageTimeout
	svc := chat.NewService(hub, store, opts, logger)

	// Tokens are only honoured when a secret is configured.
	var validator chat.TokenValidator
	if cfg.JWTSecret != "" {
		validator = users
	}
	chatHandler := chat.NewHandler(svc, validator, chat.HandlerConfig{
		SendBuffer:      cfg.SendBuffer,
		FramesPerSecond: cfg.FramesPerSecond,
		RequireToken:    cfg.RequireToken,
	}, m, logger)

	// 5. Routes
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", chatHandler.Health)
	r.Handle("/metrics", m.Handler())
	r.Get("/api/rooms/default-room", chatHandler.DefaultRoom)
	if presenceHandler != nil {
		r.Get("/api/users/{id}/presence", presenceHandler.GetPresence)
	}

	if cfg.JWTSecret != "" {
		authMiddleware := myMiddleware.NewAuthMiddleware(users)
		if database != nil {
			userHandler := user.NewHandler(users, logger)
			r.Post("/register", userHandler.Register)
			r.Post("/login", userHandler.Login)
			r.With(authMiddleware.Handle).Get("/api/users/search", userHandler.SearchUsers)
		}
		r.With(authMiddleware.Optional).Get("/ws", chatHandler.ServeWs)
	} else {
		r.Get("/ws", chatHandler.ServeWs)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if _, err := svc.EnsureDefaultRoom(gctx); err != nil {
			logger.Warn("default room not ready", "room", cfg.DefaultRoomID, "err", err)
		}
		logger.Info("🚀 Server starting", "addr", cfg.Addr, "storage", cfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// seedUsers loads id:username pairs into the memory store.
func seedUsers(store *chat.MemoryStore, pairs []string) (int, error) {
	for _, pair := range pairs {
		id, name, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || id == "" || name == "" {
			return 0, fmt.Errorf("invalid SEED_USERS entry %q, want id:username", pair)
		}
		store.PutUser(chat.User{ID: id, Username: name})
	}
	return len(pairs), nil
}
