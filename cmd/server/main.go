package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"cliquechain/internal/chat"
	"cliquechain/internal/clique"
	"cliquechain/internal/config"
	"cliquechain/internal/db"
	myMiddleware "cliquechain/internal/middleware"
	"cliquechain/internal/notify"
	"cliquechain/internal/presence"
	"cliquechain/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	addr := flag.String("addr", "", "http service address (overrides HTTP_ADDR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	slog.SetDefault(newLogger(cfg.Log))

	if err := run(cfg); err != nil {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.NewDatabase(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer database.Close()
	slog.Info("connected to postgres")

	if err := database.AutoMigrate(ctx); err != nil {
		return err
	}
	slog.Info("database schema initialized")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return err
	}
	slog.Info("connected to redis", "addr", cfg.Redis.Addr)

	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(userRepo, cfg.JWT.Secret, cfg.JWT.ExpirationTime)
	userHandler := user.NewHandler(userService)

	cliqueStore := clique.NewStore(database.Conn)
	cliqueHandler := clique.NewHandler(cliqueStore)

	hub := presence.NewHub(cliqueStore, cliqueStore, presence.Options{
		LookupTimeout:    cfg.WebSocket.LookupTimeout,
		HandshakeTimeout: cfg.WebSocket.HandshakeTimeout,
		Directory:        userService,
		Logger:           slog.Default().With("component", "presence"),
	})
	bus := notify.NewBus(redisClient, cfg.Redis.Channel)

	chatHandler := chat.NewHandler(hub, chat.NewRepository(database.Conn), cliqueStore, bus, chat.HandlerOptions{
		RequireToken:   cfg.WebSocket.RequireToken,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		Directory:      userService,
	})

	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Public Routes
	r.Post("/register", userHandler.Register)
	r.Post("/login", userHandler.Login)

	// The socket authenticates in-band; a token only pins the identity.
	r.With(authMiddleware.Optional).Get("/ws", chatHandler.ServeWs)

	// Protected Routes (Require JWT)
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		r.Get("/api/users/search", userHandler.SearchUsers)

		r.Post("/api/cliques", cliqueHandler.Create)
		r.Post("/api/cliques/{id}/join", cliqueHandler.Join)
		r.Get("/api/cliques/{id}/members", cliqueHandler.Members)
		r.Post("/api/cliques/{id}/chains", cliqueHandler.CreateChain)
		r.Get("/api/cliques/{id}/online", chatHandler.Online)

		r.Post("/api/chains/{id}/content", chatHandler.AddContent)
		r.Post("/api/content/{id}/react", chatHandler.React)

		r.Get("/api/presence/stats", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(hub.Snapshot())
		})
	})

	srv := &http.Server{Addr: cfg.HTTP.Addr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return bus.Subscribe(gctx, hub)
	})
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
