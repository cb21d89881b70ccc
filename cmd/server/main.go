package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/darkden-lab/postfeed/internal/config"
	"github.com/darkden-lab/postfeed/internal/db"
	"github.com/darkden-lab/postfeed/internal/gql"
	"github.com/darkden-lab/postfeed/internal/httputil"
	"github.com/darkden-lab/postfeed/internal/logging"
	mw "github.com/darkden-lab/postfeed/internal/middleware"
	"github.com/darkden-lab/postfeed/internal/posts"
	"github.com/darkden-lab/postfeed/internal/pubsub"
	"github.com/darkden-lab/postfeed/internal/relay"
	"github.com/darkden-lab/postfeed/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Storage
	var repo posts.Repository
	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Warn("database connection failed, continuing with in-memory store", slog.Any("error", err))
		repo = posts.NewMemoryStore()
	} else {
		defer database.Close()
		if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
			log.Warn("migrations failed", slog.Any("error", err))
		}
		repo = posts.NewStore(database.Pool)
	}

	// Event broadcasting
	policy, err := pubsub.ParseDropPolicy(cfg.PubSubDropPolicy)
	if err != nil {
		log.Error("invalid pubsub drop policy", slog.Any("error", err))
		os.Exit(1)
	}
	broker := pubsub.NewBroker[posts.Post](pubsub.Options{
		BufferSize: cfg.PubSubBufferSize,
		DropPolicy: policy,
		Logger:     log,
	})
	defer broker.Close()

	rl, err := relay.New(ctx, cfg, log)
	if err != nil {
		log.Error("relay setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if rl != nil {
		defer rl.Close()
	}
	events := relay.NewBridge(broker, rl, log)
	if err := events.Start(ctx, posts.TopicPostCreated); err != nil {
		log.Error("relay subscribe failed", slog.Any("error", err))
		os.Exit(1)
	}

	// GraphQL
	svc := posts.NewService(repo, events, log)
	exec, err := gql.NewExecutor(svc, broker, log)
	if err != nil {
		log.Error("graphql setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	// WebSocket Hub
	hub := ws.NewHub(log)
	go hub.Run(ctx)
	wsHandler := ws.NewWSHandler(ctx, hub, exec, cfg.Origins(), log)

	// Router
	r := mux.NewRouter()
	r.Use(mw.RequestLogger(log))
	r.Use(mw.RateLimitMiddleware(ctx, cfg.RateLimitRPS, cfg.RateLimitBurst))
	r.HandleFunc("/healthz", healthzHandler(database)).Methods(http.MethodGet)

	wsLimited := mw.StrictRateLimitMiddleware(ctx, cfg.WSConnectRPS, cfg.WSConnectBurst)(wsHandler)
	gql.NewHandler(exec, log).RegisterRoutes(r, wsLimited)

	// CORS wraps the entire router so OPTIONS preflight requests are handled
	// before mux routing (which would 405 on OPTIONS).
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           mw.CORS(cfg.Origins())(r),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("server shutdown failed", slog.Any("error", err))
		}
	}()

	log.Info("starting server", slog.String("addr", srv.Addr), slog.String("relay", cfg.RelayDriver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", slog.Any("error", err))
		os.Exit(1)
	}

	log.Info("server stopped")
}

// healthzHandler reports ok, and whether the database answers when one is
// configured.
func healthzHandler(database *db.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]string{"status": "ok", "store": "memory"}
		code := http.StatusOK
		if database != nil {
			status["store"] = "postgres"
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := database.Pool.Ping(ctx); err != nil {
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		httputil.WriteJSON(w, code, status)
	}
}
