package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notes-server/internal/cache"
	"notes-server/internal/config"
	"notes-server/internal/event"
	"notes-server/internal/handler"
	"notes-server/internal/middleware"
	"notes-server/internal/repository"
	"notes-server/internal/service"
	"notes-server/internal/websocket"
	"notes-server/pkg/logger"

	_ "github.com/go-kivik/kivik/v4/couchdb"

	"github.com/go-kivik/kivik/v4"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

func main() {
	bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log, err := logger.New().Level(cfg.Logging.Level).Pretty(cfg.Logging.Pretty).Make()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("failed to build logger")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational store
	if err := repository.Migrate(cfg.Postgres.DSN); err != nil {
		return err
	}
	pool, err := repository.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	// Document store
	couch, err := kivik.New("couch", cfg.CouchDB.URL)
	if err != nil {
		return err
	}
	defer couch.Close()
	if err := repository.EnsureIndexes(ctx, couch, cfg.CouchDB.Database); err != nil {
		return err
	}

	// Cache
	badgerDB, err := cache.Open(cfg.Cache.Dir)
	if err != nil {
		return err
	}
	defer badgerDB.Close()

	// Event sinks
	wsManager := websocket.NewManager(log, websocket.Options{
		Topics:         event.Topics(),
		MaxConnPerUser: cfg.WebSocket.MaxConnPerUser,
		WriteWait:      cfg.WebSocket.WriteWait,
		PongWait:       cfg.WebSocket.PongWait,
		PingPeriod:     cfg.WebSocket.PingPeriod,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
	})
	go wsManager.Run(ctx)

	sinks := []event.Sink{wsManager}
	if cfg.Kafka.Enabled {
		kafkaSink := event.NewKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.WriteTimeout)
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	publisher := event.NewPublisher(log, sinks...)

	userRepo := repository.NewUserRepository(pool)
	noteRepo := repository.NewNoteRepository(pool)
	versionStore := repository.NewVersionChainStore(couch, cfg.CouchDB.Database)

	authService := service.NewAuthService(userRepo, publisher, service.AuthConfig{
		JWTSecret:         cfg.JWT.Secret,
		JWTExpiration:     cfg.JWT.Expiration,
		RefreshExpiration: cfg.JWT.RefreshTokenExpiration,
		BcryptCost:        cfg.Auth.BcryptCost,
	}, log)
	userService := service.NewUserService(userRepo)
	noteService := service.NewNoteService(noteRepo, userRepo, versionStore, cache.NewBadgerCache(badgerDB), publisher, service.NoteServiceConfig{
		CacheTTL:        cfg.Cache.TTL,
		HistoryMaxDepth: cfg.History.MaxDepth,
	}, log)

	authHandler := handler.NewAuthHandler(authService)
	userHandler := handler.NewUserHandler(userService)
	noteHandler := handler.NewNoteHandler(noteService)
	wsHandler := handler.NewWebSocketHandler(wsManager, cfg.JWT.Secret, cfg.WebSocket.ReadBufferSize, cfg.WebSocket.WriteBufferSize)
	healthHandler := handler.NewHealthHandler(map[string]handler.Check{
		"postgres": pool.Ping,
		"couchdb": func(ctx context.Context) error {
			up, err := couch.Ping(ctx)
			if err != nil {
				return err
			}
			if !up {
				return errors.New("couchdb not ready")
			}
			return nil
		},
		"cache": func(context.Context) error {
			if badgerDB.IsClosed() {
				return errors.New("cache closed")
			}
			return nil
		},
	}, 2*time.Second)

	r := newRouter(log, cfg, routes{
		auth:   authHandler,
		user:   userHandler,
		note:   noteHandler,
		ws:     wsHandler,
		health: healthHandler,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Server.Env).Msg("starting notes server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	log.Info().Msg("server stopped gracefully")
	return nil
}

type routes struct {
	auth   *handler.AuthHandler
	user   *handler.UserHandler
	note   *handler.NoteHandler
	ws     *handler.WebSocketHandler
	health *handler.HealthHandler
}

func newRouter(log zerolog.Logger, cfg *config.Config, h routes) *mux.Router {
	r := mux.NewRouter()

	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORSMiddleware(
		cfg.CORS.AllowedOrigins,
		cfg.CORS.AllowedMethods,
		cfg.CORS.AllowedHeaders,
	))

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/auth/register", h.auth.Register).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/login", h.auth.Login).Methods("POST", "OPTIONS")
	api.HandleFunc("/auth/refresh", h.auth.Refresh).Methods("POST", "OPTIONS")
	api.HandleFunc("/ws", h.ws.HandleConnection)

	protected := api.PathPrefix("").Subrouter()
	protected.Use(middleware.AuthMiddleware(cfg.JWT.Secret))

	protected.HandleFunc("/users/me", h.user.GetMe).Methods("GET", "OPTIONS")

	protected.HandleFunc("/notes", h.note.Create).Methods("POST", "OPTIONS")
	protected.HandleFunc("/notes", h.note.List).Methods("GET", "OPTIONS")
	protected.HandleFunc("/notes/{id}", h.note.Get).Methods("GET", "OPTIONS")
	protected.HandleFunc("/notes/{id}", h.note.Update).Methods("PUT", "OPTIONS")
	protected.HandleFunc("/notes/{id}", h.note.Delete).Methods("DELETE", "OPTIONS")
	protected.HandleFunc("/notes/{id}/history", h.note.History).Methods("GET", "OPTIONS")

	r.HandleFunc("/health", h.health.Health).Methods("GET")

	return r
}
