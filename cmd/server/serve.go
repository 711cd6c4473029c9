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

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"jobtalk/infrastructure/blob"
	"jobtalk/infrastructure/cache"
	"jobtalk/infrastructure/db"
	"jobtalk/infrastructure/feed"
	"jobtalk/internal/config"
	httpHandler "jobtalk/internal/delivery/http"
	"jobtalk/internal/delivery/websocket"
	"jobtalk/internal/entity"
	"jobtalk/internal/repository"
	"jobtalk/internal/usecase"
	"jobtalk/pkg/jwt"
)

var serveCommand = &cli.Command{
	Name:   "serve",
	Usage:  "Run the HTTP and websocket server",
	Action: cmdServe,
}

func newLogger(cfg config.LogConfig, serverID string) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	var log zerolog.Logger
	if cfg.Pretty {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log = zerolog.New(os.Stderr)
	}
	return log.Level(level).With().Timestamp().Str("server_id", serverID).Logger()
}

// backends holds whichever storage and feed implementations the config
// selected, plus what must be closed on shutdown.
type backends struct {
	feed    feed.Feed
	repo    repository.ConversationRepository
	typing  repository.TypingRepository
	blobs   blob.Store
	closers []func(ctx context.Context) error
}

func openBackends(ctx context.Context, cfg config.Config, log zerolog.Logger) (*backends, error) {
	b := &backends{}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		b.feed = feed.NewRedisFeed(rdb, cfg.Redis.TopicPrefix, cfg.Server.ServerID, log)
		b.typing = repository.NewRedisTypingRepository(rdb, b.feed, cfg.Typing.StaleAfter, log)
		b.closers = append(b.closers, func(context.Context) error { return rdb.Close() })
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis feed")
	} else {
		b.feed = feed.NewMemoryFeed(log)
		states := cache.NewMemCache[entity.TypingState](time.Minute)
		b.typing = repository.NewMemoryTypingRepository(states, b.feed, cfg.Typing.StaleAfter, log)
		b.closers = append(b.closers, func(context.Context) error { states.Close(); return nil })
		log.Info().Msg("Using in-memory feed (single server)")
	}
	// Closing the feed ends every subscription, so it goes before the stores.
	feedCloser := func(context.Context) error { return b.feed.Close() }

	if cfg.Mongo.URI != "" {
		store, err := db.NewMongoStore(ctx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			b.close(ctx, log)
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			_ = store.Close(ctx)
			b.close(ctx, log)
			return nil, fmt.Errorf("failed to ensure indexes: %w", err)
		}
		blobs, err := blob.NewGridFSStore(store.DB, db.AttachmentsBucket, int32(cfg.Attachments.ChunkSize))
		if err != nil {
			_ = store.Close(ctx)
			b.close(ctx, log)
			return nil, fmt.Errorf("failed to open attachment bucket: %w", err)
		}
		b.repo = repository.NewConversationRepository(store.Client, store.DB, b.feed, log)
		b.blobs = blobs
		b.closers = append(b.closers, store.Close)
		log.Info().Str("database", cfg.Mongo.Database).Msg("Connected to MongoDB")
	} else {
		b.repo = repository.NewMemoryConversationRepository(b.feed, log)
		b.blobs = blob.NewMemoryStore()
		log.Warn().Msg("No mongo uri configured, conversations are kept in memory")
	}

	b.closers = append([]func(context.Context) error{feedCloser}, b.closers...)
	return b, nil
}

func (b *backends) close(ctx context.Context, log zerolog.Logger) {
	for _, c := range b.closers {
		if err := c(ctx); err != nil {
			log.Warn().Err(err).Msg("Close backend")
		}
	}
}

func cmdServe(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	log := newLogger(cfg.Log, cfg.Server.ServerID)
	if cfg.Auth.JWTSecret == config.DefaultJWTSecret {
		log.Warn().Msg("Using default JWT secret, set JWT_SECRET for production")
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	be, err := openBackends(sigCtx, cfg, log)
	if err != nil {
		return err
	}
	go be.feed.Run()

	jwtManager := jwt.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)
	backoff := usecase.Backoff{Min: cfg.Sync.BackoffMin, Max: cfg.Sync.BackoffMax}

	conversationUc := usecase.NewConversationUsecase(be.repo)
	uploader := usecase.NewAttachmentUploader(be.blobs, usecase.UploaderConfig{
		BaseURL:   cfg.Attachments.BaseURL,
		MaxBytes:  cfg.Attachments.MaxBytes,
		ChunkSize: cfg.Attachments.ChunkSize,
	}, log)

	websocketH := websocket.NewWebsocketHandler(usecase.ViewDeps{
		Repo:     be.repo,
		Typing:   be.typing,
		Source:   usecase.NewFeedSource(be.repo, be.typing, be.feed, cfg.Sync.MessageLimit),
		Uploader: uploader,
		Clock:    usecase.RealClock,
	}, usecase.ViewConfig{
		Typing: usecase.TypingConfig{
			IdleAfter:    cfg.Typing.IdleAfter,
			RefreshEvery: cfg.Typing.RefreshEvery,
		},
		TypingStaleAfter: cfg.Typing.StaleAfter,
		Backoff:          backoff,
		OpTimeout:        cfg.Sync.OpTimeout,
	}, cfg.Server.MaxMessageBytes, log)
	httpH := httpHandler.NewHttpHandler(conversationUc, be.blobs)
	authMiddleware := httpHandler.NewAuthMiddleware(jwtManager)

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(httpHandler.AccessLog(log)...)
	router.Use(httpHandler.Cors(cfg.Server.AllowedOrigin))

	httpHandler.MapHttpRoutes(router, httpH, websocketH, authMiddleware)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", cfg.Server.Port).Msg("HTTP server is running")
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	case <-sigCtx.Done():
		log.Info().Msg("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown")
	}
	be.close(shutdownCtx, log)
	return nil
}
