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

	"collab-relay/auth"
	"collab-relay/internal/admin"
	"collab-relay/internal/apiclient"
	"collab-relay/internal/config"
	"collab-relay/internal/crdt"
	"collab-relay/internal/db"
	"collab-relay/internal/gateway"
	"collab-relay/internal/logging"
	"collab-relay/internal/permission"
	"collab-relay/internal/relay"
	"collab-relay/internal/room"
	"collab-relay/internal/server"
	"collab-relay/internal/snapshot"
	"collab-relay/internal/worker"
	"collab-relay/redis"

	"github.com/rs/zerolog"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

const (
	tokenTTL      = 15 * time.Minute
	flushTimeout  = 10 * time.Second
	snapshotTTL   = 30 * 24 * time.Hour
	shutdownGrace = 5 * time.Second
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Environment)

	ctx := context.Background()

	var redisClient *goredis.Client
	if cfg.RedisAddress != "" {
		redisClient, err = redis.NewClient(ctx, cfg.RedisAddress)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to redis")
		}
		defer redisClient.Close()
	}

	api := apiclient.New(cfg.APIAddress, apiclient.WithBearer(cfg.InternalSecret))

	// Permission resolution
	var resolver permission.Resolver
	switch cfg.PermissionBackend {
	case "db":
		conn, err := db.Connect(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect to database")
		}
		defer db.Close(conn)
		if err := prepareDB(conn, cfg.Environment); err != nil {
			logger.Fatal().Err(err).Msg("prepare database")
		}
		resolver = permission.NewDBResolver(conn)
	default:
		resolver = api
	}
	var invalidator admin.Invalidator
	if redisClient != nil {
		cached := permission.NewCachedResolver(resolver, redis.NewCache(redisClient, "permission:"), cfg.PermissionCacheTTL, logger)
		resolver, invalidator = cached, cached
	}

	// Snapshot store
	store, err := openStore(ctx, cfg, api, redisClient)
	if err != nil {
		logger.Fatal().Err(err).Msg("open snapshot store")
	}

	pool := worker.NewWorkerPool(cfg.SnapshotWorkers, 256, flushTimeout, logger)
	opts := []room.Option{
		room.WithGracePeriod(cfg.EvictionGrace),
		room.WithLogger(logger),
	}
	if store != nil {
		opts = append(opts,
			room.WithLoader(loadFrom(store)),
			room.WithEvictHook(flushTo(store, pool, logger)),
		)
	}
	registry := room.NewRegistry(opts...)

	relayCfg := relay.DefaultConfig()
	relayCfg.PingInterval = cfg.PingInterval
	relayCfg.MaxBufferedBytes = cfg.MaxBufferedBytes
	relayCfg.MaxSendFailures = int32(cfg.MaxSendFailures)
	rl := relay.New(registry, relayCfg, logger)
	rl.Start()

	signer := auth.NewSigner(cfg.ConnectionSecret, tokenTTL)
	router := server.NewRouter(server.Options{
		Environment: cfg.Environment,
		AdminSecret: cfg.AdminSecret,
		Gateway:     gateway.New(signer, resolver, rl, logger),
		Admin:       admin.NewHandler(registry, rl, invalidator, logger),
		Logger:      logger,
	})

	// Server configuration
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router.Handler(),
	}

	// Start server
	go func() {
		logger.Info().Str("port", cfg.ServerPort).Str("permission_backend", cfg.PermissionBackend).
			Str("snapshot_backend", cfg.SnapshotBackend).Msg("relay listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down relay")

	rl.Shutdown("server shutting down")
	registry.Shutdown(relay.CloseGoingAway, "server shutting down")
	pool.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("relay stopped")
}

// Demo document seeded in development so a fresh checkout has something to
// open: demo-owner owns it, demo-editor may edit and demo-viewer may read.
const demoDocument = "demo"

var demoCollaborators = map[string]string{
	"demo-editor": "editor",
	"demo-viewer": "viewer",
}

// prepareDB migrates the permission schema and, in development, seeds the
// demo document.
func prepareDB(conn *gorm.DB, env string) error {
	if err := db.Migrate(conn); err != nil {
		return err
	}
	if env != "development" {
		return nil
	}
	if err := db.SeedDemo(conn, "demo-owner", demoDocument, demoCollaborators); err != nil {
		return fmt.Errorf("seed demo data: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, api *apiclient.Client, rc *goredis.Client) (snapshot.Store, error) {
	switch cfg.SnapshotBackend {
	case "http":
		return snapshot.NewHTTPStore(api), nil
	case "redis":
		return snapshot.NewRedisStore(rc, snapshotTTL), nil
	case "minio":
		return snapshot.NewMinioStore(ctx, snapshot.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
	}
	return nil, nil
}

// loadFrom treats a missing snapshot as a new document.
func loadFrom(store snapshot.Store) room.LoadFunc {
	return func(ctx context.Context, documentID string) ([]byte, error) {
		state, err := store.Get(ctx, documentID)
		if errors.Is(err, snapshot.ErrNotFound) {
			return nil, nil
		}
		return state, err
	}
}

// flushTo writes a released room's state through the pool. A room that
// never received its stored snapshot is merged into it rather than written
// over it; when the stored copy cannot be read the flush is skipped. A full
// queue drops the flush and the store keeps the previous snapshot.
func flushTo(store snapshot.Store, pool *worker.WorkerPool, logger zerolog.Logger) room.EvictFunc {
	return func(documentID string, state []byte, seeded bool) {
		ok := pool.Submit(func(ctx context.Context) error {
			if !seeded {
				merged, err := mergeStored(ctx, store, documentID, state)
				if err != nil {
					return fmt.Errorf("flush %s: %w", documentID, err)
				}
				state = merged
			}
			if err := store.Put(ctx, documentID, state); err != nil {
				return fmt.Errorf("flush %s: %w", documentID, err)
			}
			return nil
		})
		if !ok {
			logger.Warn().Str("document_id", documentID).Msg("snapshot queue full, flush dropped")
		}
	}
}

func mergeStored(ctx context.Context, store snapshot.Store, documentID string, state []byte) ([]byte, error) {
	stored, err := store.Get(ctx, documentID)
	if errors.Is(err, snapshot.ErrNotFound) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read stored snapshot: %w", err)
	}
	merged, err := crdt.MergeUpdates(stored, state)
	if err != nil {
		return nil, fmt.Errorf("merge with stored snapshot: %w", err)
	}
	return merged, nil
}
