// Package app initializes and holds the long-lived service dependencies,
// acting as the single explicit container constructed at process start.
package app

import (
	"context"
	"fmt"
	"time"

	gcpubsub "cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dongshu2013/the-sniper/internal/ai"
	"github.com/dongshu2013/the-sniper/internal/config"
	"github.com/dongshu2013/the-sniper/internal/faststore"
	"github.com/dongshu2013/the-sniper/internal/hash/sha256"
	"github.com/dongshu2013/the-sniper/internal/logging"
	"github.com/dongshu2013/the-sniper/internal/metrics"
	memorypublisher "github.com/dongshu2013/the-sniper/internal/publisher/memory"
	pubsubpublisher "github.com/dongshu2013/the-sniper/internal/publisher/pubsub"
	"github.com/dongshu2013/the-sniper/internal/session"
	"github.com/dongshu2013/the-sniper/internal/sniper"
	"github.com/dongshu2013/the-sniper/internal/storage/postgres"
)

// App holds every shared long-lived service. It is built once at startup and
// handed to the components that need pieces of it; nothing here is a global.
type App struct {
	Config   config.Config
	Logger   *zap.Logger
	DB       *pgxpool.Pool
	Messages *postgres.MessageStore
	Chats    *postgres.ChatStore
	Accounts *postgres.AccountStore
	Fast     *faststore.Redis
	Sessions *session.Store
	AI       *ai.Client
	Events   sniper.Publisher

	redis        *redis.Client
	gcsClient    *gcstorage.Client
	pubsubClient *gcpubsub.Client
	eventsCloser interface{ Close() }
}

// New builds the container, failing fast when a critical dependency cannot be
// reached.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	metrics.Init()

	a := &App{Config: cfg, Logger: logger}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	cfg := a.Config

	db, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeSec) * time.Second,
	})
	if err != nil {
		return err
	}
	a.DB = db

	if a.Messages, err = postgres.NewMessageStore(db); err != nil {
		return err
	}
	if a.Chats, err = postgres.NewChatStore(db); err != nil {
		return err
	}
	if a.Accounts, err = postgres.NewAccountStore(db); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	a.redis = rdb
	a.Fast = faststore.NewRedis(rdb)

	blobs, err := a.initBlobs(ctx)
	if err != nil {
		return err
	}
	if a.Sessions, err = session.NewStore(blobs, sha256.New(), cfg.Storage.SessionDir, a.Logger.Named("session")); err != nil {
		return err
	}

	a.AI = ai.New(ai.Config{
		BaseURL: cfg.AI.BaseURL,
		APIKey:  cfg.AI.APIKey,
		Model:   cfg.AI.Model,
		Timeout: time.Duration(cfg.AI.TimeoutSeconds) * time.Second,
		RPS:     cfg.AI.RPS,
		Burst:   cfg.AI.Burst,
	})

	if err := a.initEvents(ctx); err != nil {
		return err
	}

	a.Logger.Info("application services initialized")
	return nil
}

func (a *App) initBlobs(ctx context.Context) (sniper.BlobStore, error) {
	if a.Config.Storage.GCSBucket == "" {
		return nil, fmt.Errorf("storage.gcs_bucket is required")
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	a.gcsClient = client
	return session.NewGCSBlobStore(client, session.GCSConfig{
		Bucket: a.Config.Storage.GCSBucket,
		Prefix: a.Config.Storage.Prefix,
	})
}

// initEvents wires the transition publisher. Without a configured project the
// in-memory publisher is used, which keeps local and test runs broker-free.
func (a *App) initEvents(ctx context.Context) error {
	if a.Config.PubSub.ProjectID == "" {
		a.Logger.Info("pubsub project not configured, using memory publisher")
		a.Events = memorypublisher.New()
		return nil
	}
	client, err := gcpubsub.NewClient(ctx, a.Config.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub client: %w", err)
	}
	a.pubsubClient = client
	pub, err := pubsubpublisher.New(client)
	if err != nil {
		return err
	}
	a.Events = pub
	a.eventsCloser = pub
	return nil
}

// Close releases every held resource. Safe to call on a partially built App.
func (a *App) Close() {
	if a.eventsCloser != nil {
		a.eventsCloser.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.Logger.Warn("close pubsub client", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.Logger.Warn("close gcs client", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("close redis client", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
	if a.Logger != nil {
		// best effort; stdout sync errors are expected on some platforms
		_ = a.Logger.Sync()
	}
}
