package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/x/mongo/driver/connstring"
	"go.uber.org/zap"

	"github.com/yourusername/preview-worker/internal/config"
	"github.com/yourusername/preview-worker/internal/jobs"
	"github.com/yourusername/preview-worker/internal/queue"
	"github.com/yourusername/preview-worker/internal/storage"
)

// defaultMongoDatabase は接続文字列にデータベース名が無い場合に使用します。
const defaultMongoDatabase = "app"

func noop() {}

// setupStore は STORE_URL のスキームに応じてジョブ状態ストアを作成します。
func setupStore(ctx context.Context, cfg *config.Config) (jobs.StatusStore, func(), error) {
	u, err := url.Parse(cfg.StoreURL)
	if err != nil {
		return nil, noop, fmt.Errorf("invalid STORE_URL: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
	defer cancel()

	switch strings.ToLower(u.Scheme) {
	case "mongodb", "mongodb+srv":
		cs, err := connstring.ParseAndValidate(cfg.StoreURL)
		if err != nil {
			return nil, noop, fmt.Errorf("invalid mongodb url: %w", err)
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.StoreURL))
		if err != nil {
			return nil, noop, fmt.Errorf("failed to connect mongodb: %w", err)
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		if err := client.Ping(pingCtx, nil); err != nil {
			closeFn()
			return nil, noop, fmt.Errorf("failed to ping mongodb: %w", err)
		}
		database := cs.Database
		if database == "" {
			database = defaultMongoDatabase
		}
		return jobs.NewMongoStore(client.Database(database)), closeFn, nil

	case "redis", "rediss":
		opt, err := redis.ParseURL(cfg.StoreURL)
		if err != nil {
			return nil, noop, err
		}
		client := redis.NewClient(opt)
		closeFn := func() { _ = client.Close() }
		if err := client.Ping(pingCtx).Err(); err != nil {
			closeFn()
			return nil, noop, fmt.Errorf("failed to ping redis: %w", err)
		}
		return jobs.NewRedisStore(client, 0), closeFn, nil

	case "postgres", "postgresql":
		pool, err := pgxpool.New(ctx, cfg.StoreURL)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, noop, fmt.Errorf("failed to ping postgres: %w", err)
		}
		return jobs.NewPostgresStore(pool), pool.Close, nil

	case "memory":
		return jobs.NewMemoryStore(), noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported STORE_URL scheme: %q", u.Scheme)
	}
}

// setupObjects は STORAGE_DRIVER に応じてオブジェクトストレージを作成します。
func setupObjects(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverLocal:
		local, err := storage.NewLocal(cfg.LocalStorageRoot, cfg.PublicBaseURL)
		if err != nil {
			return nil, err
		}
		return local, nil
	case config.StorageDriverS3:
		s3, err := storage.NewS3(storage.S3Config{
			Endpoint:      cfg.S3Endpoint,
			Region:        cfg.Region,
			Bucket:        cfg.Bucket,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			UseSSL:        cfg.S3UseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
		})
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := s3.Ping(pingCtx); err != nil {
			return nil, err
		}
		return s3, nil
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER: %s", cfg.StorageDriver)
	}
}

// setupRunner は QUEUE_URL のスキームに応じて受信ループを作成します。
func setupRunner(ctx context.Context, cfg *config.Config, processor *jobs.Processor, logger *zap.Logger) (jobs.Runner, func(), error) {
	u, err := url.Parse(cfg.QueueURL)
	if err != nil {
		return nil, noop, fmt.Errorf("invalid QUEUE_URL: %w", err)
	}

	consumerOpts := jobs.ConsumerOptions{
		BatchSize:      cfg.BatchSize,
		Wait:           cfg.QueueWait(),
		Concurrency:    cfg.Concurrency,
		JobTimeout:     cfg.JobTimeout,
		PollErrorPause: cfg.PollErrorPause,
	}

	switch strings.ToLower(u.Scheme) {
	case "https", "http":
		q, err := queue.NewSQS(ctx, queue.SQSConfig{
			QueueURL:          cfg.QueueURL,
			Region:            cfg.Region,
			Endpoint:          cfg.SQSEndpoint,
			VisibilityTimeout: cfg.VisibilityTimeout,
		})
		if err != nil {
			return nil, noop, err
		}
		return jobs.NewConsumer(q, processor, consumerOpts, logger.Named("consumer")), noop, nil

	case "amqp", "amqps":
		q, err := queue.NewAMQP(queue.AMQPConfig{URL: cfg.QueueURL, Queue: cfg.QueueName, RetryDelay: cfg.RetryDelay})
		if err != nil {
			return nil, noop, err
		}
		return jobs.NewConsumer(q, processor, consumerOpts, logger.Named("consumer")), func() { _ = q.Close() }, nil

	case "redis", "rediss":
		c, err := jobs.NewAsynqConsumer(cfg.QueueURL, processor, jobs.AsynqOptions{
			Queue:           cfg.QueueName,
			Concurrency:     cfg.Concurrency,
			JobTimeout:      cfg.JobTimeout,
			ShutdownTimeout: cfg.ShutdownTimeout,
		}, logger.Named("asynq"))
		if err != nil {
			return nil, noop, err
		}
		return c, noop, nil

	default:
		return nil, noop, fmt.Errorf("unsupported QUEUE_URL scheme: %q", u.Scheme)
	}
}
