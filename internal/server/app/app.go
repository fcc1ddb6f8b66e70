// Package app builds the stores, clients and services shared by the
// server and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"satchel/internal/server/archive"
	"satchel/internal/server/config"
	"satchel/internal/server/database"
	"satchel/internal/server/lifecycle"
	"satchel/internal/server/metadata"
	"satchel/internal/server/notify"
	"satchel/internal/server/ratelimit"
	"satchel/internal/server/service"
	"satchel/internal/server/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
)

const limiterGCInterval = 5 * time.Minute

// Limiters holds one limiter per endpoint class.
type Limiters struct {
	Download ratelimit.Limiter
	API      ratelimit.Limiter
	Upload   ratelimit.Limiter
}

// App is the wired application.
type App struct {
	Config    *config.Config
	Blobs     storage.Store
	Metadata  *metadata.Store
	Builder   *archive.Builder
	DB        *database.DB  // nil without DATABASE_URL
	Redis     *redis.Client // nil without REDIS_URL
	Limiters  Limiters
	Recorder  *service.Recorder
	Uploads   *service.UploadService
	Downloads *service.DownloadService

	events service.EventLog // nil without DATABASE_URL
	memory []*ratelimit.MemoryLimiter
	aws    *aws.Config
}

// New connects to every configured backend and wires the services.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &App{Config: cfg}

	blobs, err := a.newBlobStore(ctx)
	if err != nil {
		return nil, err
	}
	a.Blobs = blobs
	a.Metadata = metadata.NewStore(blobs)
	a.Builder = archive.NewBuilder(blobs, archive.Options{
		CacheArchives: cfg.CacheArchives,
		SignedURLTTL:  cfg.SignedURLTTL,
		BuildTimeout:  cfg.ArchiveBuildTimeout,
	}, slog.Default())

	var events service.EventLog
	if cfg.DatabaseURL != "" {
		db, err := database.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		a.DB = db
		events = database.NewRepository(db)
	} else {
		slog.Info("DATABASE_URL not set, download event log disabled")
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = a.Redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Warn("redis unreachable, rate limits fall back to this process", "error", err)
		} else {
			slog.Info("connected to redis")
		}
	} else {
		slog.Warn("REDIS_URL not set, rate limits are enforced per process only")
	}

	a.Limiters = Limiters{
		Download: a.newLimiter("download", cfg.DownloadRateLimit),
		API:      a.newLimiter("api", cfg.APIRateLimit),
		Upload:   a.newLimiter("upload", cfg.UploadRateLimit),
	}

	notifier, err := a.newNotifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.events = events
	a.Recorder = service.NewRecorder(a.Metadata, events, notifier)
	a.Uploads = service.NewUploadService(a.Blobs, a.Metadata, a.Builder, events, cfg)
	a.Downloads = service.NewDownloadService(a.Metadata, a.Builder, a.Limiters.Download, a.Recorder, cfg.DefaultExpiry)
	return a, nil
}

// Sweeper creates the lifecycle sweeper for the configured retention.
func (a *App) Sweeper() *lifecycle.Sweeper {
	opts := lifecycle.Options{
		Retention:   a.Config.DefaultExpiry,
		Interval:    a.Config.CleanupInterval,
		OrphanGrace: a.Config.OrphanGrace,
		DeleteRate:  a.Config.SweepRate,
		Events:      a.events,
	}
	return lifecycle.NewSweeper(a.Blobs, a.Metadata, opts)
}

// StartBackground starts housekeeping of in-process rate limit windows.
func (a *App) StartBackground(ctx context.Context) {
	for _, m := range a.memory {
		m.StartGC(ctx, limiterGCInterval)
	}
}

// Close releases every connection. Pending analytics are flushed first.
func (a *App) Close() {
	if a.Recorder != nil {
		a.Recorder.Wait()
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
	}
	if a.DB != nil {
		a.DB.Close()
	}
}

func (a *App) newBlobStore(ctx context.Context) (storage.Store, error) {
	cfg := a.Config
	if cfg.StorageBackend == config.BackendFilesystem {
		fs := storage.NewFileSystemStore(cfg.StoragePath)
		if err := fs.EnsureDir(); err != nil {
			return nil, fmt.Errorf("failed to initialize storage: %w", err)
		}
		slog.Warn("using filesystem storage, not suitable for multiple instances", "path", cfg.StoragePath)
		return fs, nil
	}

	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	slog.Info("using s3 storage", "bucket", cfg.S3Bucket, "region", cfg.S3Region, "endpoint", cfg.S3Endpoint)
	return storage.NewS3Store(client, cfg.S3Bucket, slog.Default()), nil
}

func (a *App) newLimiter(name string, rl config.RateLimit) ratelimit.Limiter {
	policy := ratelimit.Policy{Name: name, Limit: rl.Limit, Window: rl.Window}
	mem := ratelimit.NewMemoryLimiter(policy)
	a.memory = append(a.memory, mem)
	if a.Redis == nil {
		return mem
	}
	return ratelimit.NewFallbackLimiter(ratelimit.NewRedisLimiter(a.Redis, policy), mem)
}

func (a *App) newNotifier(ctx context.Context) (notify.Notifier, error) {
	if a.Config.SQSQueueURL == "" {
		return notify.NewLogNotifier(slog.Default()), nil
	}
	awsCfg, err := a.awsConfig(ctx)
	if err != nil {
		return nil, err
	}
	slog.Info("download notifications go to sqs", "queue", a.Config.SQSQueueURL)
	return notify.NewSQSNotifier(sqs.NewFromConfig(awsCfg), a.Config.SQSQueueURL), nil
}

// awsConfig loads the shared AWS configuration once. Static keys from the
// environment take precedence over the default credential chain.
func (a *App) awsConfig(ctx context.Context) (aws.Config, error) {
	if a.aws != nil {
		return *a.aws, nil
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(a.Config.S3Region),
	}
	if a.Config.S3AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(a.Config.S3AccessKey, a.Config.S3SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load aws config: %w", err)
	}
	a.aws = &awsCfg
	return awsCfg, nil
}
