package cmd

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	httpHdlr "nutriparse/handler/http"
	"nutriparse/src/core/blob"
	"nutriparse/src/core/job"
	"nutriparse/src/core/parse"
	"nutriparse/src/infrastructure/integrations/ocr"
	"nutriparse/src/infrastructure/ratelimit"
	"nutriparse/src/storage/blobfs"
	"nutriparse/src/storage/memstore"
	"nutriparse/src/storage/minioctrl"
	"nutriparse/src/storage/postgres/jobctrl"
)

type gormPinger struct {
	db *gorm.DB
}

func (p gormPinger) Ping() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

// buildStore opens the configured job store and queue. The cleanup
// function closes the underlying connection.
func buildStore() (job.Store, job.Queue, map[string]httpHdlr.Pinger, func(), error) {
	pingers := make(map[string]httpHdlr.Pinger)

	switch backend := viper.GetString("store.backend"); backend {
	case "memory":
		mem := memstore.NewStore()
		return mem, mem, pingers, func() {}, nil

	case "postgres":
		dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			viper.GetString("postgres.host"),
			viper.GetString("postgres.user"),
			viper.GetString("postgres.password"),
			viper.GetString("postgres.db"),
			viper.GetString("postgres.port"),
		)
		db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("failed to connect to database: %v", err)
		}
		store, err := jobctrl.NewJobStore(db)
		if err != nil {
			return nil, nil, nil, nil, err
		}
		queue := jobctrl.NewQueue(store)
		pingers["postgres"] = gormPinger{db: db}

		cleanup := func() {
			if sqlDB, err := db.DB(); err == nil {
				sqlDB.Close()
			}
		}
		return store, queue, pingers, cleanup, nil

	default:
		return nil, nil, nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}

// buildBlobs opens the configured blob store.
func buildBlobs() (blob.Store, error) {
	switch backend := viper.GetString("blob.backend"); backend {
	case "fs":
		return blobfs.NewBlobStore(viper.GetString("blob.dir"))

	case "minio":
		svc, err := minioctrl.NewMinioService(
			viper.GetString("minio.endpoint"),
			viper.GetString("minio.access_key"),
			viper.GetString("minio.secret_key"),
			viper.GetString("minio.bucket"),
			viper.GetBool("minio.use_ssl"),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize minio service: %v", err)
		}
		return svc, nil

	default:
		return nil, fmt.Errorf("unknown blob backend %q", backend)
	}
}

// buildPipeline assembles the parser registry and the optional OCR
// integration.
func buildPipeline() *parse.Pipeline {
	registry := parse.NewRegistry()

	var opts []parse.PipelineOption
	if viper.GetBool("parser.ocr_enabled") {
		if url := viper.GetString("parser.ocr_url"); url != "" {
			engine := ocr.NewClient(url, 2*time.Minute)
			opts = append(opts, parse.WithOCR(engine, viper.GetStringSlice("parser.languages")))
		}
	}
	return parse.NewPipeline(registry, opts...)
}

// buildLimiter returns nil when rate limiting is disabled.
func buildLimiter() ratelimit.Limiter {
	if !viper.GetBool("ratelimit.enabled") {
		return nil
	}
	cfg := ratelimit.Config{
		PerMinute: viper.GetInt("ratelimit.per_minute"),
		PerHour:   viper.GetInt("ratelimit.per_hour"),
	}

	if url := viper.GetString("redis.url"); url != "" {
		if redisOpts, err := redis.ParseURL(url); err == nil {
			return ratelimit.NewRedisLimiter(redis.NewClient(redisOpts), cfg)
		}
	}
	return ratelimit.NewLocalLimiter(cfg)
}
