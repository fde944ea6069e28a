package cmd

import "github.com/spf13/viper"

func settingDefaultConfig() {
	// Enable automatic environment variable binding
	viper.AutomaticEnv()

	// Server
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.shutdown_timeout", "SERVER_SHUTDOWN_TIMEOUT")
	viper.SetDefault("server.port", "7800")
	viper.SetDefault("server.shutdown_timeout", "5s")

	// PostgreSQL
	viper.BindEnv("postgres.host", "POSTGRES_HOST")
	viper.BindEnv("postgres.port", "POSTGRES_PORT")
	viper.BindEnv("postgres.user", "POSTGRES_USER")
	viper.BindEnv("postgres.password", "POSTGRES_PASSWORD")
	viper.BindEnv("postgres.db", "POSTGRES_DB")
	viper.SetDefault("postgres.host", "localhost")
	viper.SetDefault("postgres.port", "5432")
	viper.SetDefault("postgres.user", "postgres")
	viper.SetDefault("postgres.password", "postgres")
	viper.SetDefault("postgres.db", "nutriparse")

	// Store backend: postgres for production, memory for development
	viper.BindEnv("store.backend", "STORE_BACKEND")
	viper.SetDefault("store.backend", "postgres")

	// Blob storage
	viper.BindEnv("blob.backend", "BLOB_BACKEND")
	viper.BindEnv("blob.dir", "BLOB_DIR")
	viper.SetDefault("blob.backend", "fs")
	viper.SetDefault("blob.dir", "data/blobs")

	// MinIO (blob.backend = minio)
	viper.BindEnv("minio.endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("minio.access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("minio.secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("minio.bucket", "MINIO_BUCKET")
	viper.BindEnv("minio.use_ssl", "MINIO_USE_SSL")
	viper.SetDefault("minio.endpoint", "localhost:9000")
	viper.SetDefault("minio.access_key", "minioadmin")
	viper.SetDefault("minio.secret_key", "minioadmin")
	viper.SetDefault("minio.bucket", "uploads")
	viper.SetDefault("minio.use_ssl", false)

	// Upload limits
	viper.BindEnv("upload.max_file_size", "MAX_FILE_SIZE")
	viper.BindEnv("upload.max_sync_file_size", "MAX_SYNC_FILE_SIZE")
	viper.SetDefault("upload.max_file_size", 50*1024*1024)
	viper.SetDefault("upload.max_sync_file_size", 5*1024*1024)

	// Parser
	viper.BindEnv("parser.ocr_enabled", "OCR_ENABLED")
	viper.BindEnv("parser.ocr_url", "OCR_URL")
	viper.BindEnv("parser.languages", "OCR_LANGUAGES")
	viper.SetDefault("parser.ocr_enabled", true)
	viper.SetDefault("parser.ocr_url", "")
	viper.SetDefault("parser.languages", []string{"eng", "chi_sim"})

	// Queue
	viper.BindEnv("queue.lease_duration", "QUEUE_LEASE_DURATION")
	viper.BindEnv("queue.sweep_interval", "QUEUE_SWEEP_INTERVAL")
	viper.BindEnv("queue.max_attempts", "QUEUE_MAX_ATTEMPTS")
	viper.SetDefault("queue.lease_duration", "30s")
	viper.SetDefault("queue.sweep_interval", "30s")
	viper.SetDefault("queue.max_attempts", 3)

	// Dispatcher
	viper.BindEnv("dispatcher.concurrency", "DISPATCHER_CONCURRENCY")
	viper.BindEnv("dispatcher.embedded", "DISPATCHER_EMBEDDED")
	viper.SetDefault("dispatcher.concurrency", 2)
	viper.SetDefault("dispatcher.embedded", false)

	// API
	viper.BindEnv("api.sync_deadline", "API_SYNC_DEADLINE")
	viper.SetDefault("api.sync_deadline", "60s")

	// Rate limiting
	viper.BindEnv("ratelimit.enabled", "RATE_LIMIT_ENABLED")
	viper.BindEnv("ratelimit.per_minute", "RATE_LIMIT_PER_MINUTE")
	viper.BindEnv("ratelimit.per_hour", "RATE_LIMIT_PER_HOUR")
	viper.SetDefault("ratelimit.enabled", true)
	viper.SetDefault("ratelimit.per_minute", 100)
	viper.SetDefault("ratelimit.per_hour", 1000)

	// Redis (shared rate limiter for multi-instance deployments)
	viper.BindEnv("redis.url", "REDIS_URL")
	viper.SetDefault("redis.url", "")

	// Cleanup
	viper.BindEnv("cleanup.retention_days", "CLEANUP_RETENTION_DAYS")
	viper.SetDefault("cleanup.retention_days", 30)

	// Callbacks
	viper.BindEnv("callback.max_attempts", "CALLBACK_MAX_ATTEMPTS")
	viper.BindEnv("callback.backoff_base", "CALLBACK_BACKOFF_BASE")
	viper.BindEnv("callback.timeout", "CALLBACK_TIMEOUT")
	viper.SetDefault("callback.max_attempts", 5)
	viper.SetDefault("callback.backoff_base", "1s")
	viper.SetDefault("callback.timeout", "30s")

	// Logging
	viper.BindEnv("log.production", "LOG_PRODUCTION")
	viper.SetDefault("log.production", false)
}
