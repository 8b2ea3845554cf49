package config

import (
	"os"
	"strconv"
	"time"
)

var (
	// Storage (S3/R2) settings
	S3Region      = getEnvWithDefault("AWS_REGION", "auto")
	S3Bucket      = os.Getenv("S3_BUCKET")
	S3AccessKey   = os.Getenv("AWS_ACCESS_KEY_ID")
	S3SecretKey   = os.Getenv("AWS_SECRET_ACCESS_KEY")
	S3EndpointURL = os.Getenv("AWS_ENDPOINT_URL") // For R2: https://account-id.r2.cloudflarestorage.com
	S3BaseURL     = os.Getenv("S3_BASE_URL")      // For public URLs: https://pub-bucket.r2.dev

	// Video model provider (queue-based image-to-video API)
	ProviderBaseURL = getEnvWithDefault("CLIP_PROVIDER_URL", "https://queue.fal.run")
	ProviderAPIKey  = os.Getenv("CLIP_PROVIDER_KEY")

	// Credit ledger
	LedgerDBPath       = getEnvWithDefault("LEDGER_DB_PATH", "ledger.db")
	CreditRateStandard = getEnvInt("CREDIT_RATE_STANDARD", 5)
	CreditRatePremium  = getEnvInt("CREDIT_RATE_PREMIUM", 8)

	// Redis (durable progress mirror + render queue)
	RedisHost = getEnvWithDefault("REDIS_HOST", "localhost")
	RedisPort = getEnvInt("REDIS_PORT", 6379)

	// Clip generation
	ClipPollInterval   = getEnvDuration("CLIP_POLL_INTERVAL", 3*time.Second)
	ClipTimeout        = getEnvDuration("CLIP_TIMEOUT", 600*time.Second)
	ClipConcurrency    = getEnvInt("CLIP_CONCURRENCY", 2)
	MaxClipConcurrency = 8

	// Render
	RenderDeadline = getEnvDuration("RENDER_DEADLINE", 20*time.Minute)
	ScratchDir     = getEnvWithDefault("SCRATCH_DIR", os.TempDir())
	FFmpegPath     = getEnvWithDefault("FFMPEG_PATH", "ffmpeg")
	FFprobePath    = getEnvWithDefault("FFPROBE_PATH", "ffprobe")

	// Progress durability
	ProgressWriteInterval = getEnvDuration("PROGRESS_WRITE_INTERVAL", 900*time.Millisecond)
	ProgressTTL           = getEnvDuration("PROGRESS_TTL", 7*24*time.Hour)
	HeartbeatInterval     = getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second)
	CancelGrace           = getEnvDuration("CANCEL_GRACE", 30*time.Second)

	// Signed URL TTLs
	SignedURLInternalTTL = time.Hour
	SignedURLDraftTTL    = 7 * 24 * time.Hour
)

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
