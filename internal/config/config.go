package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"powerthrough/internal/proxy"
)

type Config struct {
	ListenAddr string // Example: ":8787"

	Cache    CacheConfig
	Headless HeadlessConfig
	Queue    proxy.QueueConfig
	TLS      TLSConfig

	// FallbackUserAgent is sent upstream when the client supplied none.
	FallbackUserAgent string

	// AllowLocalTargets admits loopback and private upstreams, for local
	// development against the demo origin.
	AllowLocalTargets bool
}

type CacheConfig struct {
	TTL       time.Duration // <= 0 disables caching
	HighWater int
	LowWater  int
}

type HeadlessConfig struct {
	Enabled     bool
	MaxParallel int
	Timeout     time.Duration
	UserAgent   string
}

type TLSConfig struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

const (
	defaultPort            = "8787"
	defaultCacheTTLMs      = 15000
	defaultCacheHighWater  = 200
	defaultCacheLowWater   = 150
	defaultHeadlessMax     = 2
	defaultHeadlessTimeout = 30000
	defaultQueueMax        = 100
	defaultQueueConcurrent = 50
	defaultEnqueueTimeout  = 2 * time.Second
	defaultQueueWaitHeader = true

	defaultHeadlessUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultFallbackUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// Load reads environment variables and returns a Config. Malformed values
// fall back to defaults rather than failing startup.
func Load() *Config {
	port := getEnv("PORT", defaultPort)

	return &Config{
		ListenAddr: ":" + strings.TrimPrefix(port, ":"),
		Cache: CacheConfig{
			TTL:       millis(getEnvInt("POWERTHROUGH_CACHE_TTL", defaultCacheTTLMs)),
			HighWater: getEnvInt("POWERTHROUGH_CACHE_MAX", defaultCacheHighWater),
			LowWater:  getEnvInt("POWERTHROUGH_CACHE_LOW", defaultCacheLowWater),
		},
		Headless: HeadlessConfig{
			Enabled:     getEnvBool("POWERTHROUGH_HEADLESS", false),
			MaxParallel: getEnvInt("POWERTHROUGH_HEADLESS_MAX", defaultHeadlessMax),
			Timeout:     millis(getEnvInt("POWERTHROUGH_HEADLESS_TIMEOUT", defaultHeadlessTimeout)),
			UserAgent:   getEnv("POWERTHROUGH_HEADLESS_UA", defaultHeadlessUA),
		},
		Queue: proxy.QueueConfig{
			MaxQueue:        getEnvInt("POWERTHROUGH_MAX_QUEUE", defaultQueueMax),
			MaxConcurrent:   getEnvInt("POWERTHROUGH_MAX_CONCURRENT", defaultQueueConcurrent),
			EnqueueTimeout:  getEnvDuration("POWERTHROUGH_ENQUEUE_TIMEOUT", defaultEnqueueTimeout),
			QueueWaitHeader: getEnvBool("POWERTHROUGH_QUEUE_WAIT_HEADER", defaultQueueWaitHeader),
		},
		TLS: TLSConfig{
			Enabled:  getEnvBool("POWERTHROUGH_TLS", false),
			CertFile: getEnv("POWERTHROUGH_TLS_CERT", ""),
			KeyFile:  getEnv("POWERTHROUGH_TLS_KEY", ""),
		},
		FallbackUserAgent: getEnv("POWERTHROUGH_FALLBACK_UA", defaultFallbackUA),
		AllowLocalTargets: getEnvBool("POWERTHROUGH_ALLOW_LOCAL", false),
	}
}

func millis(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// Retrieves an environment variable or returns the default value.
func getEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Retrieves a boolean environment variable or returns the default value.
func getEnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}

// Retrieves an integer environment variable or returns the default value.
func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
