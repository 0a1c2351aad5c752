package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/labstack/gommon/bytes"
	log "github.com/sirupsen/logrus"
)

type Values struct {
	CacheVersion        string
	StoreBackend        string
	StoreDir            string
	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	RedisPrefix         string
	ProgressChannel     string
	DynamicCacheMax     int64
	DynamicRetention    time.Duration
	JanitorInterval     time.Duration
	DownloadConcurrency int
	Attempts            int
	SkipWaiting         bool
	Origin              string
	OfflinePage         string
	ConfigFile          string
	Host                string
	Port                string
	LogLevel            string
	HTTPClientTimeout   time.Duration
	HTTPDialTimeout     time.Duration
	RetryRequestDelay   time.Duration
	UserAgent           string
}

var Settings = load()

func load() Values {
	return Values{
		CacheVersion:        getString("CACHE_VERSION", "v1"),
		StoreBackend:        getString("STORE_BACKEND", "bolt"),
		StoreDir:            getString("STORE_DIR", "./cache"),
		RedisAddr:           getString("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:       getString("REDIS_PASSWORD", ""),
		RedisDB:             getInt("REDIS_DB", 0),
		RedisPrefix:         getString("REDIS_PREFIX", "hls-offline"),
		ProgressChannel:     getString("PROGRESS_CHANNEL", ""),
		DynamicCacheMax:     getBytes("DYNAMIC_CACHE_MAX", 0),
		DynamicRetention:    getDuration("DYNAMIC_RETENTION", 0),
		JanitorInterval:     getDuration("JANITOR_INTERVAL", 5*time.Minute),
		DownloadConcurrency: getInt("DOWNLOAD_CONCURRENCY", 1),
		Attempts:            getInt("ATTEMPTS", 3),
		SkipWaiting:         getBool("SKIP_WAITING", false),
		Origin:              getString("ORIGIN", ""),
		OfflinePage:         getString("OFFLINE_PAGE", "/offline.html"),
		ConfigFile:          getString("CONFIG_FILE", ""),
		Host:                getString("HOST", ""),
		Port:                getString("PORT", "1323"),
		LogLevel:            getString("LOG_LEVEL", "PRODUCTION"),
		HTTPClientTimeout:   getDuration("HTTP_CLIENT_TIMEOUT", 60*time.Second),
		HTTPDialTimeout:     getDuration("HTTP_DIAL_TIMEOUT", 15*time.Second),
		RetryRequestDelay:   getDuration("HTTP_RETRY_REQUEST_DELAY", 2*time.Second),
		UserAgent:           getString("HTTP_USER_AGENT", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"),
	}
}

func getDuration(envKey string, fallback time.Duration) time.Duration {
	if value := os.Getenv(envKey); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
		log.Warnf("Invalid duration provided for %s: %s. Falling back to default %s", envKey, value, fallback)
	}

	return fallback
}

func getString(envKey, fallback string) string {
	if value := os.Getenv(envKey); value != "" {
		return value
	}
	return fallback
}

func getInt(envKey string, fallback int) int {
	if value := os.Getenv(envKey); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			log.Warnf("Invalid integer provided for %s: %s. Falling back to default %d", envKey, value, fallback)
			return fallback
		}
		return parsed
	}
	return fallback
}

func getBool(envKey string, fallback bool) bool {
	if value := os.Getenv(envKey); value != "" {
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			log.Warnf("Invalid boolean provided for %s: %s. Falling back to default %t", envKey, value, fallback)
			return fallback
		}
		return parsed
	}
	return fallback
}

// getBytes accepts human sizes such as "64MB" as well as plain byte counts.
func getBytes(envKey string, fallback int64) int64 {
	if value := os.Getenv(envKey); value != "" {
		parsed, err := ParseSize(value)
		if err != nil {
			log.Warnf("Invalid size provided for %s: %s. Falling back to default %d", envKey, value, fallback)
			return fallback
		}
		return parsed
	}
	return fallback
}

// ParseSize converts "512KiB", "64MB" or "1024" into a byte count.
func ParseSize(value string) (int64, error) {
	return bytes.Parse(value)
}
