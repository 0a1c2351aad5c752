package model

import "time"

var (
	Configuration Config
)

type Config struct {
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
	PrecacheAssets      []string
	APIPatterns         []string
	StaticPrefixes      []string
	Host                string
	Port                string
	LogLevel            string
	Healthcheck         bool
}

type ConfigInit struct {
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
	PrecacheAssets      []string
	APIPatterns         []string
	StaticPrefixes      []string
	Host                string
	Port                string
	LogLevel            string
	Healthcheck         bool
}

func InitializeConfig(opts ConfigInit) {
	Configuration = Config(opts)
}
