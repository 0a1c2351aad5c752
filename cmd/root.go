package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bariiss/hls-offline/cachestore"
	"github.com/bariiss/hls-offline/classify"
	"github.com/bariiss/hls-offline/config"
	"github.com/bariiss/hls-offline/http_retry"
	"github.com/bariiss/hls-offline/manager"
	"github.com/bariiss/hls-offline/model"
	"github.com/bariiss/hls-offline/notify"
	"github.com/bariiss/hls-offline/offline"
	"github.com/bariiss/hls-offline/proxy"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:           "hls-offline",
		Short:         "Offline cache manager for HLS video and app assets",
		Long:          "hls-offline answers page requests from versioned cache partitions or the network, and downloads HLS videos for offline playback on request.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyConfiguration(); err != nil {
				return err
			}

			if flagValues.healthcheck {
				return runHealthcheck()
			}

			log.Infof("Configuration: %+v", redacted(model.Configuration))

			portInt, err := strconv.Atoi(flagValues.port)
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", flagValues.port, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return launchServer(ctx, flagValues.host, portInt)
		},
	}

	flagValues struct {
		version       string
		backend       string
		storeDir      string
		redisAddr     string
		redisPassword string
		redisDB       int
		redisPrefix   string
		progress      string
		dynamicMax    string
		dynamicRet    time.Duration
		janitor       time.Duration
		concurrency   int
		attempts      int
		skipWaiting   bool
		origin        string
		offlinePage   string
		configFile    string
		host          string
		port          string
		logLevel      string
		healthcheck   bool
	}
)

func init() {
	rootCmd.Flags().StringVar(&flagValues.version, "cache-version", config.Settings.CacheVersion, "Version suffix of the static and dynamic cache partitions")
	rootCmd.Flags().StringVar(&flagValues.backend, "store", config.Settings.StoreBackend, "Cache store backend (memory, file, bolt, redis)")
	rootCmd.Flags().StringVar(&flagValues.storeDir, "store-dir", config.Settings.StoreDir, "Directory for the file and bolt backends")
	rootCmd.Flags().StringVar(&flagValues.redisAddr, "redis-addr", config.Settings.RedisAddr, "Redis address for the redis backend and progress channel")
	rootCmd.Flags().StringVar(&flagValues.redisPassword, "redis-password", config.Settings.RedisPassword, "Redis password")
	rootCmd.Flags().IntVar(&flagValues.redisDB, "redis-db", config.Settings.RedisDB, "Redis database number")
	rootCmd.Flags().StringVar(&flagValues.redisPrefix, "redis-prefix", config.Settings.RedisPrefix, "Key prefix for the redis backend")
	rootCmd.Flags().StringVar(&flagValues.progress, "progress-channel", config.Settings.ProgressChannel, "Redis channel that mirrors download progress events (empty disables)")
	rootCmd.Flags().StringVar(&flagValues.dynamicMax, "dynamic-cache-max", strconv.FormatInt(config.Settings.DynamicCacheMax, 10), "Size cap of the dynamic partition, e.g. 256MB (0 is unbounded)")
	rootCmd.Flags().DurationVar(&flagValues.dynamicRet, "dynamic-retention", config.Settings.DynamicRetention, "Drop dynamic entries older than this (0 keeps them)")
	rootCmd.Flags().DurationVar(&flagValues.janitor, "janitor-interval", config.Settings.JanitorInterval, "Interval between dynamic partition cleanups")
	rootCmd.Flags().IntVar(&flagValues.concurrency, "download-concurrency", config.Settings.DownloadConcurrency, "Parallel segment fetches per video (1 is sequential)")
	rootCmd.Flags().IntVar(&flagValues.attempts, "attempts", config.Settings.Attempts, "Retry attempts for upstream fetches")
	rootCmd.Flags().BoolVar(&flagValues.skipWaiting, "skip-waiting", config.Settings.SkipWaiting, "Activate a new cache version without waiting for SKIP_WAITING")
	rootCmd.Flags().StringVar(&flagValues.origin, "origin", config.Settings.Origin, "Origin that precache assets and the offline page are resolved against")
	rootCmd.Flags().StringVar(&flagValues.offlinePage, "offline-page", config.Settings.OfflinePage, "Precached page served to documents when offline")
	rootCmd.Flags().StringVar(&flagValues.configFile, "config", config.Settings.ConfigFile, "YAML file with precache, api_patterns and static_prefixes lists")
	rootCmd.Flags().StringVar(&flagValues.host, "host", defaultHost(config.Settings.Host), "Host address to bind")
	rootCmd.Flags().StringVar(&flagValues.port, "port", config.Settings.Port, "Port to bind the HTTP server")
	rootCmd.Flags().StringVar(&flagValues.logLevel, "log-level", strings.ToUpper(config.Settings.LogLevel), "Log level (DEBUG, INFO, WARN, ERROR)")
	rootCmd.Flags().BoolVar(&flagValues.healthcheck, "healthcheck", false, "Run healthcheck against the configured server and exit")
}

func Execute() error {
	return rootCmd.Execute()
}

func applyConfiguration() error {
	if err := setLogLevel(flagValues.logLevel); err != nil {
		return err
	}

	dynamicMax, err := config.ParseSize(flagValues.dynamicMax)
	if err != nil {
		return fmt.Errorf("invalid dynamic cache size %q: %w", flagValues.dynamicMax, err)
	}

	lists, err := config.LoadLists(flagValues.configFile)
	if err != nil {
		return err
	}

	options := model.ConfigInit{
		CacheVersion:        flagValues.version,
		StoreBackend:        flagValues.backend,
		StoreDir:            flagValues.storeDir,
		RedisAddr:           flagValues.redisAddr,
		RedisPassword:       flagValues.redisPassword,
		RedisDB:             flagValues.redisDB,
		RedisPrefix:         flagValues.redisPrefix,
		ProgressChannel:     flagValues.progress,
		DynamicCacheMax:     dynamicMax,
		DynamicRetention:    flagValues.dynamicRet,
		JanitorInterval:     flagValues.janitor,
		DownloadConcurrency: flagValues.concurrency,
		Attempts:            flagValues.attempts,
		SkipWaiting:         flagValues.skipWaiting,
		Origin:              flagValues.origin,
		OfflinePage:         flagValues.offlinePage,
		PrecacheAssets:      lists.PrecacheAssets,
		APIPatterns:         lists.APIPatterns,
		StaticPrefixes:      lists.StaticPrefixes,
		Host:                flagValues.host,
		Port:                flagValues.port,
		LogLevel:            flagValues.logLevel,
		Healthcheck:         flagValues.healthcheck,
	}

	model.InitializeConfig(options)
	return nil
}

func setLogLevel(level string) error {
	switch strings.ToUpper(level) {
	case "DEBUG":
		log.SetLevel(log.DebugLevel)
	case "INFO", "PRODUCTION", "":
		log.SetLevel(log.InfoLevel)
	case "WARN", "WARNING":
		log.SetLevel(log.WarnLevel)
	case "ERROR":
		log.SetLevel(log.ErrorLevel)
	default:
		return fmt.Errorf("unsupported log level %q", level)
	}
	return nil
}

func redacted(c model.Config) model.Config {
	if c.RedisPassword != "" {
		c.RedisPassword = "***"
	}
	return c
}

func launchServer(ctx context.Context, host string, port int) error {
	c := model.Configuration

	store, err := cachestore.New(ctx, cachestore.Options{
		Backend:       c.StoreBackend,
		Dir:           c.StoreDir,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		RedisPrefix:   c.RedisPrefix,
	})
	if err != nil {
		return fmt.Errorf("open cache store: %w", err)
	}
	defer store.Close()
	log.Infof("Using %s cache store", c.StoreBackend)

	rules, err := classify.NewRules(c.APIPatterns, c.StaticPrefixes)
	if err != nil {
		return err
	}

	hub := notify.NewHub()
	defer hub.Close()
	notifier, closeNotifier := progressNotifier(hub, c)
	defer closeNotifier()

	fetcher := http_retry.NewClient(c.Attempts)
	videos := offline.NewManager(store, fetcher, notifier, c.DownloadConcurrency)
	worker := manager.New(store, fetcher.Once(), rules, videos, manager.Options{
		Version:         c.CacheVersion,
		Origin:          c.Origin,
		OfflinePage:     c.OfflinePage,
		PrecacheAssets:  c.PrecacheAssets,
		DynamicMaxBytes: c.DynamicCacheMax,
		SkipWaiting:     c.SkipWaiting,
	})
	defer worker.Close()

	if err := worker.Start(ctx); err != nil {
		log.Errorf("install of cache version %s failed, old partitions kept: %v", c.CacheVersion, err)
	}

	janitor := cachestore.NewJanitor(store, c.JanitorInterval, c.DynamicRetention, func() []string {
		return []string{worker.DynamicPartition()}
	})
	janitor.Open = worker.OpenPartition
	janitor.Start()
	defer janitor.Stop()

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORS())
	e.Use(jsonLoggerMiddleware())
	e.Use(middleware.Recover())
	proxy.NewServer(worker, hub).Register(e)

	address := fmt.Sprintf("%s:%d", host, port)
	errs := make(chan error, 1)
	go func() {
		errs <- e.Start(address)
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	// downloads stop before the server drains, the store closes last
	worker.Close()
	hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func progressNotifier(hub *notify.Hub, c model.Config) (notify.Notifier, func()) {
	if c.ProgressChannel == "" {
		return hub, func() {}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPassword,
		DB:       c.RedisDB,
	})
	log.Infof("Mirroring progress events to redis channel %s", c.ProgressChannel)
	return notify.Multi{hub, notify.NewRedisPublisher(client, c.ProgressChannel)}, func() { client.Close() }
}

func runHealthcheck() error {
	host := model.Configuration.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	port := model.Configuration.Port
	if port == "" {
		port = "1323"
	}

	url := fmt.Sprintf("http://%s:%s/health", host, port)
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck failed: status %d", resp.StatusCode)
	}
	return nil
}

func defaultHost(current string) string {
	if strings.TrimSpace(current) == "" {
		return "127.0.0.1"
	}
	return current
}
