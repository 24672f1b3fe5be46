package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"fileconverter/config"
	"fileconverter/convert"
	"fileconverter/logging"
	"fileconverter/services"
	"fileconverter/worker"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	flags := pflag.NewFlagSet("fileconverter", pflag.ContinueOnError)
	flags.StringVar(&cfg.BaseConfigFile, "config", cfg.BaseConfigFile, "base settings file (TOML)")
	flags.StringVar(&cfg.TenantsDir, "tenants-dir", cfg.TenantsDir, "directory of per-tenant overrides")
	flags.IntVar(&cfg.WorkerCount, "workers", cfg.WorkerCount, "number of concurrent workers")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Println("fileconverter", version)
		return nil
	}

	logger, err := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting conversion worker", "version", version)

	base, err := config.LoadTree(cfg.BaseConfigFile)
	if err != nil {
		return err
	}
	resolver := config.NewResolver(base, cfg.TenantsDir, cfg.TenantConfig, cfg.DefaultTenant)
	global, err := resolver.Resolve(cfg.DefaultTenant)
	if err != nil {
		return fmt.Errorf("failed to resolve default settings: %w", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info("connected to Redis", "addr", cfg.RedisAddr)

	dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL, cfg.ChangesTable)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbSvc.Close()
	logger.Info("connected to database")

	queue := services.NewRedisQueue(redisClient, services.QueueOptions{
		PendingQueue:    cfg.PendingQueue,
		ProcessingQueue: cfg.ProcessingQueue,
		DeadlineSet:     cfg.DeadlineSet,
		ResponseQueue:   cfg.ResponseQueue,
		WorkBudget:      global.Duration("converter.downloadTimeout.wholeCycle", 2*time.Minute),
		VisibilityGrace: global.Duration("queue.visibilityGrace", time.Minute),
	}, logger)

	reservoir := services.NewRedisReservoir(
		redisClient,
		cfg.LimiterPrefix,
		global.Size("changesLimiter.reservoirRefreshAmount", 0),
		global.Duration("changesLimiter.reservoirRefreshInterval", time.Second),
	)

	outbox, err := services.NewOutboxSigner(
		global.String("outbox.secret", ""),
		global.String("outbox.header", "Authorization"),
		global.String("outbox.prefix", "Bearer "),
		global.Duration("outbox.expires", 5*time.Minute),
		global.String("outbox.urlExclusionRegex", ""),
	)
	if err != nil {
		return err
	}

	limits := convert.NewLimitsCache()
	resolver.OnReload(limits.Invalidate)

	deps := convert.Deps{
		Store:         services.NewS3Service(cfg),
		Changes:       services.NewLimitedChangeLog(dbSvc, reservoir, logger),
		Downloader:    services.NewDownloader(&http.Client{}, logger),
		Cipher:        services.NewPasswordCipher(global.String("aesEncrypt.secret", ""), global.Int("aesEncrypt.iterations", 0)),
		Limits:        limits,
		Runner:        &convert.Runner{},
		Logger:        logger,
		TempDir:       global.String("converter.tempDir", os.TempDir()),
		ServerVersion: cfg.ServerVersion,
	}
	if outbox != nil {
		deps.Outbox = outbox
	}
	converter := convert.NewConverter(deps)
	pool := worker.NewPool(queue, converter, resolver, logger)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	// Start visibility recovery goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.RecoveryLoop(ctx, global.Duration("queue.recoveryInterval", time.Minute))
	}()

	if cfg.TenantsDir != "" || cfg.BaseConfigFile != "" {
		go func() {
			if err := config.Watch(ctx, resolver, cfg.BaseConfigFile, logger); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("service is ready", "workers", cfg.WorkerCount, "queue", cfg.PendingQueue)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping workers")
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all workers stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("shutdown timeout, forcing exit")
	}
	return nil
}
