package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"imghost/internal/admin"
	"imghost/internal/admission"
	"imghost/internal/api"
	"imghost/internal/config"
	"imghost/internal/db"
	"imghost/internal/events"
	"imghost/internal/images"
	"imghost/internal/imaging"
	"imghost/internal/ingest"
	"imghost/internal/keys"
	"imghost/internal/logger"
	"imghost/internal/metrics"
	"imghost/internal/queue"
	"imghost/internal/ratelimit"
	"imghost/internal/scan"
	"imghost/internal/scheduler"
	"imghost/internal/storage"
	"imghost/internal/sweeper"
	"imghost/internal/usage"
	"imghost/internal/worker"
)

// customRecovery is a middleware that recovers from panics and handles http.ErrAbortHandler gracefully.
func customRecovery(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					log.Warn("Client connection aborted", "path", c.Request.URL.Path)
					c.Abort()
					return
				}

				log.Error("Panic recovered",
					"error", recovered,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)
				c.AbortWithStatus(http.StatusInternalServerError)
			}
		}()
		c.Next()
	}
}

// app holds the wired services of one process.
type app struct {
	router    *gin.Engine
	pool      *worker.Pool
	scheduler *scheduler.Scheduler
	closers   []func() error
}

func (a *app) close(log *slog.Logger) {
	for _, c := range a.closers {
		if err := c(); err != nil {
			log.Warn("Error releasing resource", "error", err)
		}
	}
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{}

	database, err := db.Init(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("error initializing database: %w", err)
	}
	log.Info("Database initialized", "type", cfg.Database.Type)

	blobs, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("error initializing storage: %w", err)
	}
	log.Info("Storage initialized", "type", cfg.Storage.Type)

	var (
		bucketStore ratelimit.Store
		evictor     scheduler.Evictor
	)
	switch cfg.RateLimit.Store {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RateLimit.RedisAddr,
			Password: cfg.RateLimit.RedisPassword,
			DB:       cfg.RateLimit.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("error connecting to redis: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		bucketStore = ratelimit.NewRedisStore(client)
	default:
		mem := ratelimit.NewMemoryStore()
		bucketStore, evictor = mem, mem
	}
	log.Info("Rate limiter initialized", "store", cfg.RateLimit.Store)

	ledger := usage.NewLedger(database)
	limiter := ratelimit.NewLimiter(bucketStore)
	eventLog := events.NewLog(database)
	jobs := queue.New(database, eventLog, queue.Config{
		MaxRetries:      cfg.Queue.MaxRetries,
		BaseBackoff:     cfg.Queue.BaseBackoff.Std(),
		MaxBackoff:      cfg.Queue.MaxBackoff.Std(),
		LivenessTimeout: cfg.Queue.LivenessTimeout.Std(),
	}, log)
	keySvc := keys.NewService(database, ledger, limiter, cfg.Limits, log)
	gate := admission.NewGate(database, keySvc, limiter, ledger, log)
	imageSvc := images.NewService(database, blobs, ledger, eventLog, log)
	ingestCfg := ingest.Config{
		AllowedMimeTypes:  cfg.Upload.AllowedMimeTypes,
		MaxImageDimension: cfg.Upload.MaxImageDimension,
		ThumbnailSize:     cfg.Upload.ThumbnailSize,
		WebPVariant:       cfg.Upload.WebPVariant,
	}
	if cfg.Upload.ScanURL != "" {
		ingestCfg.Scanner = scan.NewHTTPScanner(cfg.Upload.ScanURL, cfg.Upload.ScanTimeout.Std(), log)
		log.Info("Upload scanning enabled", "url", cfg.Upload.ScanURL)
	}
	ingestStore := ingest.NewStore(database, blobs, jobs, eventLog, ledger, ingestCfg, log)
	counters := metrics.New()

	hostname, _ := os.Hostname()
	a.pool = worker.NewPool(jobs, imageSvc, blobs, imaging.NewProcessor(), counters, worker.Config{
		PoolSize:     cfg.Worker.PoolSize,
		PollInterval: cfg.Worker.PollInterval.Std(),
		Name:         hostname,
	}, log)

	var relay *events.Relay
	if cfg.Events.RelayURL != "" {
		publisher, err := events.NewAMQPPublisher(cfg.Events.RelayURL, cfg.Events.Exchange)
		if err != nil {
			a.close(log)
			return nil, fmt.Errorf("error connecting event relay: %w", err)
		}
		a.closers = append(a.closers, publisher.Close)
		relay = events.NewRelay(eventLog, publisher, cfg.Events.BatchSize, log)
		log.Info("Event relay enabled", "exchange", cfg.Events.Exchange)
	}

	a.scheduler = scheduler.NewScheduler(scheduler.Config{
		SweepSchedule:      cfg.Sweeper.Schedule,
		RelaySchedule:      cfg.Events.RelaySchedule,
		UsageRetentionDays: cfg.Sweeper.UsageRetentionDays,
	}, scheduler.Deps{
		Sweeper: sweeper.New(database, eventLog, log),
		Ledger:  ledger,
		Queue:   jobs,
		Evictor: evictor,
		Relay:   relay,
	}, log)

	router := gin.New()
	// Use our custom recovery middleware instead of the default one.
	router.Use(customRecovery(log))
	if cfg.Debug {
		router.Use(gin.Logger())
	}
	router.Use(api.CORS(cfg.Server.CORSOrigins))
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(counters.Handler()))
	api.SetupRoutes(router, api.NewHandler(ingestStore, imageSvc, jobs, counters, cfg.Upload.MaxBodyBytes), gate)
	admin.SetupRoutes(router, keySvc, eventLog, cfg.Admin.Password)
	a.router = router

	return a, nil
}

// setupAndRunServer serves until quit receives a signal, then shuts down
// the HTTP server, the worker pool and the scheduler.
func setupAndRunServer(cfg *config.Config, log *slog.Logger, quit <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.close(log)

	if err := a.scheduler.Start(); err != nil {
		return err
	}
	defer a.scheduler.Stop()

	poolDone := make(chan error, 1)
	go func() { poolDone <- a.pool.Run(ctx) }()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: a.router,
	}
	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting server", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		cancel()
		<-poolDone
		return fmt.Errorf("failed to start server: %w", err)
	case <-quit:
	}
	log.Info("Shutting down server...")

	// The context is used to inform the server it has 5 seconds to finish
	// the request it is currently handling
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	shutdownErr := server.Shutdown(shutdownCtx)

	cancel()
	if err := <-poolDone; err != nil {
		log.Warn("Worker pool stopped with error", "error", err)
	}
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}
	log.Info("Server exiting")
	return nil
}

func main() {
	path := os.Getenv("IMGHOST_CONFIG")
	if path == "" {
		path = "config.yaml"
	}
	cfg, warning, err := config.LoadConfig(path)
	if err != nil {
		// Use a temporary logger for startup errors
		slog.Error("Error loading configuration", "error", err)
		os.Exit(1)
	}

	log := logger.NewWithFormat(os.Stdout, cfg.Debug, cfg.LogFormat)
	log.Info("Logger initialized", "debug_mode", cfg.Debug)
	if warning != "" {
		log.Warn(warning)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	if err := setupAndRunServer(cfg, log, quit); err != nil {
		log.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}
